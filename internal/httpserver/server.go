// Package httpserver mounts the broker's REST surface (spec.md §6) over a
// chi router: request-scoped middleware, health/readiness/metrics endpoints,
// and the per-topic publish/subscribe/confirm/lookup handlers that delegate
// to the engine.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/pkg/access"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/engine"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

// maxPublishBodyBytes enforces spec.md §6's 5 MiB publish body limit.
const maxPublishBodyBytes = 5 << 20

// hotlistWaitTimeout bounds how long a publish-with-target or
// by_correlation_token request blocks (spec.md §4.4's hotlist_duration).
const hotlistWaitTimeout = 10 * time.Second

// Server holds the HTTP server dependencies.
type Server struct {
	Router  *chi.Mux
	Logger  *slog.Logger
	Engine  *engine.Engine
	Metrics *prometheus.Registry
}

// NewServer wires global middleware, health/readiness/metrics endpoints,
// and the authenticated /api/v1 route tree. authMiddleware validates the
// bearer JWT and attaches an access.Identity to the request context; it
// may be nil, which internal/app passes when no OIDC issuer is configured.
func NewServer(cfg *config.Config, logger *slog.Logger, eng *engine.Engine, metricsReg *prometheus.Registry, authMiddleware func(http.Handler) http.Handler, wsHandler http.Handler) *Server {
	s := &Server{
		Router:  chi.NewRouter(),
		Logger:  logger,
		Engine:  eng,
		Metrics: metricsReg,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "correlation-token"},
		ExposedHeaders:   []string{"X-Request-ID", "correlation-token", "Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}
		r.Put("/topics/{topic}/description", s.handleUpsertDescriptor)
		r.Put("/topics/{topic}/events", s.handlePublish)
		r.Get("/topics/{topic}/next", s.handleNext)
		r.Put("/topics/{topic}/confirm/{unique_time}/{instance_id}", s.handleConfirm)
		r.Get("/topics/{topic}/events/by_event_id/{event_id}", s.handleByEventID)
		r.Get("/topics/{topic}/events/by_correlation_token/{token}", s.handleByCorrelationToken)
		r.Get("/topics/{topic}/events/ids_by_index/{name}/{key}", s.handleIDsByIndex)
		if wsHandler != nil {
			r.Get("/topics/{topic}/ws", wsHandler.ServeHTTP)
		}
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.Engine.Health().Live() {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "instance claim is not live")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.Engine.Health().Ready() {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "local clock is not currently trusted")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func identityFrom(r *http.Request) access.Identity {
	if identity, ok := access.FromContext(r.Context()); ok {
		return identity
	}
	return access.Identity{}
}

func (s *Server) handleUpsertDescriptor(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	var dto descriptorDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		RespondError(w, http.StatusBadRequest, "malformed_identifier", "decoding descriptor body: "+err.Error())
		return
	}
	if err := s.Engine.UpsertDescriptor(r.Context(), identityFrom(r), topicID, dto.toBackend()); err != nil {
		RespondBrokerError(w, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	q := r.URL.Query()

	priority := 0
	if raw := q.Get("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "malformed_identifier", "priority must be an integer")
			return
		}
		priority = p
	}

	var descriptorVersion *uint64
	if raw := q.Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "malformed_identifier", "version must be an unsigned integer")
			return
		}
		descriptorVersion = &v
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPublishBodyBytes)
	document, err := io.ReadAll(r.Body)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "malformed_identifier", "reading request body: "+err.Error())
		return
	}

	correlationTokenIn := r.Header.Get("correlation-token")

	result, err := s.Engine.Publish(r.Context(), identityFrom(r), topicID, document, priority, descriptorVersion, correlationTokenIn)
	if err != nil {
		RespondBrokerError(w, err)
		return
	}
	w.Header().Set("correlation-token", result.CorrelationToken)

	target := q.Get("target")
	if target == "" {
		Respond(w, http.StatusNoContent, nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hotlistWaitTimeout)
	defer cancel()
	ev, err := s.Engine.WaitForCorrelated(ctx, identityFrom(r), topicID, target)
	if err != nil {
		RespondBrokerError(w, err)
		return
	}
	if ev == nil {
		w.Header().Set("Location", fmt.Sprintf("/api/v1/topics/%s/events/by_correlation_token/%s", topicID, target))
		Respond(w, http.StatusSeeOther, nil)
		return
	}
	Respond(w, http.StatusOK, eventDTOFrom(ev))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	q := r.URL.Query()

	consumerID := q.Get("from")
	if consumerID == "" {
		RespondError(w, http.StatusBadRequest, "malformed_identifier", "missing required query parameter 'from'")
		return
	}

	var descriptorVersion *uint64
	if raw := q.Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "malformed_identifier", "version must be an unsigned integer")
			return
		}
		descriptorVersion = &v
	}

	gist, err := s.pollNext(r.Context(), topicID, consumerID, descriptorVersion, identityFrom(r))
	if err != nil {
		RespondBrokerError(w, err)
		return
	}
	if gist == nil {
		Respond(w, http.StatusNoContent, nil)
		return
	}
	confirmURL := fmt.Sprintf("/api/v1/topics/%s/confirm/%d/%d", topicID, gist.UniqueTime.AsEncoded(), gist.InstanceID)
	w.Header().Set("Link", fmt.Sprintf(`<%s>;rel="confirm-delivery"`, confirmURL))
	if gist.CorrelationToken != "" {
		w.Header().Set("correlation-token", gist.CorrelationToken)
	}
	Respond(w, http.StatusOK, deliveryGistDTOFrom(gist))
}

// pollNext turns the engine's single-attempt reservation into the
// long-poll behavior spec.md §6 describes for this endpoint: retry on a
// short interval until an event is won, the client disconnects, or
// hotlistWaitTimeout elapses.
func (s *Server) pollNext(ctx context.Context, topicID, consumerID string, descriptorVersion *uint64, identity access.Identity) (*backend.EventDeliveryGist, error) {
	ctx, cancel := context.WithTimeout(ctx, hotlistWaitTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		gist, err := s.Engine.Next(ctx, identity, topicID, consumerID, descriptorVersion)
		if err != nil || gist != nil {
			return gist, err
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	consumerID := r.URL.Query().Get("from")
	if consumerID == "" {
		RespondError(w, http.StatusBadRequest, "malformed_identifier", "missing required query parameter 'from'")
		return
	}
	encoded, err := strconv.ParseUint(chi.URLParam(r, "unique_time"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "malformed_identifier", "unique_time must be an unsigned integer")
		return
	}
	ut := uniquetime.FromEncoded(encoded)

	if err := s.Engine.Confirm(r.Context(), identityFrom(r), topicID, consumerID, ut); err != nil {
		RespondBrokerError(w, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleByEventID(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	eventID := chi.URLParam(r, "event_id")

	ev, err := s.Engine.GetByID(r.Context(), identityFrom(r), topicID, eventID)
	if err != nil {
		RespondBrokerError(w, err)
		return
	}
	if ev == nil {
		RespondError(w, http.StatusNotFound, "not_found", "no event with id "+eventID)
		return
	}
	Respond(w, http.StatusOK, eventDTOFrom(ev))
}

func (s *Server) handleByCorrelationToken(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	token := chi.URLParam(r, "token")

	ctx, cancel := context.WithTimeout(r.Context(), hotlistWaitTimeout)
	defer cancel()
	ev, err := s.Engine.WaitForCorrelated(ctx, identityFrom(r), topicID, token)
	if err != nil {
		RespondBrokerError(w, err)
		return
	}
	if ev == nil {
		RespondError(w, http.StatusNotFound, "not_found", "no event correlated with token "+token)
		return
	}
	Respond(w, http.StatusOK, eventDTOFrom(ev))
}

func (s *Server) handleIDsByIndex(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	name := chi.URLParam(r, "name")
	key := chi.URLParam(r, "key")

	ids, err := s.Engine.GetIDsByIndex(r.Context(), identityFrom(r), topicID, name, key)
	if err != nil {
		RespondBrokerError(w, err)
		return
	}
	Respond(w, http.StatusOK, ids)
}
