// Package wsapi offers the websocket duplex variants of publish, subscribe
// and confirm described in spec.md §6: one connection per (topic,
// consumer_id) carrying JSON command frames in and delivery frames out.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/pkg/access"
	"github.com/mydriatech/fragtale/pkg/engine"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

const (
	pingInterval = 5 * time.Second
	pongWait     = 15 * time.Second
	writeWait    = 5 * time.Second
)

// command is an inbound JSON frame from the client.
type command struct {
	Type string `json:"type"` // "publish" | "ack_delivery"

	// publish fields
	Document         json.RawMessage `json:"document,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	Version          *uint64         `json:"version,omitempty"`
	CorrelationToken string          `json:"correlation_token,omitempty"`

	// ack_delivery fields
	UniqueTime uint64 `json:"unique_time,omitempty"`
}

// outbound frame types sent to the client.
type publishedFrame struct {
	Type             string `json:"type"` // "published"
	UniqueTime       uint64 `json:"unique_time"`
	EventID          string `json:"event_id"`
	CorrelationToken string `json:"correlation_token"`
}

type nextFrame struct {
	Type               string `json:"type"` // "next"
	EncodedUniqueTime  uint64 `json:"encoded_unique_time"`
	DeliveryInstanceID uint16 `json:"delivery_instance_id"`
	CorrelationToken   string `json:"correlation_token,omitempty"`
	EventDocument      string `json:"event_document"`
}

type errorFrame struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}

// Handler upgrades authenticated HTTP requests to a publish/subscribe/confirm
// duplex connection for one (topic, consumer_id) pair.
type Handler struct {
	engine   *engine.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler that accepts connections from cfg's allowed
// CORS origins (an allowlist of "*" admits any origin).
func NewHandler(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) *Handler {
	allowed := make(map[string]bool, len(cfg.CORSAllowedOrigins))
	allowAny := false
	for _, origin := range cfg.CORSAllowedOrigins {
		if origin == "*" {
			allowAny = true
		}
		allowed[origin] = true
	}
	return &Handler{
		engine: eng,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAny {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// session holds the per-connection state readLoop, writeLoop and
// subscribeLoop share.
type session struct {
	engine     *engine.Engine
	topicID    string
	consumerID string
	identity   access.Identity
	writeCh    chan any
}

// ServeHTTP upgrades the connection and runs its read/subscribe loops until
// the client disconnects or the server shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topic")
	consumerID := r.URL.Query().Get("from")
	identity, _ := access.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		engine:     h.engine,
		topicID:    topicID,
		consumerID: consumerID,
		identity:   identity,
		writeCh:    make(chan any, 16),
	}

	go writeLoop(ctx, conn, s.writeCh)
	if consumerID != "" {
		go s.subscribeLoop(ctx)
	}
	s.readLoop(ctx, conn)
}

func writeLoop(ctx context.Context, conn *websocket.Conn, writeCh <-chan any) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-writeCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// readLoop handles pong keepalive and inbound publish/ack_delivery commands.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "publish":
			s.handlePublish(ctx, cmd)
		case "ack_delivery":
			s.handleAckDelivery(ctx, cmd)
		default:
			s.writeCh <- errorFrame{Type: "error", Error: "unknown command type " + cmd.Type}
		}
	}
}

func (s *session) handlePublish(ctx context.Context, cmd command) {
	result, err := s.engine.Publish(ctx, s.identity, s.topicID, cmd.Document, cmd.Priority, cmd.Version, cmd.CorrelationToken)
	if err != nil {
		s.writeCh <- errorFrame{Type: "error", Error: err.Error()}
		return
	}
	s.writeCh <- publishedFrame{
		Type:             "published",
		UniqueTime:       result.UniqueTime.AsEncoded(),
		EventID:          result.EventID,
		CorrelationToken: result.CorrelationToken,
	}
}

func (s *session) handleAckDelivery(ctx context.Context, cmd command) {
	if err := s.engine.Confirm(ctx, s.identity, s.topicID, s.consumerID, uniquetime.FromEncoded(cmd.UniqueTime)); err != nil {
		s.writeCh <- errorFrame{Type: "error", Error: err.Error()}
	}
}

// subscribeLoop repeatedly reserves the next delivery for (topicID,
// consumerID) and pushes it to the client, backing off briefly when the
// topic is idle.
func (s *session) subscribeLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		gist, err := s.engine.Next(ctx, s.identity, s.topicID, s.consumerID, nil)
		if err != nil {
			select {
			case s.writeCh <- errorFrame{Type: "error", Error: err.Error()}:
			case <-ctx.Done():
			}
			continue
		}
		if gist == nil {
			continue
		}
		frame := nextFrame{
			Type:               "next",
			EncodedUniqueTime:  gist.UniqueTime.AsEncoded(),
			DeliveryInstanceID: gist.InstanceID,
			CorrelationToken:   gist.CorrelationToken,
			EventDocument:      gist.Document,
		}
		select {
		case s.writeCh <- frame:
		case <-ctx.Done():
			return
		}
	}
}
