package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mydriatech/fragtale/internal/auth"
	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/internal/httpserver"
	"github.com/mydriatech/fragtale/internal/platform"
	"github.com/mydriatech/fragtale/internal/telemetry"
	"github.com/mydriatech/fragtale/internal/version"
	"github.com/mydriatech/fragtale/internal/wsapi"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/backend/mem"
	"github.com/mydriatech/fragtale/pkg/backend/pg"
	"github.com/mydriatech/fragtale/pkg/engine"
)

// Run reads config, wires every spec.md §4 component behind an Engine, and
// serves the broker's HTTP/WS surface until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fragtale",
		"listen", cfg.ListenAddr(),
		"backend", cfg.BackendImplementation,
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "fragtale", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("closing backend", "error", err)
		}
	}()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	eng, err := engine.New(ctx, cfg, b, rdb, version.Version, logger)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close(context.Background())

	metricsReg := telemetry.NewMetricsRegistry(eng.Metrics().Collectors()...)

	authMiddleware, err := buildAuthMiddleware(ctx, cfg, logger)
	if err != nil {
		return err
	}

	wsHandler := wsapi.NewHandler(cfg, eng, logger)
	srv := httpserver.NewServer(cfg, logger, eng, metricsReg, authMiddleware, wsHandler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openBackend builds the mem or PostgreSQL-backed backend.Backend per
// cfg.BackendImplementation ("mem" for single-node development, anything
// else for the durable cluster-capable backend), running schema migrations
// first when PostgreSQL-backed.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	if cfg.BackendImplementation == "mem" {
		logger.Info("using in-memory backend (development only, not durable)")
		return mem.New(), nil
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	b, err := pg.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to backend database: %w", err)
	}
	return b, nil
}

// buildAuthMiddleware performs OIDC discovery against cfg.OIDCIssuerURL and
// returns bearer-JWT middleware. Per spec.md §6 every endpoint requires a
// valid bearer token; with no issuer configured, requests pass through
// unauthenticated, which is only appropriate for local development.
func buildAuthMiddleware(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.OIDCIssuerURL == "" {
		logger.Warn("FRAGTALE_OIDC_ISSUER_URL not set; running without bearer-token authentication")
		return nil, nil
	}
	authenticator, err := auth.NewAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
	if err != nil {
		return nil, fmt.Errorf("initializing OIDC authenticator: %w", err)
	}
	logger.Info("bearer-token authentication enabled", "issuer", cfg.OIDCIssuerURL)
	return auth.Middleware(authenticator), nil
}
