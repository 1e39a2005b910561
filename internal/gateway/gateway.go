// ABOUTME: Composition root wiring the bridge, coordinator, stores and HTTP API together.
// ABOUTME: Owns the server lifecycle: listen, run until canceled, graceful shutdown.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/darkpunkki/taskbridge/internal/auth"
	"github.com/darkpunkki/taskbridge/internal/bridge"
	"github.com/darkpunkki/taskbridge/internal/config"
	"github.com/darkpunkki/taskbridge/internal/cost"
	"github.com/darkpunkki/taskbridge/internal/dispatch"
	"github.com/darkpunkki/taskbridge/internal/events"
	"github.com/darkpunkki/taskbridge/internal/ratelimit"
	"github.com/darkpunkki/taskbridge/internal/store"
)

// defaultHeartbeatTimeout applies when the config leaves bridge.heartbeat_timeout unset.
const defaultHeartbeatTimeout = 90 * time.Second

// Gateway is the assembled control plane.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	registry    *bridge.Registry
	bridgeSrv   *bridge.Server
	coordinator *dispatch.Coordinator
	limiter     *ratelimit.Limiter
	costs       *cost.Tracker
	broadcaster *events.Broadcaster

	httpServer *http.Server
}

// New builds a Gateway from configuration. The store is opened here; callers
// own the returned gateway's lifecycle via Run/Shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	g := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		store:       st,
		broadcaster: events.NewBroadcaster(logger),
	}

	g.registry = bridge.NewRegistry(g.broadcaster, logger)
	g.limiter = ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.AgentLimit, cfg.RateLimit.ClientIPLimit)
	g.costs = cost.NewTracker(cost.Config{
		PricePer1KTokens: cfg.Cost.PricePer1KTokens,
		SessionLimitUSD:  cfg.Cost.SessionLimitUSD,
		DailyLimitUSD:    cfg.Cost.DailyLimitUSD,
		WarningThreshold: cfg.Cost.WarningThreshold,
	}, logger)

	g.coordinator = dispatch.NewCoordinator(g.registry, st, st, g.limiter, g.costs, g.broadcaster, logger)
	g.registry.SetDisconnectHandler(g.coordinator)

	g.bridgeSrv = bridge.NewServer(g.registry, g.coordinator, g.heartbeatTimeout(), logger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	authMW := auth.NewMiddleware(verifier, st)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(authMW),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func (g *Gateway) heartbeatTimeout() time.Duration {
	if g.config.Bridge.HeartbeatTimeout > 0 {
		return g.config.Bridge.HeartbeatTimeout
	}
	return defaultHeartbeatTimeout
}

// Coordinator exposes the dispatch coordinator, mainly for tests and the CLI.
func (g *Gateway) Coordinator() *dispatch.Coordinator { return g.coordinator }

// Registry exposes the live connection registry.
func (g *Gateway) Registry() *bridge.Registry { return g.registry }

// Run starts the HTTP server and the heartbeat reaper, blocking until the
// context is canceled or a server error occurs. Returns nil on graceful
// shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	reaperCtx, cancelReaper := context.WithCancel(ctx)
	defer cancelReaper()
	g.registry.StartReaper(reaperCtx, g.heartbeatTimeout())

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.broadcaster.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
