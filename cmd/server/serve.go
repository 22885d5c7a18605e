package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/droidpilot/internal/api"
	"github.com/ashureev/droidpilot/internal/config"
	"github.com/ashureev/droidpilot/internal/middleware"
	"github.com/ashureev/droidpilot/internal/store"
	"github.com/ashureev/droidpilot/internal/stream"
	"github.com/ashureev/droidpilot/web"
)

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend", cfg.Inference.Backend)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.StartLimit > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.StartLimit, cfg.RateLimit.StartWindow)
		defer limiter.Stop()
	}

	// Note: SSE and websocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(a, limiter),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		// Streams end with the process context, so Shutdown does not wait on them.
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		store.RunRetentionWorker(gctx, a.repo, cfg.Retention.Age, cfg.Retention.Interval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if closeErr := a.shutdown(); closeErr != nil {
		logger.Error("Shutdown incomplete", "error", closeErr)
	}
	if err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

func newRouter(a *app, limiter *api.RateLimiter) http.Handler {
	cfg := a.cfg

	sessionHandler := api.NewSessionHandler(a.engine, a.repo, limiter, api.Settings{
		Backend:      cfg.Inference.Backend,
		Model:        cfg.Inference.Model,
		Temperature:  cfg.Inference.Temperature,
		MaxTokens:    cfg.Inference.MaxTokens,
		MaxSteps:     cfg.Engine.MaxSteps,
		HistoryN:     cfg.Engine.HistoryN,
		SettleDelay:  cfg.Engine.SettleDelay.String(),
		WaitDelay:    cfg.Engine.WaitDelay.String(),
		DeviceSerial: cfg.Device.Serial,
	}, a.logger)
	healthHandler := api.NewHealthHandler(a.repo, 0)
	wsHandler := stream.NewWebSocketHandler(a.engine, a.hub, cfg.FrontendURL, cfg.IsDevelopment(), a.logger)
	sseHandler := stream.NewSSEHandler(a.hub, 0, 0, a.logger)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// Event streams.
	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/api/events", sseHandler.ServeHTTP)

	// Serve embedded observer page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
