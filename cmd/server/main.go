// Randopair matchmaking server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/randopair/internal/admission"
	"github.com/ashureev/randopair/internal/api"
	"github.com/ashureev/randopair/internal/config"
	"github.com/ashureev/randopair/internal/matcher"
	"github.com/ashureev/randopair/internal/registry"
	"github.com/ashureev/randopair/internal/relay"
	"github.com/ashureev/randopair/internal/session"
	"github.com/ashureev/randopair/internal/store"
	"github.com/ashureev/randopair/internal/wire"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting server", "port", cfg.Port, "store_driver", cfg.StoreDriver)

	var repo store.Repository
	switch cfg.StoreDriver {
	case "sqlite":
		repo, err = store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("failed to initialize sqlite store", "error", err)
			os.Exit(1)
		}
		slog.Info("sqlite store ready", "db_path", cfg.DBPath)
	default:
		repo = store.NewMemory()
		slog.Info("in-memory store ready")
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	reg := registry.New(cfg.MaxWSPerIP)
	m := matcher.New(repo, reg, cfg.QueueTick)
	rel := relay.New(repo, reg, cfg.MaxMessageChars)
	sc := session.New(repo, reg, m, cfg.SessionRetention)
	wireLayer := wire.New(reg, repo, m, rel, sc, cfg.MaxFrameBytes, cfg.HeartbeatInterval)

	rateLimiter := admission.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow.Seconds())

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(admission.SecurityHeaders(cfg.TLSTerminated))
	r.Use(admission.CORS(cfg.CORSOrigins))
	r.Use(rateLimiter.Middleware)

	apiHandler := api.New(repo, reg)
	apiHandler.Routes(r)
	r.Get("/ws", wireLayer.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout: the websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go wireLayer.StartHeartbeatSweep(ctx)
	go sc.SweepExpiredSessions(ctx, cfg.SessionRetention)
	slog.Info("background sweeps started", "heartbeat_interval", cfg.HeartbeatInterval, "session_retention", cfg.SessionRetention)

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped successfully")
}
