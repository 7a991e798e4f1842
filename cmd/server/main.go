package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stbsettings/internal/adapter/httpserver"
	"github.com/pscheid92/stbsettings/internal/adapter/metrics"
	"github.com/pscheid92/stbsettings/internal/app"
	"github.com/pscheid92/stbsettings/internal/platform/config"
	"github.com/pscheid92/stbsettings/internal/platform/logging"
	"github.com/pscheid92/stbsettings/internal/platform/version"
	"github.com/pscheid92/stbsettings/internal/session"
)

var errCapacityExhausted = errors.New("session table is full")

func runGracefulShutdown(srv *httpserver.Server, appSvc *app.Service) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		appSvc.Stop()
		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	registry := metrics.NewRegistry()
	sessionMetrics := metrics.NewSessionMetrics(registry)
	httpMetrics := metrics.NewHTTPMetrics(registry)

	store := session.NewStore(clock, session.WithMaxSessions(cfg.MaxSessions))
	reaper := session.NewReaper(store, clock, cfg.SessionRetention, cfg.ReaperInterval, sessionMetrics)

	appSvc := app.NewService(store, reaper, sessionMetrics)
	appSvc.Start()

	capacity := httpserver.HealthCheck{
		Name: "capacity",
		Check: func(context.Context) error {
			if !appSvc.Ready() {
				return errCapacityExhausted
			}
			return nil
		},
	}

	srv, err := httpserver.NewServer(cfg, appSvc,
		httpserver.WithMetrics(httpMetrics, metrics.Handler(registry)),
		httpserver.WithHealthChecks(capacity),
	)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		appSvc.Stop()
		os.Exit(1)
	}

	done := runGracefulShutdown(srv, appSvc)

	slog.Info("Server starting", "port", cfg.Port, "max_sessions", cfg.MaxSessions, "retention", cfg.SessionRetention)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		appSvc.Stop()
		os.Exit(1)
	}

	<-done
}
