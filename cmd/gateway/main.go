package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/af-corp/operator-gateway/internal/app"
	"github.com/af-corp/operator-gateway/internal/auth"
	"github.com/af-corp/operator-gateway/internal/gateway"
	"github.com/af-corp/operator-gateway/internal/httputil"
	"github.com/af-corp/operator-gateway/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	a, err := app.New(context.Background(), app.Options{
		ConfigDir: *configDir,
		Watch:     true,
	})
	if err != nil {
		slog.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	cfg := a.Config()
	logger := a.Logger()

	handler := gateway.NewHandler(a.Gateway, a.Registry, a.Health, version)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httputil.RequestIDMiddleware)

	// Unauthenticated routes
	r.Get("/health", handler.Health)
	if cfg.Telemetry.MetricsPort == 0 {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			keyStore := auth.NewCachedKeyStore(a.DB, a.Redis, cfg.Redis.KeyPrefix, cfg.Auth.CacheTTL)
			r.Use(auth.Middleware(keyStore))
		} else {
			logger.Warn("caller authentication disabled")
		}
		r.Use(ratelimit.Middleware(a.Limiter, cfg.RateLimit.RPM, a.Metrics))
		handler.Routes(r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version, "providers", a.Registry.Len())
		errCh <- srv.ListenAndServe()
	}()

	var metricsSrv *http.Server
	if cfg.Telemetry.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
		go func() {
			logger.Info("metrics listener starting", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if metricsSrv != nil {
		metricsSrv.Shutdown(ctx)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		a.Close(ctx)
		os.Exit(1)
	}
	a.Close(ctx)
	logger.Info("gateway stopped")
}
