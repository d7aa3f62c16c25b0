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
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelforge/conductor/internal/core/config"
	"github.com/pixelforge/conductor/internal/infra/comfy"
	"github.com/pixelforge/conductor/internal/infra/secrets"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load .env if present (ignored when missing)
	_ = godotenv.Load()

	// Load configuration first (before setting up logger)
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Simplified logging logic (debug < info)
	slogLevel := slog.LevelInfo
	if *isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})))
	slog.Info("Logger initialized", "level", slogLevel.String())

	// Resolve the backend auth token from the secret provider when the
	// config leaves it unset.
	if cfg.Backend.AuthToken == "" {
		store := secrets.NewCached(&secrets.EnvProvider{Prefix: "CONDUCTOR_"})
		if token, err := store.Get(context.Background(), "backend-token"); err == nil {
			cfg.Backend.AuthToken = token
		}
	}

	// Initialize the orchestration client
	client := comfy.New(cfg.Backend)
	defer client.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !client.HealthCheck(ctx) {
		slog.Warn("Backend health check failed, continuing anyway",
			"base_url", cfg.Backend.BaseURL)
	} else {
		slog.Info("Backend is healthy", "base_url", cfg.Backend.BaseURL)
	}

	// Expose metrics and a liveness endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if client.HealthCheck(r.Context()) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "backend unreachable")
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		slog.Info("Serving metrics", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	// Handle OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	client.Shutdown()
	slog.Info("Conductor stopped gracefully")
}
