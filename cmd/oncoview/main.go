// Command oncoview serves the OncoDetect web client.
//
// Users upload a CT scan image, submit it to the OncoDetect prediction
// service and see the classification, an optional heatmap, recent predictions
// and aggregate statistics. Each browser session gets its own view state, kept
// in memory or in Redis so several instances can share sessions.
//
// Usage:
//
//	oncoview -listen=:8080 -service-url=https://oncodetect-backend-edison.onrender.com
//
// Environment variables (a .env file in the working directory is loaded first):
//
//	LISTEN           - HTTP listen address (default: :8080)
//	ONCODETECT_URL   - Prediction service base URL
//	REQUEST_TIMEOUT  - Per-request timeout for the prediction service (default: 60s)
//	HISTORY_LIMIT    - Recent predictions to show (default: 5)
//	MAX_UPLOAD_BYTES - Largest accepted image (default: 10 MiB)
//	STORAGE          - Session storage: memory or redis (default: memory)
//	REDIS_ADDR       - Redis server address
//	SESSION_TTL      - Session retention in storage (default: 24h)
//	SESSION_IDLE     - Session retention in memory (default: 30m)
//	TLS_ENABLED      - Use TLS_CA_FILE / TLS_CERT_FILE / TLS_KEY_FILE for the service
//	LOG_LEVEL        - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT       - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oncodetect/oncoview/cmd/oncoview/config"
	"github.com/oncodetect/oncoview/cmd/oncoview/metrics"
	"github.com/oncodetect/oncoview/cmd/oncoview/router"
	"github.com/oncodetect/oncoview/pkg/client"
	"github.com/oncodetect/oncoview/pkg/env"
	"github.com/oncodetect/oncoview/pkg/httpx"
	"github.com/oncodetect/oncoview/pkg/logging"
	"github.com/oncodetect/oncoview/pkg/session"
	"github.com/oncodetect/oncoview/pkg/storage"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	if err := env.LoadFiles(".env.local", ".env"); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting oncoview",
		"version", version,
		"listen", cfg.Listen,
		"service_url", cfg.ServiceURL,
		"storage", cfg.Storage,
		"tls_enabled", cfg.TLS.Enabled,
	)

	m := metrics.New(prometheus.DefaultRegisterer)

	httpClient, err := httpx.NewClient(cfg.TLS, cfg.RequestTimeout)
	if err != nil {
		logger.Error("failed to create HTTP client", "error", err)
		os.Exit(1)
	}
	svc, err := client.New(cfg.ServiceURL, httpClient, logger)
	if err != nil {
		logger.Error("failed to create service client", "error", err)
		os.Exit(1)
	}
	svc.SetRecorder(m)

	store, closeStore, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("failed to create session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	sessions := session.NewManager(svc, store, cfg.HistoryLimit, logger)
	sessions.ObserveActive(m.SetActiveSessions)

	handler, err := router.New(router.Config{
		Sessions:       sessions,
		Heatmaps:       svc,
		Health:         svc,
		Metrics:        m,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         logger,
		ServiceURL:     cfg.ServiceURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CookieSecure:   cfg.CookieSecure,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sessions.Run(ctx, time.Minute, cfg.SessionIdle)

	httpServer := httpx.NewServer(cfg.Listen, handler, logger)
	serverErr := make(chan error, 1)
	go func() {
		if cfg.ServerCertFile != "" {
			serverErr <- httpServer.StartTLS(cfg.ServerCertFile, cfg.ServerKeyFile)
			return
		}
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	if err := httpServer.Stop(30 * time.Second); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
}

// newStore builds the configured session store and its cleanup function.
func newStore(cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis session storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return rs, func() {
			if err := rs.Close(); err != nil {
				logger.Error("failed to close redis store", "error", err)
			}
		}, nil
	default:
		ms := storage.NewMemoryStoreWithTTL(cfg.SessionTTL, time.Minute)
		logger.Info("using in-memory session storage", "ttl", cfg.SessionTTL)
		return ms, ms.Stop, nil
	}
}
