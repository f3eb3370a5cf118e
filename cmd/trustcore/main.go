package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianhq/trustcore/internal/infrastructure/cache"
	"github.com/meridianhq/trustcore/internal/infrastructure/config"
	"github.com/meridianhq/trustcore/internal/infrastructure/database"
	"github.com/meridianhq/trustcore/internal/infrastructure/repository"
	"github.com/meridianhq/trustcore/internal/infrastructure/telemetry"
	"github.com/meridianhq/trustcore/internal/metrics"
	auditsvc "github.com/meridianhq/trustcore/internal/service/audit"
	"github.com/meridianhq/trustcore/internal/service/encryption"
	"github.com/meridianhq/trustcore/internal/service/mfa"
)

// automationWindow mirrors the audit detector's 5-minute rate window; the
// Redis-backed counter must trim on the same horizon the detector reasons
// about.
const automationWindow = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting trustcore",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	crypto, err := encryption.New(cfg.Security.EncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("initializing encryption: %w", err)
	}

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry := metrics.NewRegistry(promRegistry)

	var window auditsvc.ActivityWindow
	if cfg.Redis.Enabled {
		client, err := cache.NewClient(&cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer client.Close()

		window = cache.NewActivityWindow(client, automationWindow, logger)
	}

	auditService, err := auditsvc.New(auditsvc.Deps{
		Events:  repository.NewAuditRepository(pool),
		Alerts:  repository.NewAlertRepository(pool),
		Crypto:  crypto,
		Window:  window,
		Logger:  logger,
		Metrics: registry,
	}, auditsvc.Config{
		SuppressionEnabled: cfg.Audit.AlertSuppressionEnabled,
		SuppressionWindow:  cfg.Audit.AlertSuppressionWindow,
	})
	if err != nil {
		return fmt.Errorf("initializing audit service: %w", err)
	}

	// Constructed at startup so a broken wiring fails fast. Callers embed
	// the services as a library; this process only exposes operational
	// endpoints.
	if _, err := mfa.New(mfa.Deps{
		Users:    repository.NewUserRepository(pool),
		Crypto:   crypto,
		Security: auditService,
		Logger:   logger,
		Metrics:  registry,
	}, mfa.Config{
		Issuer: cfg.Security.MFAIssuer,
	}); err != nil {
		return fmt.Errorf("initializing mfa service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	return nil
}
