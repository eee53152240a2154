package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	oauth "github.com/sequentops/integration-oauth"
	"github.com/sequentops/integration-oauth/instrumentation"
	"github.com/sequentops/integration-oauth/security"
	"github.com/sequentops/integration-oauth/storage"
	"github.com/sequentops/integration-oauth/storage/memory"
	"github.com/sequentops/integration-oauth/storage/redis"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OAuth callback gateway",
	Long: `Run the HTTP daemon that serves the public OAuth callback and
interstitial pages plus the API-key protected integration management API.

Configuration comes from the environment (or a .env file in the working
directory). BASE_URL and STATE_SIGNING_KEY are required; TOKEN_ENCRYPTION_KEY
is required in production. Set REDIS_ADDR to persist integrations in Redis,
otherwise an in-memory store is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Root().Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(version string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.Engine.Logger = logger
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		integrations storage.IntegrationStore
		providerCfgs storage.ProviderStore
		attempts     security.AttemptStore
	)
	if cfg.RedisAddr != "" {
		store, err := redis.New(ctx, redis.Config{
			Address:   cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer store.Close()
		integrations, providerCfgs, attempts = store, store, store
		logger.Info("using redis storage", "address", cfg.RedisAddr)
	} else {
		store := memory.New(logger)
		integrations, providerCfgs = store, store
		logger.Info("using in-memory storage")
	}

	inst, err := buildInstrumentation(cfg, version)
	if err != nil {
		return fmt.Errorf("setting up instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	opts := []oauth.EngineOption{oauth.WithInstrumentation(inst)}
	if attempts != nil {
		opts = append(opts, oauth.WithAttemptStore(attempts))
	}
	engine, err := oauth.NewEngine(cfg.Engine, integrations, providerCfgs, opts...)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	if cfg.ProvidersFile != "" {
		encryptor, err := security.NewEncryptor(cfg.Engine.EncryptionKey)
		if err != nil {
			return err
		}
		if err := seedProviders(ctx, cfg.ProvidersFile, providerCfgs, encryptor, logger); err != nil {
			return err
		}
	}

	handler := oauth.NewHandler(engine)
	defer handler.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "address", cfg.ListenAddr, "environment", string(cfg.Engine.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "address", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// buildInstrumentation wires an OpenTelemetry meter provider backed by the
// default Prometheus registry, so /metrics on the metrics server exposes
// everything the engine records. When metrics are disabled the engine runs
// on no-op instruments.
func buildInstrumentation(cfg *serveConfig, version string) (*instrumentation.Instrumentation, error) {
	instCfg := instrumentation.Config{
		ServiceName:    "oauthgated",
		ServiceVersion: version,
		Enabled:        cfg.MetricsEnabled,
	}
	if cfg.MetricsEnabled {
		exporter, err := otelprom.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		instCfg.MeterProvider = mp

		inst, err := instrumentation.New(instCfg)
		if err != nil {
			return nil, err
		}
		inst.OnShutdown(mp.Shutdown)
		return inst, nil
	}
	return instrumentation.New(instCfg)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
