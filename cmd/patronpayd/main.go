// Command patronpayd serves the patronpay HTTP API, receives processor webhooks and runs
// the reconciliation jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/patronpay/internal/config"
	"github.com/mihaimyh/patronpay/pkg/api"
	"github.com/mihaimyh/patronpay/pkg/notify/rabbitmq"
	"github.com/mihaimyh/patronpay/pkg/patronpay"
	zerologadapter "github.com/mihaimyh/patronpay/pkg/patronpay/logger/zerolog"
	prommetrics "github.com/mihaimyh/patronpay/pkg/patronpay/metrics/prometheus"
	"github.com/mihaimyh/patronpay/pkg/processor/fake"
	stripeproc "github.com/mihaimyh/patronpay/pkg/processor/stripe"
	"github.com/mihaimyh/patronpay/pkg/scheduler"
	"github.com/mihaimyh/patronpay/storage/memory"
	"github.com/mihaimyh/patronpay/storage/postgres"
	redisstore "github.com/mihaimyh/patronpay/storage/redis"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config: %v\n", err)
		os.Exit(1)
	}

	zl := newZerolog(cfg)
	if err := run(cfg, zl); err != nil {
		zl.Fatal().Err(err).Msg("patronpayd stopped")
	}
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	var zl zerolog.Logger
	if cfg.LogFormat == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	return zl.Level(cfg.Level()).With().Timestamp().Str("service", "patronpayd").Logger()
}

func run(cfg *config.Config, zl zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zl)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, "patronpay")

	var checks []func(context.Context) error

	var (
		storage patronpay.Storage
		cleaner scheduler.LedgerCleaner
	)
	if cfg.DatabaseURL != "" {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.MaxConns = cfg.DatabaseMaxConns
		pgConfig.LedgerRetention = cfg.LedgerRetention
		// the scheduler owns ledger cleanup
		pgConfig.CleanupEnabled = false
		pgConfig.Logger = logger

		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return fmt.Errorf("failed to open postgres storage: %w", err)
		}
		defer pg.Close()
		storage, cleaner = pg, pg
		checks = append(checks, pg.Ping)
	} else {
		zl.Warn().Msg("DATABASE_URL not set, using in-memory storage")
		storage = memory.New()
	}

	var cache patronpay.PaymentMethodCache
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		redisCache, err := redisstore.New(client, redisstore.Config{TTL: cfg.CacheTTL})
		if err != nil {
			return fmt.Errorf("failed to create redis cache: %w", err)
		}
		cache = redisCache
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	} else {
		cache = memory.NewPaymentMethodCache()
	}

	var (
		processor patronpay.Processor
		verifier  patronpay.EventVerifier
	)
	switch cfg.Processor {
	case config.ProcessorStripe:
		p, err := stripeproc.NewProcessor(stripeproc.Config{APIKey: cfg.StripeSecretKey})
		if err != nil {
			return fmt.Errorf("failed to create stripe processor: %w", err)
		}
		processor = p
	default:
		zl.Warn().Msg("using the fake processor, no real payments will be made")
		processor = fake.New()
	}
	if cfg.WebhookSecret != "" {
		v, err := stripeproc.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
		if err != nil {
			return err
		}
		verifier = v
	}

	var notifier patronpay.Notifier = &patronpay.NoopNotifier{}
	if cfg.RabbitMQURL != "" {
		n, err := rabbitmq.New(rabbitmq.Config{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect notifier: %w", err)
		}
		defer n.Close()
		notifier = n
	}

	engine, err := patronpay.NewEngine(patronpay.Config{
		Storage:               storage,
		Processor:             processor,
		Verifier:              verifier,
		PaymentMethodCache:    cache,
		Notifier:              notifier,
		Logger:                logger,
		Metrics:               metrics,
		Currency:              cfg.Currency,
		ProcessorTimeout:      cfg.ProcessorTimeout,
		CircuitBreakerConfig:  &patronpay.CircuitBreakerConfig{Enabled: true},
		ShowCardExpiry:        cfg.ShowCardExpiry,
		PaymentMethodFallback: cfg.PaymentMethodFallback,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Engine:         engine,
		GetUserID:      api.FromHeader(cfg.UserIDHeader),
		OperatorIDs:    cfg.OperatorIDs,
		Logger:         logger,
		Gatherer:       registry,
		AllowedOrigins: cfg.AllowedOrigins,
		HealthCheck: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	sched, err := scheduler.New(engine, cleaner, scheduler.Config{
		SyncSchedule:    cfg.SyncSchedule,
		ExpirySchedule:  cfg.ExpirySchedule,
		StaleSchedule:   cfg.StaleSchedule,
		CleanupSchedule: cfg.CleanupSchedule,
		StaleAfter:      cfg.StaleAfter,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		<-sched.Stop().Done()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	zl.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		zl.Warn().Msg("Scheduled jobs still running at shutdown")
	}
	return nil
}
