// Package main is the entry point for the Coursedesk billing service: the
// Stripe webhook reconciliation endpoint plus its background maintenance
// sweeper.
//
// Startup wires configuration, the Postgres pool, the SQS publisher, the
// Stripe client, and the reconciliation engine behind a chi router, then
// serves HTTP until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursedesk/internal/api/handlers"
	"coursedesk/internal/billing"
	"coursedesk/internal/config"
	"coursedesk/internal/core"
	"coursedesk/internal/db"
	"coursedesk/internal/external"
	"coursedesk/internal/notifications"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("coursedesk billing service starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres pool.
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// AWS SQS client for plan-change notifications.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})
	notifier := notifications.NewPlanUpdatedPublisher(sqsClient, cfg.AWS.PlanUpdateQueue, logger)

	// Stripe API client for subscription refreshes and deferred plan changes.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 10 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Stripe.SecretKey,
			Logger:    logger,
		},
	)

	// Repositories over the shared pool.
	orgs := db.NewOrganizationRepository(pool)
	plans := db.NewPlanRepository(pool)
	ledger := db.NewEventLedgerRepository(pool)
	checkpoints := db.NewCheckpointRepository(pool)

	engine := billing.NewEngine(ledger, checkpoints, orgs, plans, stripeClient, notifier, logger)

	// Background maintenance sweeper.
	sweeper := billing.NewSweeper(ledger, checkpoints, billing.SweeperConfig{
		Interval:            cfg.Sweeper.Interval,
		LedgerRetention:     cfg.Sweeper.LedgerRetention,
		CheckpointRetention: cfg.Sweeper.CheckpointRetention,
	}, logger)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(ctx)
	}()

	// Webhook signature verification. Staging and prod always verify (the
	// config loader refuses to start them without a secret); local and dev
	// fall back to a logged pass-through when no secret is configured.
	var verifier external.WebhookVerifier
	if secret := cfg.Stripe.WebhookSecret; secret.Unmask() != "" {
		verifier = external.NewStripeVerifier(secret)
	} else {
		verifier = external.NewLenientVerifier(logger)
	}

	webhookHandler := handlers.NewStripeWebhookHandler(verifier, engine, logger)

	router := chi.NewRouter()
	router.Use(core.RequestIDMiddleware)
	router.Use(core.RecoveryMiddleware(logger))
	router.Use(core.LoggingMiddleware(logger))
	router.Method(http.MethodGet, "/health", core.NewHealthHandler(db.NewPoolProbe(pool)))
	webhookHandler.RegisterRoutes(router)

	return serve(ctx, cfg, router, sweeperDone, logger)
}

// serve runs the HTTP server until the context is canceled, then shuts down
// gracefully within the configured timeout.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, sweeperDone <-chan struct{}, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	// The sweeper stops with the signal context; wait for its final pass.
	select {
	case <-sweeperDone:
	case <-shutdownCtx.Done():
		logger.Warn("sweeper did not stop before shutdown deadline")
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newPool creates the pgx connection pool from configuration and verifies
// connectivity before the server starts accepting traffic.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
