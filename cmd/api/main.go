// Package main is the entry point for the ClassPay billing API server.
//
// It loads configuration, opens the Postgres pool, wires the payment
// gateway and session-service clients, builds the domain services, and
// serves HTTP with graceful shutdown on SIGINT/SIGTERM.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"classpay/internal/api/handlers"
	"classpay/internal/config"
	"classpay/internal/core"
	"classpay/internal/db"
	"classpay/internal/external"
	"classpay/internal/fees"
	"classpay/internal/reconcile"
	"classpay/internal/subscription"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	// Local development bypasses SSM resolution; everywhere else secrets
	// are pulled from Parameter Store before envconfig runs.
	var provider config.SecretProvider
	if env := os.Getenv("APP_ENV"); env != "" && env != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}

	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	// The webhook endpoint is what the gateway dashboard must be pointed at;
	// logging it at startup makes a misconfigured external URL visible.
	logger.Info("classpay API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"webhook_endpoint", cfg.Server.APIExternalURL+"/v1/webhooks/payment",
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}

	// Repositories over the shared pool. Transaction-scoped instances are
	// created by the reconcile store as needed.
	tenantRepo := db.NewTenantRepo(pool, logger)
	planRepo := db.NewPlanRepo(pool)
	scheduleRepo := db.NewScheduleRepo(pool, logger)
	paymentRepo := db.NewPaymentRepo(pool, logger)
	feeRepo := db.NewFeeRepo(pool, logger)

	// External collaborators.
	gateway := external.NewPaystackClient(
		&http.Client{Timeout: cfg.Gateway.Timeout},
		external.PaystackClientConfig{
			SecretKey: cfg.Gateway.SecretKey.Unmask(),
			BaseURL:   cfg.Gateway.BaseURL,
			Logger:    logger,
		},
	)
	sessions := external.NewSessionClient(
		&http.Client{Timeout: cfg.Session.Timeout},
		external.SessionClientConfig{
			BaseURL:    cfg.Session.BaseURL,
			ServiceKey: cfg.Session.ServiceKey.Unmask(),
			Logger:     logger,
		},
	)

	// The gateway redirects the payer here after checkout; the dashboard
	// then polls verify-payment with the reference.
	callbackURL := cfg.Server.DashboardURL + "/payments/callback"

	subscriptionSvc := subscription.NewService(
		tenantRepo,
		planRepo,
		scheduleRepo,
		subscription.NewStore(pool, logger),
		paymentRepo,
		gateway,
		subscription.Config{
			Currency:    cfg.Gateway.Currency,
			CallbackURL: callbackURL,
			TrialDays:   cfg.Subscription.TrialDays,
		},
		logger,
	)
	feeSvc := fees.NewService(
		feeRepo,
		tenantRepo,
		paymentRepo,
		gateway,
		fees.Config{
			PlatformFee: cfg.Gateway.PlatformFeeAmount(),
			Currency:    cfg.Gateway.Currency,
			CallbackURL: callbackURL,
		},
		logger,
	)

	reconcileStore := reconcile.NewStore(pool, logger)
	reconciler := reconcile.NewReconciler(reconcileStore, gateway, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = sessions
	srv.HealthProbes = append(srv.HealthProbes, &poolProbe{pool: pool})
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptionSvc, reconciler, srv.Validator, logger)
	feeHandler := handlers.NewFeeHandler(feeSvc, reconciler, srv.Validator, logger)
	webhookHandler := handlers.NewWebhookHandler(
		external.PaystackVerifier{},
		reconciler,
		cfg.Gateway.WebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		subscriptionHandler.RegisterRoutes,
		feeHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx connection pool with the configured tuning
// parameters and verifies connectivity before the server starts accepting
// traffic.
func newPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbCfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// poolProbe reports database health for the /health endpoint.
type poolProbe struct {
	pool *pgxpool.Pool
}

func (p *poolProbe) Name() string { return "database" }

func (p *poolProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// runHTTPServer starts the server with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
