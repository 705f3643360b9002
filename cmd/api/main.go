package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wellnest/marketplace-api/cmd/mainconfig"
	"github.com/wellnest/marketplace-api/internal/api/router"
	"github.com/wellnest/marketplace-api/internal/app/bootstrap"
	"github.com/wellnest/marketplace-api/internal/availability"
	"github.com/wellnest/marketplace-api/internal/booking"
	appconfig "github.com/wellnest/marketplace-api/internal/config"
	"github.com/wellnest/marketplace-api/internal/http/handlers"
	"github.com/wellnest/marketplace-api/internal/noshow"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/reconcile"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting marketplace API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"payment_provider", cfg.PaymentProvider,
	)
	if cfg.AuthJWTSecret == "" {
		logger.Error("AUTH_JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil || pool == nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	reporting, err := bootstrap.OpenReportingDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open reporting db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = reporting.Close() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	awsCfg := loadAWS(ctx, cfg, logger)

	gateway, err := payments.NewGateway(payments.Config{
		Provider:          cfg.PaymentProvider,
		AllowFake:         cfg.AllowFakePayments,
		RazorpayKeyID:     cfg.RazorpayKeyID,
		RazorpayKeySecret: cfg.RazorpayKeySecret,
		RazorpayBaseURL:   cfg.RazorpayBaseURL,
		StripeSecretKey:   cfg.StripeSecretKey,
	}, logger.Component("payments"))
	if err != nil {
		logger.Error("failed to build payment gateway", "error", err)
		os.Exit(1)
	}

	queue, memoryQueue, err := bootstrap.BuildReconcileQueue(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build reconcile queue", "error", err)
		os.Exit(1)
	}

	metricsHandler, workflowMetrics := setupMetrics()
	hub := notify.NewHub(cfg.CORSAllowedOrigins, logger.Component("hub"))

	svc, err := bootstrap.BuildServices(bootstrap.Infra{
		Config:    cfg,
		Logger:    logger,
		DB:        pool,
		Reporting: reporting,
		Redis:     redisClient,
		Gateway:   gateway,
		Email:     bootstrap.BuildEmailSender(cfg, awsCfg, logger),
		Queue:     queue,
		Metrics:   workflowMetrics,
		Hub:       hub,
	})
	if err != nil {
		logger.Error("failed to wire services", "error", err)
		os.Exit(1)
	}

	// The in-memory queue only exists inside this process, so its consumer does too.
	inline := startInlineWorker(ctx, memoryQueue, svc.Reconciler, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		AuthSecret:         cfg.AuthJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		Done:               ctx.Done(),
		Health:             handlers.NewHealthHandler(healthChecks(pool, redisClient, reporting)),
		MetricsHandler:     metricsHandler,
		Availability:       availability.NewHandler(svc.Slots, logger),
		Booking:            booking.NewHandler(svc.Booking, logger),
		NoShow: noshow.NewHandler(svc.NoShow, cfg.CORSAllowedOrigins, logger).
			WithMonitorTiming(cfg.NoShowPollInterval, cfg.NoShowWatchHorizon),
		Account:       handlers.NewAccountHandler(svc.Wallet, svc.Appointments, logger),
		AdminRefunds:  adminRefunds(svc, logger),
		Notifications: hub,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	waitForInlineWorker(inline, logger)
	if memoryQueue != nil {
		memoryQueue.Close()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics builds a dedicated registry so /metrics carries only this process.
func setupMetrics() (http.Handler, *metrics.WorkflowMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewWorkflowMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m
}

func healthChecks(pool *pgxpool.Pool, redisClient *redis.Client, reporting *sql.DB) map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	if reporting != nil {
		checks["reporting"] = reporting.PingContext
	}
	return checks
}

// loadAWS returns nil when neither SQS nor SES is in use.
func loadAWS(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *aws.Config {
	if cfg.UseMemoryQueue && cfg.EmailProvider != "ses" {
		return nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	return &awsCfg
}

func adminRefunds(svc *bootstrap.Services, logger *logging.Logger) *handlers.AdminRefundsHandler {
	if svc.Alerts == nil {
		return nil
	}
	h := handlers.NewAdminRefundsHandler(svc.Alerts, svc.Refunds, logger)
	if svc.Velocity != nil {
		h.WithRetryLimiter(svc.Velocity)
	}
	return h
}

func startInlineWorker(ctx context.Context, memoryQueue *reconcile.MemoryQueue, worker *reconcile.Worker, logger *logging.Logger) *reconcile.Worker {
	if memoryQueue == nil || worker == nil {
		return nil
	}
	logger.Info("starting inline reconcile worker")
	worker.Start(ctx)
	return worker
}

func waitForInlineWorker(worker *reconcile.Worker, logger *logging.Logger) {
	if worker == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("inline reconcile worker stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("inline reconcile worker shutdown timed out")
	}
}
