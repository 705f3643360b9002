// Command worker runs the background loops: the no-show sweeper, the outbox
// deliverer and the booking reconciler.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wellnest/marketplace-api/cmd/mainconfig"
	"github.com/wellnest/marketplace-api/internal/app/bootstrap"
	appconfig "github.com/wellnest/marketplace-api/internal/config"
	"github.com/wellnest/marketplace-api/internal/http/handlers"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

type runner interface {
	Run(ctx context.Context)
}

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

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
	if redisClient == nil {
		logger.Warn("running without redis: sweeper leadership is process-local")
	} else {
		defer func() { _ = redisClient.Close() }()
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

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

	queue, memoryQueue, err := bootstrap.BuildReconcileQueue(cfg, &awsCfg, logger)
	if err != nil {
		logger.Error("failed to build reconcile queue", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	workflowMetrics := metrics.NewWorkflowMetrics(reg)

	svc, err := bootstrap.BuildServices(bootstrap.Infra{
		Config:    cfg,
		Logger:    logger,
		DB:        pool,
		Reporting: reporting,
		Redis:     redisClient,
		Gateway:   gateway,
		Email:     bootstrap.BuildEmailSender(cfg, &awsCfg, logger),
		Queue:     queue,
		Metrics:   workflowMetrics,
	})
	if err != nil {
		logger.Error("failed to wire services", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	startLoops(ctx, &wg, logger, svc.Sweeper, svc.Deliverer)

	// With the in-memory queue the API process owns reconciliation.
	if memoryQueue == nil {
		svc.Reconciler.Start(ctx)
	} else {
		logger.Warn("USE_MEMORY_QUEUE set: reconcile jobs are consumed by the API process")
		memoryQueue.Close()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsRouter(reg, handlers.NewHealthHandler(map[string]handlers.Pinger{"postgres": pool.Ping})),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()
	_ = srv.Shutdown(doneCtx)

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		if memoryQueue == nil {
			svc.Reconciler.Wait()
		}
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("worker stopped")
	case <-doneCtx.Done():
		logger.Error("worker shutdown timed out", "error", doneCtx.Err())
	}
}

func startLoops(ctx context.Context, wg *sync.WaitGroup, logger *logging.Logger, loops ...runner) {
	for _, loop := range loops {
		if loop == nil {
			continue
		}
		wg.Add(1)
		go func(l runner) {
			defer wg.Done()
			l.Run(ctx)
		}(loop)
	}
	logger.Info("background loops started", "count", len(loops))
}

func opsRouter(reg *prometheus.Registry, health *handlers.HealthHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}
