package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/availability"
	"github.com/wellnest/marketplace-api/internal/booking"
	"github.com/wellnest/marketplace-api/internal/callsessions"
	appconfig "github.com/wellnest/marketplace-api/internal/config"
	"github.com/wellnest/marketplace-api/internal/edgefn"
	"github.com/wellnest/marketplace-api/internal/events"
	"github.com/wellnest/marketplace-api/internal/experts"
	"github.com/wellnest/marketplace-api/internal/locks"
	"github.com/wellnest/marketplace-api/internal/noshow"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/reconcile"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/internal/wallet"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// Postgres is the pgx surface shared by every store; *pgxpool.Pool satisfies it.
type Postgres interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, key, token string) error
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Infra carries the connections and clients built by the entrypoints.
type Infra struct {
	Config    *appconfig.Config
	Logger    *logging.Logger
	DB        Postgres
	// Reporting backs the refund alert repository; nil disables alert rows.
	Reporting *sql.DB
	// Redis is optional; without it locks, flags and booking sessions stay in process.
	Redis     *redis.Client
	Gateway   payments.Gateway
	Email     notify.EmailSender
	Queue     reconcile.Queue
	Metrics   *metrics.WorkflowMetrics
	// Hub pushes live notifications; only the API process has one.
	Hub       *notify.Hub
}

// Services is the wired object graph shared by cmd/api and cmd/worker.
type Services struct {
	Appointments *appointments.Store
	Wallet       *wallet.Store
	Outbox       *events.OutboxStore
	Alerts       *refunds.AlertStore
	Support      *notify.SupportMailer
	Notifier     notify.Notifier

	Slots      *availability.Generator
	Refunds    *refunds.Processor
	NoShow     *noshow.Service
	Sweeper    *noshow.Sweeper
	Booking    *booking.Orchestrator
	Reconciler *reconcile.Worker
	Deliverer  *events.Deliverer
	// Velocity is nil without Redis.
	Velocity   *payments.VelocityChecker
}

// BuildServices wires stores and domain services from infra.
func BuildServices(in Infra) (*Services, error) {
	cfg := in.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if in.DB == nil {
		return nil, fmt.Errorf("bootstrap: database is required")
	}
	if in.Gateway == nil {
		return nil, fmt.Errorf("bootstrap: payment gateway is required")
	}
	if in.Queue == nil {
		return nil, fmt.Errorf("bootstrap: reconcile queue is required")
	}
	logger := in.Logger
	if logger == nil {
		logger = logging.Default()
	}
	email := in.Email
	if email == nil {
		email = notify.NewStubEmailSender(logger)
	}
	loc := cfg.ExpertLocation()

	s := &Services{
		Appointments: appointments.NewStore(in.DB),
		Wallet:       wallet.NewStore(in.DB),
		Outbox:       events.NewOutboxStore(in.DB),
		Support:      notify.NewSupportMailer(email, cfg.SupportEmail, logger.Component("support")),
	}
	if in.Reporting != nil {
		s.Alerts = refunds.NewAlertStore(in.Reporting)
	}

	channels := []notify.Notifier{notify.NewOutboxNotifier(s.Outbox)}
	if in.Hub != nil {
		channels = append([]notify.Notifier{in.Hub}, channels...)
	}
	s.Notifier = notify.NewFanout(logger.Component("notify"), channels...)

	var lk locker
	if in.Redis != nil {
		lk = locks.NewRedisLocker(in.Redis, "wellness:", logger.Component("locks"))
	} else {
		logger.Warn("redis disabled, locks are process-local")
		lk = locks.NewMemoryLocker()
	}

	sessions := callsessions.NewStore(in.DB)
	procedures := edgefn.NewClient(edgefn.Config{
		BaseURL: cfg.EdgeFunctionsURL,
		APIKey:  cfg.EdgeFunctionsKey,
		Timeout: cfg.EdgeFunctionsTimeout,
	}, logger.Component("edgefn"))

	s.Refunds = refunds.NewProcessor(s.Appointments, sessions, s.Wallet, procedures, logger.Component("refunds")).
		WithLocker(lk, cfg.RefundLockTTL).
		WithMetrics(in.Metrics)
	if s.Alerts != nil {
		s.Refunds.WithAlerts(s.Alerts, s.Support)
	}

	s.NoShow = noshow.NewService(s.Appointments, sessions, s.Refunds, s.Notifier, logger.Component("noshow")).
		WithPolicy(noshow.Policy{WarnAfter: cfg.NoShowWarnAfter, ConfirmAfter: cfg.NoShowConfirmAfter}).
		WithLocation(loc).
		WithFlags(lk).
		WithMetrics(in.Metrics)
	s.Sweeper = noshow.NewSweeper(s.NoShow, s.Appointments, logger.Component("sweeper")).
		WithLeaderLock(lk).
		WithInterval(cfg.NoShowPollInterval).
		WithLookback(cfg.NoShowLookback)

	s.Slots = availability.NewGenerator(availability.NewStore(in.DB), s.Appointments, logger.Component("availability"))

	var sessionStore booking.SessionStore
	if in.Redis != nil {
		sessionStore = booking.NewRedisSessionStore(in.Redis, cfg.BookingSessionTTL, otel.Tracer("wellness.internal.booking.sessions"))
	} else {
		sessionStore = booking.NewMemorySessionStore(cfg.BookingSessionTTL)
	}
	s.Booking = booking.NewOrchestrator(booking.Deps{
		Sessions:     sessionStore,
		Slots:        s.Slots,
		Experts:      experts.NewStore(in.DB),
		Gateway:      in.Gateway,
		Appointments: s.Appointments,
		Processed:    events.NewProcessedStore(in.DB),
		Reconciler:   reconcile.NewPublisher(in.Queue),
	}, logger).
		WithNotifier(s.Notifier).
		WithMetrics(in.Metrics).
		WithLocation(loc).
		WithHorizon(cfg.BookingHorizonDays)
	if in.Redis != nil {
		s.Velocity = payments.NewVelocityChecker(in.Redis, payments.DefaultVelocityConfig(), logger.Component("velocity"))
		s.Booking.WithVelocity(s.Velocity)
		s.NoShow.WithRetryLimiter(s.Velocity)
	}

	s.Reconciler = reconcile.NewWorker(in.Queue, s.Appointments, in.Gateway, logger).
		WithNotifier(s.Notifier).
		WithMetrics(in.Metrics).
		WithRetry(cfg.ReconcileMaxAttempts, cfg.ReconcileBaseDelay)
	if s.Alerts != nil {
		s.Reconciler.WithAlerts(s.Alerts, s.Support)
	}

	profiles := notify.NewProfileDirectory(in.DB)
	mux := events.NewMux().
		Route(notify.EventPrefix, notify.NewEmailDelivery(email, profiles, in.Metrics, logger.Component("email")))
	s.Deliverer = events.NewDeliverer(s.Outbox, mux, logger.Component("outbox")).
		WithInterval(cfg.OutboxPollInterval)

	return s, nil
}
