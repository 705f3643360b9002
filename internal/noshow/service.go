package noshow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/callsessions"
	"github.com/wellnest/marketplace-api/internal/locks"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("wellness.internal.noshow")

var (
	// ErrForbidden is returned when the caller does not own the appointment.
	ErrForbidden = errors.New("noshow: appointment belongs to another user")
	// ErrNotReportable is returned when a manual report is not yet allowed.
	ErrNotReportable = errors.New("noshow: no-show cannot be reported for this appointment yet")
	// ErrSuperseded is returned when the appointment changed status before it
	// could be cancelled, e.g. the expert joined at the last moment.
	ErrSuperseded = errors.New("noshow: appointment changed before cancellation")
	// ErrTooManyRetries is returned when repeated reports exceed the retry limit.
	ErrTooManyRetries = errors.New("noshow: too many refund retries")
)

// Sources recorded in metrics and logs.
const (
	SourceMonitor = "monitor"
	SourceSweeper = "sweeper"
	SourceManual  = "manual"
)

type appointmentStore interface {
	Get(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, notes string) (bool, error)
}

type sessionFinder interface {
	LatestForAppointment(ctx context.Context, appointmentID uuid.UUID) (*callsessions.CallSession, error)
}

type refundProcessor interface {
	Process(ctx context.Context, appointmentID uuid.UUID) (refunds.Outcome, error)
}

type onceFlagger interface {
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type retryLimiter interface {
	CheckRefundRetryVelocity(ctx context.Context, appointmentID string) (*payments.VelocityResult, error)
}

// Service evaluates appointments and acts on confirmed no-shows.
type Service struct {
	appointments appointmentStore
	sessions     sessionFinder
	refunds      refundProcessor
	notifier     notify.Notifier
	flags        onceFlagger
	retries      retryLimiter
	flagTTL      time.Duration
	policy       Policy
	loc          *time.Location
	now          func() time.Time
	metrics      *metrics.WorkflowMetrics
	logger       *logging.Logger
}

func NewService(appts appointmentStore, sessions sessionFinder, processor refundProcessor, notifier notify.Notifier, logger *logging.Logger) *Service {
	if appts == nil || sessions == nil || processor == nil {
		panic("noshow: appointments, sessions and refund processor required")
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		appointments: appts,
		sessions:     sessions,
		refunds:      processor,
		notifier:     notifier,
		flags:        locks.NewMemoryLocker(),
		flagTTL:      48 * time.Hour,
		policy:       DefaultPolicy(),
		loc:          time.UTC,
		now:          time.Now,
		logger:       logger,
	}
}

func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p
	return s
}

func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithFlags replaces the in-process notify-once flags, typically with a
// Redis-backed locker shared across instances.
func (s *Service) WithFlags(flags onceFlagger) *Service {
	if flags != nil {
		s.flags = flags
	}
	return s
}

// WithRetryLimiter caps manual refund retries per appointment.
func (s *Service) WithRetryLimiter(l retryLimiter) *Service {
	s.retries = l
	return s
}

func (s *Service) WithMetrics(m *metrics.WorkflowMetrics) *Service {
	s.metrics = m
	return s
}

// Assess loads an appointment and its latest call session and evaluates them.
func (s *Service) Assess(ctx context.Context, id uuid.UUID) (*appointments.Appointment, Assessment, error) {
	appt, err := s.appointments.Get(ctx, id)
	if err != nil {
		return nil, Assessment{}, fmt.Errorf("noshow: load appointment: %w", err)
	}
	a, err := s.assess(ctx, appt)
	return appt, a, err
}

func (s *Service) assess(ctx context.Context, appt *appointments.Appointment) (Assessment, error) {
	var session *callsessions.CallSession
	// Sessions only matter once the appointment has started.
	if !appt.Status.Terminal() && !s.now().Before(appt.StartsAt(s.loc)) {
		var err error
		session, err = s.sessions.LatestForAppointment(ctx, appt.ID)
		if err != nil {
			return Assessment{}, fmt.Errorf("noshow: load call session: %w", err)
		}
	}
	return s.policy.Evaluate(appt, session, s.loc, s.now()), nil
}

// Apply evaluates appt and performs the side effects its state calls for:
// a one-time warning, or cancellation plus refund once the no-show is confirmed.
func (s *Service) Apply(ctx context.Context, appt *appointments.Appointment, source string) (Assessment, *refunds.Outcome, error) {
	a, err := s.assess(ctx, appt)
	if err != nil {
		return a, nil, err
	}
	s.metrics.ObserveNoShowState(string(a.State), source)

	switch a.State {
	case StateWarning:
		s.warn(ctx, appt, a)
	case StateNoShowConfirmed:
		outcome, err := s.handleNoShow(ctx, appt, source)
		if err != nil {
			return a, nil, err
		}
		return a, &outcome, nil
	}
	return a, nil, nil
}

func (s *Service) warn(ctx context.Context, appt *appointments.Appointment, a Assessment) {
	minutes := a.RefundInMinutes()
	s.notifyOnce(ctx, "noshow:warning:"+appt.ID.String(), notify.Notification{
		UserID:        appt.UserID,
		AppointmentID: appt.ID.String(),
		Kind:          notify.KindNoShowWarning,
		Title:         "Your expert hasn't joined yet",
		Message: fmt.Sprintf("%s hasn't joined your %s session yet. If they don't join in the next %d minute(s), you'll be refunded automatically.",
			expertLabel(appt), appt.StartTime, minutes),
	})
}

func expertLabel(appt *appointments.Appointment) string {
	if appt.ExpertName != "" {
		return appt.ExpertName
	}
	return "Your expert"
}

// notifyOnce delivers n unless key was already claimed. A flag store error
// still delivers; a duplicate beats a missed warning.
func (s *Service) notifyOnce(ctx context.Context, key string, n notify.Notification) {
	first, err := s.flags.SetOnce(ctx, key, s.flagTTL)
	if err != nil {
		s.logger.Warn("noshow: notify-once flag unavailable", "key", key, "error", err)
	} else if !first {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Error("noshow: notify failed", "kind", n.Kind, "appointment_id", n.AppointmentID, "error", err)
	}
}

// handleNoShow notifies the user, cancels the appointment and runs the refund.
func (s *Service) handleNoShow(ctx context.Context, appt *appointments.Appointment, source string) (refunds.Outcome, error) {
	ctx, span := tracer.Start(ctx, "noshow.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("wellness.appointment_id", appt.ID.String()),
		attribute.String("wellness.noshow.source", source),
	)

	s.notifyOnce(ctx, "noshow:confirmed:"+appt.ID.String(), notify.Notification{
		UserID:        appt.UserID,
		AppointmentID: appt.ID.String(),
		Kind:          notify.KindNoShowConfirmed,
		Title:         "Expert no-show detected",
		Message:       fmt.Sprintf("%s didn't join your %s session on %s. Your appointment has been cancelled and a refund has been issued to your wallet.", expertLabel(appt), appt.StartTime, appt.DateString()),
	})

	if !appt.Status.Terminal() {
		notes := appointments.MergeCancellation(appt.Notes, appointments.Cancellation{
			Reason:      appointments.CancelReasonExpertNoShow,
			CancelledAt: s.now().UTC(),
			CancelledBy: appointments.CancelledBySystem,
		})
		applied, err := s.appointments.MarkCancelled(ctx, appt.ID, notes)
		if err != nil {
			span.RecordError(err)
			return refunds.Outcome{}, fmt.Errorf("noshow: mark cancelled: %w", err)
		}
		if applied {
			appt.Status = appointments.StatusCancelled
			appt.Notes = notes
			s.logger.Info("noshow: appointment cancelled", "appointment_id", appt.ID, "source", source)
		} else {
			current, err := s.appointments.Get(ctx, appt.ID)
			if err != nil {
				return refunds.Outcome{}, fmt.Errorf("noshow: reload appointment: %w", err)
			}
			if !cancelledAsNoShow(current) {
				s.logger.Info("noshow: appointment changed before cancellation", "appointment_id", appt.ID, "status", current.Status)
				return refunds.Outcome{}, ErrSuperseded
			}
			*appt = *current
		}
	}

	outcome, err := s.refunds.Process(ctx, appt.ID)
	if err != nil {
		span.RecordError(err)
		s.notifyRefundFailed(ctx, appt, err)
		return outcome, err
	}
	return outcome, nil
}

// notifyRefundFailed tells the user once that their refund is stuck. Any error
// from the processor counts; the appointment is already cancelled by now.
func (s *Service) notifyRefundFailed(ctx context.Context, appt *appointments.Appointment, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	s.notifyOnce(ctx, "noshow:refund-failed:"+appt.ID.String(), notify.Notification{
		UserID:        appt.UserID,
		AppointmentID: appt.ID.String(),
		Kind:          notify.KindRefundFailed,
		Title:         "Refund needs attention",
		Message:       refunds.ContactSupportMessage,
	})
}

// RetryRefund reruns the refund for an appointment already cancelled as a no-show.
func (s *Service) RetryRefund(ctx context.Context, appt *appointments.Appointment) (refunds.Outcome, error) {
	outcome, err := s.refunds.Process(ctx, appt.ID)
	if err != nil {
		s.notifyRefundFailed(ctx, appt, err)
	}
	return outcome, err
}

// ReportNoShow is the manual override. Repeated reports for an appointment
// already cancelled as a no-show rerun the idempotent refund.
func (s *Service) ReportNoShow(ctx context.Context, id uuid.UUID, userID string, admin bool) (refunds.Outcome, error) {
	appt, a, err := s.Assess(ctx, id)
	if err != nil {
		return refunds.Outcome{}, err
	}
	if !admin && appt.UserID != userID {
		return refunds.Outcome{}, ErrForbidden
	}
	if cancelledAsNoShow(appt) {
		if err := s.allowRetry(ctx, appt); err != nil {
			return refunds.Outcome{}, err
		}
		return s.RetryRefund(ctx, appt)
	}
	if !a.CanReportNoShow {
		return refunds.Outcome{}, ErrNotReportable
	}
	s.metrics.ObserveNoShowState(string(a.State), SourceManual)
	return s.handleNoShow(ctx, appt, SourceManual)
}

func (s *Service) allowRetry(ctx context.Context, appt *appointments.Appointment) error {
	if s.retries == nil {
		return nil
	}
	res, err := s.retries.CheckRefundRetryVelocity(ctx, appt.ID.String())
	if err != nil {
		s.logger.Warn("noshow: refund retry limit unavailable", "appointment_id", appt.ID, "error", err)
		return nil
	}
	if !res.Allowed {
		s.logger.Warn("noshow: refund retry limited", "appointment_id", appt.ID, "count", res.CurrentCount, "max", res.MaxAllowed)
		return ErrTooManyRetries
	}
	return nil
}

func cancelledAsNoShow(appt *appointments.Appointment) bool {
	if appt.Status != appointments.StatusCancelled {
		return false
	}
	c, ok := appointments.ParseCancellation(appt.Notes)
	return ok && c.Reason == appointments.CancelReasonExpertNoShow
}
