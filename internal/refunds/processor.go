// Package refunds issues at most one refund per no-show appointment.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/callsessions"
	"github.com/wellnest/marketplace-api/internal/edgefn"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/wallet"
	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("wellness.internal.refunds")

// Remote procedure names.
const (
	ProcedureCallRefund = "process-call-refund"
	ProcedureRefund     = "process-refund"
)

// ContactSupportMessage is shown to users when no refund path succeeded.
const ContactSupportMessage = "We couldn't process your refund automatically. Please contact support."

// ErrRefundFailed marks a refund that could not be issued; nothing was recorded
// so a later retry is allowed.
var ErrRefundFailed = errors.New("refunds: refund failed")

// Status is the outcome of a Process call.
type Status string

const (
	StatusRefunded        Status = "refunded"
	StatusAlreadyRefunded Status = "already_refunded"
	StatusNothingOwed     Status = "nothing_owed"
	StatusInProgress      Status = "in_progress"
)

// Path identifies how the refund was (or would have been) issued.
type Path string

const (
	PathNone             Path = ""
	PathCallSession      Path = "call_session"
	PathAppointmentDebit Path = "appointment_debit"
	PathDirectCredit     Path = "direct_credit"
)

// Outcome describes a settled Process call.
type Outcome struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Status        Status    `json:"status"`
	Path          Path      `json:"path,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	ReferenceType string    `json:"reference_type,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
}

// Settled reports whether the refund needs no further attempts.
func (o Outcome) Settled() bool {
	return o.Status != StatusInProgress
}

type appointmentGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

type sessionFinder interface {
	LatestForAppointment(ctx context.Context, appointmentID uuid.UUID) (*callsessions.CallSession, error)
}

type ledger interface {
	FindRefundCredit(ctx context.Context, referenceID, referenceType string) (*wallet.Transaction, error)
	LatestDebit(ctx context.Context, referenceID, referenceType string) (*wallet.Transaction, error)
	InsertRefundCredit(ctx context.Context, tx *wallet.Transaction) (bool, error)
}

type procedureInvoker interface {
	Invoke(ctx context.Context, name string, payload any) (*edgefn.Result, error)
}

type claimLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, key, token string) error
}

type alertRecorder interface {
	Record(ctx context.Context, a *Alert) error
}

type supportAlerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Processor runs the refund algorithm under a per-appointment claim.
type Processor struct {
	appointments appointmentGetter
	sessions     sessionFinder
	ledger       ledger
	procedures   procedureInvoker
	locker       claimLocker
	lockTTL      time.Duration
	alerts       alertRecorder
	support      supportAlerter
	metrics      *metrics.WorkflowMetrics
	logger       *logging.Logger
}

func NewProcessor(appts appointmentGetter, sessions sessionFinder, l ledger, procedures procedureInvoker, logger *logging.Logger) *Processor {
	if appts == nil || sessions == nil || l == nil || procedures == nil {
		panic("refunds: appointments, sessions, ledger and procedures required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		appointments: appts,
		sessions:     sessions,
		ledger:       l,
		procedures:   procedures,
		lockTTL:      2 * time.Minute,
		logger:       logger,
	}
}

func (p *Processor) WithLocker(l claimLocker, ttl time.Duration) *Processor {
	p.locker = l
	if ttl > 0 {
		p.lockTTL = ttl
	}
	return p
}

func (p *Processor) WithAlerts(alerts alertRecorder, support supportAlerter) *Processor {
	p.alerts = alerts
	p.support = support
	return p
}

func (p *Processor) WithMetrics(m *metrics.WorkflowMetrics) *Processor {
	p.metrics = m
	return p
}

// FailureError carries the cause of a failed refund; it matches ErrRefundFailed.
type FailureError struct {
	AppointmentID uuid.UUID
	Path          Path
	Cause         error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("refunds: appointment %s via %s: %v", e.AppointmentID, e.Path, e.Cause)
}

func (e *FailureError) Unwrap() []error { return []error{ErrRefundFailed, e.Cause} }

// UserMessage is safe to show the appointment's owner.
func (e *FailureError) UserMessage() string { return ContactSupportMessage }

func claimKey(appointmentID uuid.UUID) string {
	return "refund:appointment:" + appointmentID.String()
}

// Process refunds a no-show appointment. Repeated or concurrent calls never
// produce a second credit.
func (p *Processor) Process(ctx context.Context, appointmentID uuid.UUID) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "refunds.process")
	defer span.End()
	span.SetAttributes(attribute.String("wellness.appointment_id", appointmentID.String()))

	started := time.Now()
	outcome, err := p.process(ctx, appointmentID)
	status := string(outcome.Status)
	if err != nil {
		span.RecordError(err)
		status = "failed"
	}
	span.SetAttributes(attribute.String("wellness.refund.status", status), attribute.String("wellness.refund.path", string(outcome.Path)))
	p.metrics.ObserveRefund(string(outcome.Path), status, time.Since(started).Seconds())
	return outcome, err
}

func (p *Processor) process(ctx context.Context, appointmentID uuid.UUID) (Outcome, error) {
	out := Outcome{AppointmentID: appointmentID}

	appt, err := p.appointments.Get(ctx, appointmentID)
	if err != nil {
		return out, fmt.Errorf("refunds: load appointment: %w", err)
	}

	if p.locker != nil {
		key := claimKey(appointmentID)
		acquired, token, err := p.locker.TryLock(ctx, key, p.lockTTL)
		if err != nil {
			return out, p.fail(ctx, appt, out, nil, fmt.Errorf("refunds: claim: %w", err))
		}
		if !acquired {
			p.logger.Info("refunds: another worker holds the claim", "appointment_id", appointmentID)
			out.Status = StatusInProgress
			return out, nil
		}
		defer func() {
			if err := p.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				p.logger.Warn("refunds: release claim", "appointment_id", appointmentID, "error", err)
			}
		}()
	}

	apptRef := appointmentID.String()
	existing, err := p.ledger.FindRefundCredit(ctx, apptRef, wallet.RefTypeAppointment)
	if err != nil {
		return out, p.fail(ctx, appt, out, nil, fmt.Errorf("refunds: idempotency check: %w", err))
	}
	if existing != nil {
		return p.already(out, existing), nil
	}

	session, err := p.sessions.LatestForAppointment(ctx, appointmentID)
	if err != nil {
		return out, p.fail(ctx, appt, out, nil, fmt.Errorf("refunds: load call session: %w", err))
	}
	if session.Paid() {
		return p.refundCallSession(ctx, appt, session)
	}
	return p.refundDebit(ctx, appt)
}

func (p *Processor) already(out Outcome, credit *wallet.Transaction) Outcome {
	out.Status = StatusAlreadyRefunded
	out.ReferenceID = credit.ReferenceID
	out.ReferenceType = credit.ReferenceType
	out.Amount = credit.Amount
	out.Currency = credit.Currency
	p.logger.Info("refunds: already refunded", "appointment_id", out.AppointmentID, "reference_type", credit.ReferenceType, "transaction_id", credit.ID)
	return out
}

func (p *Processor) refundCallSession(ctx context.Context, appt *appointments.Appointment, session *callsessions.CallSession) (Outcome, error) {
	out := Outcome{
		AppointmentID: appt.ID,
		Path:          PathCallSession,
		ReferenceID:   session.ID,
		ReferenceType: wallet.RefTypeCallSession,
		Amount:        session.Cost,
		Currency:      session.Currency,
	}
	existing, err := p.ledger.FindRefundCredit(ctx, session.ID, wallet.RefTypeCallSession)
	if err != nil {
		return out, p.fail(ctx, appt, out, nil, fmt.Errorf("refunds: idempotency check: %w", err))
	}
	if existing != nil {
		return p.already(out, existing), nil
	}

	res, err := p.procedures.Invoke(ctx, ProcedureCallRefund, map[string]any{
		"session_id":  session.ID,
		"duration":    0,
		"reason":      wallet.ReasonExpertNoShow,
		"full_refund": true,
	})
	if err == nil && !res.Success {
		err = fmt.Errorf("%s declined: %s", ProcedureCallRefund, res.Error)
	}
	if err != nil {
		return out, p.fail(ctx, appt, out, []string{ProcedureCallRefund}, err)
	}

	out.Status = StatusRefunded
	p.logger.Info("refunds: call session refunded", "appointment_id", appt.ID, "session_id", session.ID, "amount", session.Cost)
	return out, nil
}

func (p *Processor) refundDebit(ctx context.Context, appt *appointments.Appointment) (Outcome, error) {
	apptRef := appt.ID.String()
	out := Outcome{AppointmentID: appt.ID, ReferenceID: apptRef, ReferenceType: wallet.RefTypeAppointment}

	debit, err := p.ledger.LatestDebit(ctx, apptRef, wallet.RefTypeAppointment)
	if err != nil {
		return out, p.fail(ctx, appt, out, nil, fmt.Errorf("refunds: load debit: %w", err))
	}
	if debit == nil || debit.Amount <= 0 {
		out.Status = StatusNothingOwed
		p.logger.Info("refunds: nothing owed", "appointment_id", appt.ID)
		return out, nil
	}
	out.Amount = debit.Amount
	out.Currency = debit.Currency
	userID := appt.UserID
	if userID == "" {
		userID = debit.UserID
	}

	out.Path = PathAppointmentDebit
	res, err := p.procedures.Invoke(ctx, ProcedureRefund, map[string]any{
		"appointment_id": apptRef,
		"user_id":        userID,
		"amount":         debit.Amount,
		"currency":       debit.Currency,
		"reason":         wallet.ReasonExpertNoShow,
	})
	switch {
	case err == nil && res.Success:
		out.Status = StatusRefunded
		p.logger.Info("refunds: debit refunded", "appointment_id", appt.ID, "amount", debit.Amount)
		return out, nil
	case err == nil:
		return out, p.fail(ctx, appt, out, []string{ProcedureRefund}, fmt.Errorf("%s declined: %s", ProcedureRefund, res.Error))
	case !errors.Is(err, edgefn.ErrProcedureUnavailable):
		return out, p.fail(ctx, appt, out, []string{ProcedureRefund}, err)
	}

	p.logger.Warn("refunds: procedure unavailable, crediting wallet directly", "appointment_id", appt.ID, "error", err)
	out.Path = PathDirectCredit
	inserted, insErr := p.ledger.InsertRefundCredit(ctx, &wallet.Transaction{
		UserID:        userID,
		Amount:        debit.Amount,
		Currency:      debit.Currency,
		Reason:        wallet.ReasonExpertNoShow,
		ReferenceID:   apptRef,
		ReferenceType: wallet.RefTypeAppointment,
		Description:   fmt.Sprintf("Refund: expert did not join the session on %s at %s", appt.DateString(), appt.StartTime),
	})
	if insErr != nil {
		return out, p.fail(ctx, appt, out, []string{ProcedureRefund, string(PathDirectCredit)}, errors.Join(err, insErr))
	}
	if !inserted {
		out.Status = StatusAlreadyRefunded
		return out, nil
	}
	out.Status = StatusRefunded
	return out, nil
}

// fail records a support alert and returns the caller-facing error. Every
// failure after the appointment loads goes through here, lookups included.
// Cancelled requests are not alerted.
func (p *Processor) fail(ctx context.Context, appt *appointments.Appointment, out Outcome, tried []string, cause error) error {
	if tried == nil {
		tried = []string{}
	}
	p.logger.Error("refunds: refund failed", "appointment_id", appt.ID, "path", out.Path, "paths_tried", tried, "error", cause)
	if errors.Is(cause, context.Canceled) {
		return &FailureError{AppointmentID: appt.ID, Path: out.Path, Cause: cause}
	}
	ctx = context.WithoutCancel(ctx)
	if p.alerts != nil {
		alert := &Alert{
			AppointmentID: appt.ID,
			UserID:        appt.UserID,
			ReferenceID:   out.ReferenceID,
			ReferenceType: out.ReferenceType,
			Amount:        out.Amount,
			Currency:      out.Currency,
			PathsTried:    tried,
			LastError:     cause.Error(),
		}
		if err := p.alerts.Record(ctx, alert); err != nil {
			p.logger.Error("refunds: record alert", "appointment_id", appt.ID, "error", err)
		} else if alert.Attempts <= 1 && p.support != nil {
			subject := fmt.Sprintf("Refund needs attention: appointment %s", appt.ID)
			body := fmt.Sprintf("User %s was not refunded %d %s for appointment %s (%s %s with %s).\nPaths tried: %v\nLast error: %v",
				appt.UserID, out.Amount, out.Currency, appt.ID, appt.DateString(), appt.StartTime, appt.ExpertName, tried, cause)
			if err := p.support.Alert(ctx, subject, body); err != nil {
				p.logger.Error("refunds: support alert", "appointment_id", appt.ID, "error", err)
			}
		}
	}
	return &FailureError{AppointmentID: appt.ID, Path: out.Path, Cause: cause}
}
