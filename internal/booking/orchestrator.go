package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/availability"
	"github.com/wellnest/marketplace-api/internal/experts"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/reconcile"
	"github.com/wellnest/marketplace-api/internal/wallclock"
	"github.com/wellnest/marketplace-api/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("wellness.internal.booking")

const (
	defaultHorizonDays = 30
	maxNotesLength     = 1000
)

type slotSource interface {
	GenerateSlots(ctx context.Context, expertID string, date time.Time) ([]availability.Slot, error)
}

type expertLookup interface {
	Get(ctx context.Context, id string) (*experts.Expert, error)
}

type appointmentWriter interface {
	Insert(ctx context.Context, a *appointments.Appointment) error
	GetByPaymentID(ctx context.Context, paymentID string) (*appointments.Appointment, error)
}

type callbackClaimer interface {
	Claim(ctx context.Context, provider, eventID string) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
}

type reconcileEnqueuer interface {
	Enqueue(ctx context.Context, job reconcile.Job) error
}

type orderLimiter interface {
	CheckOrderVelocity(ctx context.Context, userID string) (*payments.VelocityResult, error)
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Sessions     SessionStore
	Slots        slotSource
	Experts      expertLookup
	Gateway      payments.Gateway
	Appointments appointmentWriter
	Processed    callbackClaimer
	Reconciler   reconcileEnqueuer
}

// Orchestrator drives booking sessions from slot selection to a persisted
// appointment. Exactly one appointment is written per verified payment.
type Orchestrator struct {
	sessions   SessionStore
	slots      slotSource
	experts    expertLookup
	gateway    payments.Gateway
	appts      appointmentWriter
	processed  callbackClaimer
	reconciler reconcileEnqueuer

	notifier    notify.Notifier
	velocity    orderLimiter
	metrics     *metrics.WorkflowMetrics
	loc         *time.Location
	horizonDays int
	now         func() time.Time
	logger      *logging.Logger
}

func NewOrchestrator(deps Deps, logger *logging.Logger) *Orchestrator {
	if deps.Sessions == nil || deps.Slots == nil || deps.Experts == nil || deps.Gateway == nil ||
		deps.Appointments == nil || deps.Processed == nil || deps.Reconciler == nil {
		panic("booking: sessions, slots, experts, gateway, appointments, processed and reconciler are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		sessions:    deps.Sessions,
		slots:       deps.Slots,
		experts:     deps.Experts,
		gateway:     deps.Gateway,
		appts:       deps.Appointments,
		processed:   deps.Processed,
		reconciler:  deps.Reconciler,
		notifier:    notify.Nop,
		loc:         time.UTC,
		horizonDays: defaultHorizonDays,
		now:         time.Now,
		logger:      logger.Component("booking"),
	}
}

func (o *Orchestrator) WithNotifier(n notify.Notifier) *Orchestrator {
	if n != nil {
		o.notifier = n
	}
	return o
}

func (o *Orchestrator) WithVelocity(v orderLimiter) *Orchestrator {
	o.velocity = v
	return o
}

func (o *Orchestrator) WithMetrics(m *metrics.WorkflowMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithLocation sets the zone expert-local dates are interpreted in.
func (o *Orchestrator) WithLocation(loc *time.Location) *Orchestrator {
	if loc != nil {
		o.loc = loc
	}
	return o
}

// WithHorizon sets how many days ahead a slot may be booked.
func (o *Orchestrator) WithHorizon(days int) *Orchestrator {
	if days > 0 {
		o.horizonDays = days
	}
	return o
}

// Start opens a booking session for userID with expertID.
func (o *Orchestrator) Start(ctx context.Context, userID, expertID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	expertID = strings.TrimSpace(expertID)
	if userID == "" {
		return nil, invalid("user id is required")
	}
	if expertID == "" {
		return nil, invalid("expert id is required")
	}
	expert, err := o.experts.Get(ctx, expertID)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	sess := &Session{
		ID:         uuid.New(),
		UserID:     userID,
		ExpertID:   expert.ID,
		ExpertName: expert.DisplayName,
		Step:       StepSelectingTime,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	o.logger.Info("booking session started", "session_id", sess.ID, "user_id", userID, "expert_id", expertID)
	return sess, nil
}

// Get returns the caller's session.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID, userID string) (*Session, error) {
	return o.load(ctx, id, userID)
}

// SelectSlot stores the chosen date and slot after checking the booking
// horizon and that the slot is still free.
func (o *Orchestrator) SelectSlot(ctx context.Context, id uuid.UUID, userID, date, slotID string) (*Session, error) {
	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := sess.require(StepSelectingTime); err != nil {
		return nil, err
	}
	day, err := wallclock.ParseDate(date)
	if err != nil {
		return nil, invalid("date must be YYYY-MM-DD")
	}
	now := o.now()
	today := wallclock.DateOf(now, o.loc)
	last := today.AddDate(0, 0, o.horizonDays)
	if day.Before(today) || day.After(last) {
		return nil, invalid("date must be between %s and %s", wallclock.FormatDate(today), wallclock.FormatDate(last))
	}

	slots, err := o.slots.GenerateSlots(ctx, sess.ExpertID, day)
	if err != nil {
		return nil, fmt.Errorf("booking: load slots: %w", err)
	}
	var chosen *availability.Slot
	for i := range slots {
		if slots[i].ID == slotID {
			chosen = &slots[i]
			break
		}
	}
	if chosen == nil || chosen.IsBooked {
		return nil, invalid("that time slot is no longer available")
	}
	if !chosen.StartTime.On(day, o.loc).After(now) {
		return nil, invalid("that time slot has already started")
	}

	sess.Date = wallclock.FormatDate(day)
	sess.SlotID = chosen.ID
	sess.StartTime = chosen.StartTime
	sess.EndTime = chosen.EndTime
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetNotes records optional free text for the expert.
func (o *Orchestrator) SetNotes(ctx context.Context, id uuid.UUID, userID, notes string) (*Session, error) {
	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if sess.Step == StepCompleted {
		return nil, fmt.Errorf("%w: session is completed", ErrWrongStep)
	}
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLength {
		return nil, invalid("notes must be at most %d characters", maxNotesLength)
	}
	sess.Notes = notes
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID, userID string) (*Session, error) {
	return o.move(ctx, id, userID, (*Session).Advance)
}

func (o *Orchestrator) Back(ctx context.Context, id uuid.UUID, userID string) (*Session, error) {
	return o.move(ctx, id, userID, (*Session).Back)
}

func (o *Orchestrator) move(ctx context.Context, id uuid.UUID, userID string, step func(*Session) error) (*Session, error) {
	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := step(sess); err != nil {
		return nil, err
	}
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Pay opens a provider order for the expert's flat hourly rate.
func (o *Orchestrator) Pay(ctx context.Context, id uuid.UUID, userID string) (*Session, *payments.Order, error) {
	ctx, span := tracer.Start(ctx, "booking.pay")
	defer span.End()
	span.SetAttributes(attribute.String("booking.session_id", id.String()))

	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := sess.require(StepConfirmingPayment); err != nil {
		return nil, nil, err
	}
	if o.velocity != nil {
		result, err := o.velocity.CheckOrderVelocity(ctx, sess.UserID)
		if err == nil && result != nil && !result.Allowed {
			o.metrics.ObserveBooking("rate_limited")
			return nil, nil, ErrTooManyAttempts
		}
	}
	expert, err := o.experts.Get(ctx, sess.ExpertID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	if expert.HourlyRate <= 0 {
		return nil, nil, invalid("this expert is not accepting paid bookings")
	}

	order, err := o.gateway.CreateOrder(ctx, payments.OrderRequest{
		Amount:      expert.HourlyRate,
		Currency:    expert.Currency,
		Description: fmt.Sprintf("Session with %s on %s at %s", expert.DisplayName, sess.Date, sess.StartTime),
		Receipt:     sess.ID.String(),
		Notes: map[string]string{
			"session_id": sess.ID.String(),
			"user_id":    sess.UserID,
			"expert_id":  sess.ExpertID,
		},
	})
	if err != nil {
		span.RecordError(err)
		o.metrics.ObserveBooking("order_failed")
		return nil, nil, fmt.Errorf("booking: create order: %w", err)
	}

	sess.Amount = order.Amount
	sess.Currency = order.Currency
	sess.Provider = order.Provider
	sess.OrderID = order.ID
	sess.LastError = ""
	if err := o.save(ctx, sess); err != nil {
		return nil, nil, err
	}
	o.logger.Info("booking order created", "session_id", sess.ID, "order_id", order.ID, "amount", order.Amount, "provider", order.Provider)
	return sess, order, nil
}

// ConfirmPayment handles the success callback. The payment is verified, the
// callback is de-duplicated by payment id, and one appointment is written.
// If the write fails the booking is handed to the reconciler and the session
// completes as pending.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, id uuid.UUID, userID string, v payments.Verification) (*Session, error) {
	ctx, span := tracer.Start(ctx, "booking.confirm_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.session_id", id.String()),
		attribute.String("payment.id", v.PaymentID),
	)

	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if sess.Step == StepCompleted && sess.PaymentID != "" && sess.PaymentID == v.PaymentID {
		return sess, nil
	}
	if err := sess.require(StepConfirmingPayment); err != nil {
		return nil, err
	}
	if sess.OrderID == "" || v.OrderID != sess.OrderID {
		return nil, invalid("payment does not match this booking")
	}
	if strings.TrimSpace(v.PaymentID) == "" {
		return nil, invalid("payment id is required")
	}

	payment, err := o.gateway.VerifyPayment(ctx, v)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, payments.ErrPaymentFailed) || errors.Is(err, payments.ErrInvalidSignature) {
			o.logger.Warn("payment verification rejected", "session_id", sess.ID, "payment_id", v.PaymentID, "error", err)
			return o.recordFailure(ctx, sess, err.Error())
		}
		return nil, fmt.Errorf("booking: verify payment: %w", err)
	}

	provider := o.gateway.Name()
	claimed, err := o.processed.Claim(ctx, provider, payment.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		o.logger.Info("duplicate payment callback", "session_id", sess.ID, "payment_id", payment.ID)
		return o.completeFromExisting(ctx, id, userID, payment)
	}

	day, err := wallclock.ParseDate(sess.Date)
	if err != nil {
		return nil, fmt.Errorf("booking: session date: %w", err)
	}
	appt := &appointments.Appointment{
		ID:              uuid.New(),
		UserID:          sess.UserID,
		ExpertID:        sess.ExpertID,
		ExpertName:      sess.ExpertName,
		Date:            day,
		StartTime:       sess.StartTime,
		EndTime:         sess.EndTime,
		Status:          appointments.StatusScheduled,
		Notes:           sess.Notes,
		DurationMinutes: int(sess.EndTime - sess.StartTime),
		PaymentID:       payment.ID,
		OrderID:         payment.OrderID,
	}

	sess.PaymentID = payment.ID
	sess.AppointmentID = &appt.ID
	sess.LastError = ""

	if err := o.appts.Insert(ctx, appt); err != nil {
		span.RecordError(err)
		o.logger.Error("appointment insert failed after payment, reconciling",
			"session_id", sess.ID, "payment_id", payment.ID, "appointment_id", appt.ID, "error", err)
		job := reconcile.Job{
			Appointment: *appt,
			Provider:    provider,
			OrderID:     payment.OrderID,
			PaymentID:   payment.ID,
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			Attempts:    1,
			LastError:   err.Error(),
		}
		if qerr := o.reconciler.Enqueue(ctx, job); qerr != nil {
			span.RecordError(qerr)
			// Let the client retry the callback.
			if rerr := o.processed.Release(ctx, provider, payment.ID); rerr != nil {
				o.logger.Error("failed to release payment claim", "payment_id", payment.ID, "error", rerr)
			}
			o.metrics.ObserveBooking("failed")
			return nil, fmt.Errorf("booking: enqueue reconciliation: %w", errors.Join(err, qerr))
		}
		sess.Pending = true
		sess.Step = StepCompleted
		if err := o.save(ctx, sess); err != nil {
			return nil, err
		}
		o.metrics.ObserveBooking("pending")
		o.send(ctx, sess, notify.KindBookingPending,
			"Your payment was received. We're finalizing your booking and will confirm shortly.")
		return sess, nil
	}

	sess.Step = StepCompleted
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	o.metrics.ObserveBooking("confirmed")
	o.logger.Info("booking confirmed", "session_id", sess.ID, "appointment_id", appt.ID, "payment_id", payment.ID)
	o.send(ctx, sess, notify.KindBookingConfirmed,
		fmt.Sprintf("Your session with %s on %s at %s is booked.", sess.ExpertName, sess.Date, sess.StartTime))
	return sess, nil
}

// completeFromExisting handles a callback whose payment was already claimed.
// When the appointment for the payment exists but the session never reached
// Completed, the session is completed from it.
func (o *Orchestrator) completeFromExisting(ctx context.Context, id uuid.UUID, userID string, payment *payments.Payment) (*Session, error) {
	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if sess.Step == StepCompleted {
		return sess, nil
	}
	appt, err := o.appts.GetByPaymentID(ctx, payment.ID)
	if errors.Is(err, appointments.ErrNotFound) {
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load appointment by payment: %w", err)
	}
	if appt.UserID != sess.UserID || appt.OrderID != sess.OrderID {
		o.logger.Warn("payment belongs to another booking", "session_id", sess.ID, "payment_id", payment.ID, "appointment_id", appt.ID)
		return sess, nil
	}

	sess.PaymentID = payment.ID
	sess.AppointmentID = &appt.ID
	sess.Pending = false
	sess.LastError = ""
	sess.Step = StepCompleted
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	o.logger.Info("booking completed from existing appointment", "session_id", sess.ID, "appointment_id", appt.ID, "payment_id", payment.ID)
	return sess, nil
}

// FailPayment handles the failure callback. No appointment is written and the
// session stays ready for another attempt.
func (o *Orchestrator) FailPayment(ctx context.Context, id uuid.UUID, userID, reason string) (*Session, error) {
	sess, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := sess.require(StepConfirmingPayment); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payment was not completed"
	}
	return o.recordFailure(ctx, sess, reason)
}

func (o *Orchestrator) recordFailure(ctx context.Context, sess *Session, reason string) (*Session, error) {
	sess.LastError = reason
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	o.metrics.ObserveBooking("payment_failed")
	o.logger.Info("booking payment failed", "session_id", sess.ID, "order_id", sess.OrderID, "reason", reason)
	return sess, ErrPaymentFailed
}

func (o *Orchestrator) send(ctx context.Context, sess *Session, kind notify.Kind, message string) {
	n := notify.Notification{
		UserID:  sess.UserID,
		Kind:    kind,
		Message: message,
	}
	if sess.AppointmentID != nil {
		n.AppointmentID = sess.AppointmentID.String()
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.logger.Warn("booking notification failed", "kind", kind, "session_id", sess.ID, "error", err)
	}
}

// load fetches a session and hides other users' sessions.
func (o *Orchestrator) load(ctx context.Context, id uuid.UUID, userID string) (*Session, error) {
	sess, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (o *Orchestrator) save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = o.now().UTC()
	return o.sessions.Save(ctx, sess)
}
