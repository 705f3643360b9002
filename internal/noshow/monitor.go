package noshow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// Update is what a Monitor reports after each evaluation.
type Update struct {
	Assessment Assessment       `json:"assessment"`
	Refund     *refunds.Outcome `json:"refund,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Monitor watches a single appointment for as long as its context lives.
type Monitor struct {
	service       *Service
	appointmentID uuid.UUID
	interval      time.Duration
	horizon       time.Duration
	onUpdate      func(Update)
	logger        *logging.Logger

	refundSettled bool
	refundPending bool
}

func (s *Service) NewMonitor(appointmentID uuid.UUID) *Monitor {
	return &Monitor{
		service:       s,
		appointmentID: appointmentID,
		interval:      30 * time.Second,
		horizon:       2 * time.Hour,
		onUpdate:      func(Update) {},
		logger:        s.logger.With("appointment_id", appointmentID),
	}
}

func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithHorizon bounds how long after the start the monitor keeps polling.
func (m *Monitor) WithHorizon(d time.Duration) *Monitor {
	if d > 0 {
		m.horizon = d
	}
	return m
}

// OnUpdate registers the callback invoked after every evaluation.
func (m *Monitor) OnUpdate(fn func(Update)) *Monitor {
	if fn != nil {
		m.onUpdate = fn
	}
	return m
}

// Run evaluates immediately, then on every interval until the appointment
// settles, the horizon passes, or ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	done, err := m.tick(ctx)
	if err != nil || done {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			done, err := m.tick(ctx)
			if err != nil || done {
				return err
			}
		}
	}
}

// tick runs one evaluation and reports whether monitoring can stop.
func (m *Monitor) tick(ctx context.Context) (bool, error) {
	s := m.service
	appt, err := s.appointments.Get(ctx, m.appointmentID)
	if err != nil {
		if errors.Is(err, appointments.ErrNotFound) {
			return true, err
		}
		m.logger.Warn("noshow: monitor load failed", "error", err)
		return false, nil
	}

	if m.refundPending {
		return m.retryRefund(ctx, appt)
	}

	a, outcome, err := s.Apply(ctx, appt, SourceMonitor)
	update := Update{Assessment: a, Refund: outcome}
	switch {
	case errors.Is(err, ErrSuperseded):
		update.Assessment, _ = s.assess(ctx, appt)
		m.onUpdate(update)
		return true, nil
	case errors.Is(err, refunds.ErrRefundFailed):
		m.refundPending = true
		update.Error = refunds.ContactSupportMessage
	case err != nil:
		m.logger.Warn("noshow: monitor evaluation failed", "error", err)
		update.Error = err.Error()
	case outcome != nil:
		m.refundSettled = outcome.Settled()
		m.refundPending = !outcome.Settled()
		update.Assessment.Status = appt.Status
	}
	m.onUpdate(update)

	if m.refundPending {
		return m.pastHorizon(a), nil
	}
	if m.refundSettled || a.State == StateResolved {
		return true, nil
	}
	return m.pastHorizon(a), nil
}

func (m *Monitor) retryRefund(ctx context.Context, appt *appointments.Appointment) (bool, error) {
	a, _ := m.service.assess(ctx, appt)
	outcome, err := m.service.RetryRefund(ctx, appt)
	update := Update{Assessment: a}
	if err != nil {
		m.logger.Warn("noshow: refund retry failed", "error", err)
		update.Error = refunds.ContactSupportMessage
		m.onUpdate(update)
		return m.pastHorizon(a), nil
	}
	update.Refund = &outcome
	m.onUpdate(update)
	if outcome.Settled() {
		m.refundPending = false
		m.refundSettled = true
		return true, nil
	}
	return m.pastHorizon(a), nil
}

func (m *Monitor) pastHorizon(a Assessment) bool {
	return a.Elapsed > m.horizon
}
