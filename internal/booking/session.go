// Package booking runs the select-slot, details, payment flow that turns a
// paid checkout into exactly one appointment.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

// Step is the wizard position of a booking session.
type Step string

const (
	StepSelectingTime     Step = "selecting_time"
	StepEnteringDetails   Step = "entering_details"
	StepConfirmingPayment Step = "confirming_payment"
	StepCompleted         Step = "completed"
)

var (
	// ErrValidation wraps user-correctable input problems.
	ErrValidation = errors.New("booking: validation failed")
	// ErrWrongStep is returned when an operation does not apply to the current step.
	ErrWrongStep = errors.New("booking: operation not allowed at this step")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("booking: session not found")
	// ErrPaymentFailed is returned when the checkout did not complete.
	ErrPaymentFailed = errors.New("booking: payment failed, please try again")
	// ErrTooManyAttempts is returned when a user opens too many checkouts.
	ErrTooManyAttempts = errors.New("booking: too many payment attempts, please try again later")
)

// ValidationError carries a user-facing message and matches ErrValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Session is one run of the booking wizard.
type Session struct {
	ID         uuid.UUID       `json:"id"`
	UserID     string          `json:"user_id"`
	ExpertID   string          `json:"expert_id"`
	ExpertName string          `json:"expert_name"`
	Step       Step            `json:"step"`
	Date       string          `json:"date,omitempty"`
	SlotID     string          `json:"slot_id,omitempty"`
	StartTime  wallclock.Clock `json:"start_time,omitempty"`
	EndTime    wallclock.Clock `json:"end_time,omitempty"`
	Notes      string          `json:"notes,omitempty"`

	Amount    int64  `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Provider  string `json:"provider,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`

	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	// Pending is set when the charge succeeded but the appointment is still
	// being reconciled.
	Pending   bool      `json:"pending,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSlot reports whether a date and slot have been chosen.
func (s *Session) HasSlot() bool {
	return s.Date != "" && s.SlotID != ""
}

// Advance moves one step forward.
func (s *Session) Advance() error {
	switch s.Step {
	case StepSelectingTime:
		if !s.HasSlot() {
			return invalid("please select a date and time slot")
		}
		s.Step = StepEnteringDetails
	case StepEnteringDetails:
		s.Step = StepConfirmingPayment
	default:
		return fmt.Errorf("%w: cannot advance from %s", ErrWrongStep, s.Step)
	}
	return nil
}

// Back moves one step backward.
func (s *Session) Back() error {
	switch s.Step {
	case StepEnteringDetails:
		s.Step = StepSelectingTime
	case StepConfirmingPayment:
		s.Step = StepEnteringDetails
	default:
		return fmt.Errorf("%w: cannot go back from %s", ErrWrongStep, s.Step)
	}
	return nil
}

func (s *Session) require(step Step) error {
	if s.Step != step {
		return fmt.Errorf("%w: session is at %s", ErrWrongStep, s.Step)
	}
	return nil
}
