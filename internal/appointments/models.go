package appointments

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

// ErrNotFound is returned when no appointment matches the lookup.
var ErrNotFound = errors.New("appointments: not found")

// Status tracks the lifecycle of a booked session.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the appointment can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Pending reports whether the session has not started yet.
func (s Status) Pending() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// Appointment is one booked session between a user and an expert.
// Date is the expert-local calendar day; StartTime/EndTime are expert-local clocks.
type Appointment struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"user_id"`
	ExpertID        string          `json:"expert_id"`
	ExpertName      string          `json:"expert_name"`
	Date            time.Time       `json:"-"`
	StartTime       wallclock.Clock `json:"start_time"`
	EndTime         wallclock.Clock `json:"end_time"`
	Status          Status          `json:"status"`
	Notes           string          `json:"notes,omitempty"`
	DurationMinutes int             `json:"duration"`
	PaymentID       string          `json:"payment_id,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DateString renders the calendar date for API responses.
func (a *Appointment) DateString() string {
	return wallclock.FormatDate(a.Date)
}

// StartsAt resolves the absolute start instant in the expert's zone.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	return a.StartTime.On(a.Date, loc)
}

// EndsAt resolves the absolute end instant in the expert's zone.
func (a *Appointment) EndsAt(loc *time.Location) time.Time {
	return a.EndTime.On(a.Date, loc)
}

// Covers reports whether c lies within [StartTime, EndTime) or matches the start exactly.
func (a *Appointment) Covers(c wallclock.Clock) bool {
	if c == a.StartTime {
		return true
	}
	return c >= a.StartTime && c < a.EndTime
}

// MarshalJSON adds the calendar date as YYYY-MM-DD.
func (a Appointment) MarshalJSON() ([]byte, error) {
	type plain Appointment
	return json.Marshal(struct {
		plain
		Date string `json:"date"`
	}{plain: plain(a), Date: a.DateString()})
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (a *Appointment) UnmarshalJSON(data []byte) error {
	type plain Appointment
	aux := struct {
		*plain
		Date string `json:"date"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Date == "" {
		return nil
	}
	d, err := wallclock.ParseDate(aux.Date)
	if err != nil {
		return err
	}
	a.Date = d
	return nil
}
