// Package noshow detects experts who fail to join a booked session and
// triggers the refund.
package noshow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/callsessions"
)

// State is the monitor state of one appointment.
type State string

const (
	StateNotYetDue       State = "not_yet_due"
	StateGracePeriod     State = "grace_period"
	StateWarning         State = "warning"
	StateNoShowConfirmed State = "no_show_confirmed"
	StateResolved        State = "resolved"
)

// Policy holds the elapsed-time thresholds measured from the appointment start.
type Policy struct {
	WarnAfter    time.Duration
	ConfirmAfter time.Duration
}

func DefaultPolicy() Policy {
	return Policy{WarnAfter: 3 * time.Minute, ConfirmAfter: 5 * time.Minute}
}

// Assessment is a point-in-time evaluation of an appointment.
type Assessment struct {
	AppointmentID   uuid.UUID
	Status          appointments.Status
	State           State
	StartsAt        time.Time
	EvaluatedAt     time.Time
	Elapsed         time.Duration
	ExpertJoined    bool
	CanReportNoShow bool
	// RefundIn is the time left before the no-show is confirmed; zero outside
	// the grace and warning states.
	RefundIn time.Duration
}

func (a Assessment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AppointmentID   uuid.UUID           `json:"appointment_id"`
		Status          appointments.Status `json:"status"`
		State           State               `json:"state"`
		StartsAt        time.Time           `json:"starts_at"`
		EvaluatedAt     time.Time           `json:"evaluated_at"`
		ElapsedSeconds  int64               `json:"elapsed_seconds"`
		ExpertJoined    bool                `json:"expert_joined"`
		CanReportNoShow bool                `json:"can_report_no_show"`
		RefundInSeconds int64               `json:"refund_in_seconds"`
	}{
		AppointmentID:   a.AppointmentID,
		Status:          a.Status,
		State:           a.State,
		StartsAt:        a.StartsAt,
		EvaluatedAt:     a.EvaluatedAt,
		ElapsedSeconds:  int64(a.Elapsed / time.Second),
		ExpertJoined:    a.ExpertJoined,
		CanReportNoShow: a.CanReportNoShow,
		RefundInSeconds: int64(a.RefundIn / time.Second),
	})
}

// RefundInMinutes rounds RefundIn up to whole minutes for user-facing copy.
func (a Assessment) RefundInMinutes() int {
	if a.RefundIn <= 0 {
		return 0
	}
	return int((a.RefundIn + time.Minute - time.Second) / time.Minute)
}

// ExpertJoined reports whether the expert showed up, either through a live
// call session or a status set by the call flow.
func ExpertJoined(appt *appointments.Appointment, session *callsessions.CallSession) bool {
	if session.ExpertJoined() {
		return true
	}
	return appt.Status == appointments.StatusCompleted || appt.Status == appointments.StatusInProgress
}

// Evaluate places appt in the no-show state machine at now. Start times are
// interpreted in loc.
func (p Policy) Evaluate(appt *appointments.Appointment, session *callsessions.CallSession, loc *time.Location, now time.Time) Assessment {
	start := appt.StartsAt(loc)
	a := Assessment{
		AppointmentID: appt.ID,
		Status:        appt.Status,
		StartsAt:      start,
		EvaluatedAt:   now,
		Elapsed:       now.Sub(start),
		ExpertJoined:  ExpertJoined(appt, session),
	}
	a.CanReportNoShow = a.Elapsed >= p.ConfirmAfter && !a.ExpertJoined && appt.Status != appointments.StatusCancelled

	switch {
	case a.ExpertJoined || appt.Status.Terminal():
		a.State = StateResolved
	case a.Elapsed < 0:
		a.State = StateNotYetDue
	case a.Elapsed < p.WarnAfter:
		a.State = StateGracePeriod
		a.RefundIn = p.ConfirmAfter - a.Elapsed
	case a.Elapsed < p.ConfirmAfter:
		a.State = StateWarning
		a.RefundIn = p.ConfirmAfter - a.Elapsed
	default:
		a.State = StateNoShowConfirmed
	}
	return a
}
