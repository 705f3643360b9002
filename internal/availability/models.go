package availability

import (
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

// SlotMinutes is the fixed length of a bookable slot.
const SlotMinutes = 30

// Window is a recurring weekly block in which an expert accepts bookings.
// DayOfWeek runs 0 (Sunday) through 6 (Saturday).
type Window struct {
	ID          string          `json:"id"`
	ExpertID    string          `json:"expert_id"`
	DayOfWeek   int             `json:"day_of_week"`
	StartTime   wallclock.Clock `json:"start_time"`
	EndTime     wallclock.Clock `json:"end_time"`
	IsAvailable bool            `json:"is_available"`
}

// Slot is a derived bookable interval; it is never stored.
type Slot struct {
	ID        string          `json:"id"`
	StartTime wallclock.Clock `json:"start_time"`
	EndTime   wallclock.Clock `json:"end_time"`
	IsBooked  bool            `json:"is_booked"`
}
