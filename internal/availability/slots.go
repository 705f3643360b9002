package availability

import (
	"fmt"
	"time"

	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

// BuildSlots partitions windows into fixed slots, marks those taken by
// appointments and returns the free ones in generation order. Overlapping
// windows are not de-duplicated.
func BuildSlots(expertID string, date time.Time, windows []Window, booked []appointments.Appointment) []Slot {
	all := partition(expertID, date, windows)
	free := make([]Slot, 0, len(all))
	for _, slot := range all {
		if isBooked(slot, booked) {
			continue
		}
		free = append(free, slot)
	}
	return free
}

// partition walks each window in SlotMinutes steps; a trailing partial slot is dropped.
func partition(expertID string, date time.Time, windows []Window) []Slot {
	var out []Slot
	day := wallclock.FormatDate(date)
	for _, w := range windows {
		if !w.IsAvailable {
			continue
		}
		for start := w.StartTime; start.Add(SlotMinutes) <= w.EndTime; start = start.Add(SlotMinutes) {
			out = append(out, Slot{
				ID:        SlotID(expertID, day, start),
				StartTime: start,
				EndTime:   start.Add(SlotMinutes),
			})
		}
	}
	return out
}

func isBooked(slot Slot, booked []appointments.Appointment) bool {
	for i := range booked {
		if booked[i].Covers(slot.StartTime) {
			return true
		}
	}
	return false
}

// SlotID is the synthetic identifier "<expert>-<date>-<HHMM>".
func SlotID(expertID, day string, start wallclock.Clock) string {
	return fmt.Sprintf("%s-%s-%s", expertID, day, start.Compact())
}

// Weekday maps a calendar date onto the 0=Sunday convention.
func Weekday(date time.Time) int {
	return int(date.Weekday())
}
