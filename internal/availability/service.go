package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// SlotsUnavailableMessage is shown when availability cannot be loaded.
const SlotsUnavailableMessage = "We couldn't load available times. Please try again."

// blockingStatuses are the appointment states that occupy a slot.
var blockingStatuses = []appointments.Status{appointments.StatusScheduled, appointments.StatusCompleted}

type windowLister interface {
	ListForDay(ctx context.Context, expertID string, dayOfWeek int) ([]Window, error)
}

type appointmentLister interface {
	ListForExpertDate(ctx context.Context, expertID string, date time.Time, statuses []appointments.Status) ([]appointments.Appointment, error)
}

// Generator derives free slots from availability windows and booked appointments.
type Generator struct {
	windows      windowLister
	appointments appointmentLister
	logger       *logging.Logger
}

func NewGenerator(windows windowLister, appts appointmentLister, logger *logging.Logger) *Generator {
	if windows == nil || appts == nil {
		panic("availability: window and appointment sources required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Generator{windows: windows, appointments: appts, logger: logger}
}

// GenerateSlots returns the expert's free slots on date.
func (g *Generator) GenerateSlots(ctx context.Context, expertID string, date time.Time) ([]Slot, error) {
	windows, err := g.windows.ListForDay(ctx, expertID, Weekday(date))
	if err != nil {
		return nil, fmt.Errorf("availability: generate slots: %w", err)
	}
	if len(windows) == 0 {
		return []Slot{}, nil
	}
	booked, err := g.appointments.ListForExpertDate(ctx, expertID, date, blockingStatuses)
	if err != nil {
		return nil, fmt.Errorf("availability: generate slots: %w", err)
	}
	return BuildSlots(expertID, date, windows, booked), nil
}

// SlotResult carries free slots and, when loading failed, a user-facing message.
type SlotResult struct {
	Slots []Slot `json:"slots"`
	Error string `json:"error,omitempty"`
}

// AvailableSlots is GenerateSlots for presentation: failures degrade to an
// empty list with a message instead of an error.
func (g *Generator) AvailableSlots(ctx context.Context, expertID string, date time.Time) SlotResult {
	slots, err := g.GenerateSlots(ctx, expertID, date)
	if err != nil {
		g.logger.Error("availability: slots unavailable", "expert_id", expertID, "date", date.Format("2006-01-02"), "error", err)
		return SlotResult{Slots: []Slot{}, Error: SlotsUnavailableMessage}
	}
	return SlotResult{Slots: slots}
}
