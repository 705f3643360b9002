package noshow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/callsessions"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

type memAppointments struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]appointments.Appointment
	cancels  int
	listFrom time.Time
	listTo   time.Time
	owed     func(uuid.UUID) bool
}

func newMemAppointments(appts ...*appointments.Appointment) *memAppointments {
	m := &memAppointments{byID: map[uuid.UUID]appointments.Appointment{}}
	for _, a := range appts {
		m.byID[a.ID] = *a
	}
	return m
}

func (m *memAppointments) Get(_ context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, appointments.ErrNotFound
	}
	return &a, nil
}

func (m *memAppointments) MarkCancelled(_ context.Context, id uuid.UUID, notes string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || !a.Status.Pending() {
		return false, nil
	}
	a.Status = appointments.StatusCancelled
	a.Notes = notes
	m.byID[id] = a
	m.cancels++
	return true, nil
}

func (m *memAppointments) ListStartingBetween(_ context.Context, zone string, from, to time.Time) ([]appointments.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listFrom, m.listTo = from, to
	loc, _ := time.LoadLocation(zone)
	var out []appointments.Appointment
	for _, a := range m.byID {
		start := a.StartsAt(loc)
		if a.Status.Pending() && !start.Before(from) && !start.After(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAppointments) ListUnrefundedNoShows(_ context.Context, zone string, from, to time.Time) ([]appointments.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, _ := time.LoadLocation(zone)
	var out []appointments.Appointment
	for _, a := range m.byID {
		start := a.StartsAt(loc)
		if !cancelledAsNoShow(&a) || start.Before(from) || start.After(to) {
			continue
		}
		if m.owed == nil || m.owed(a.ID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAppointments) status(id uuid.UUID) appointments.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Status
}

func (m *memAppointments) set(a appointments.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.ID] = a
}

type memSessions struct {
	byAppt map[uuid.UUID]*callsessions.CallSession
}

func (m memSessions) LatestForAppointment(_ context.Context, id uuid.UUID) (*callsessions.CallSession, error) {
	return m.byAppt[id], nil
}

// countingRefunds settles the first successful call per appointment and
// reports already_refunded after.
type countingRefunds struct {
	mu      sync.Mutex
	calls   int
	fail    int
	err     error
	settled map[uuid.UUID]bool
}

func (c *countingRefunds) Process(_ context.Context, id uuid.UUID) (refunds.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return refunds.Outcome{AppointmentID: id}, c.err
	}
	if c.fail > 0 {
		c.fail--
		return refunds.Outcome{AppointmentID: id}, &refunds.FailureError{AppointmentID: id, Cause: context.DeadlineExceeded}
	}
	if c.settled == nil {
		c.settled = map[uuid.UUID]bool{}
	}
	if c.settled[id] {
		return refunds.Outcome{AppointmentID: id, Status: refunds.StatusAlreadyRefunded}, nil
	}
	c.settled[id] = true
	return refunds.Outcome{AppointmentID: id, Status: refunds.StatusRefunded, Path: refunds.PathAppointmentDebit, Amount: 450}, nil
}

func (c *countingRefunds) isSettled(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled[id]
}

func (c *countingRefunds) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type inbox struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (i *inbox) Notify(_ context.Context, n notify.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent = append(i.sent, n)
	return nil
}

func (i *inbox) kinds() []notify.Kind {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]notify.Kind, 0, len(i.sent))
	for _, n := range i.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	appts    *memAppointments
	sessions memSessions
	refunds  *countingRefunds
	inbox    *inbox
	now      time.Time
	service  *Service
}

func newFixture(appts ...*appointments.Appointment) *fixture {
	f := &fixture{
		appts:    newMemAppointments(appts...),
		sessions: memSessions{byAppt: map[uuid.UUID]*callsessions.CallSession{}},
		refunds:  &countingRefunds{},
		inbox:    &inbox{},
	}
	f.service = NewService(f.appts, f.sessions, f.refunds, f.inbox, logging.Discard()).WithLocation(kolkata)
	f.service.now = func() time.Time { return f.now }
	f.appts.owed = func(id uuid.UUID) bool { return !f.refunds.isSettled(id) }
	return f
}
