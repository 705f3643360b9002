package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/availability"
	"github.com/wellnest/marketplace-api/internal/experts"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/reconcile"
	"github.com/wellnest/marketplace-api/internal/wallclock"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

const (
	testExpert = "expert-1"
	testUser   = "user-1"
	bookDate   = "2025-03-12"
)

type staticSlots struct {
	slots []availability.Slot
	err   error
}

func (s staticSlots) GenerateSlots(_ context.Context, expertID string, date time.Time) ([]availability.Slot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.slots, nil
}

type staticExperts map[string]*experts.Expert

func (s staticExperts) Get(_ context.Context, id string) (*experts.Expert, error) {
	e, ok := s[id]
	if !ok {
		return nil, experts.ErrNotFound
	}
	return e, nil
}

type memAppointments struct {
	mu       sync.Mutex
	failures int
	rows     []appointments.Appointment
}

func (m *memAppointments) Insert(_ context.Context, a *appointments.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("database unavailable")
	}
	m.rows = append(m.rows, *a)
	return nil
}

func (m *memAppointments) GetByPaymentID(_ context.Context, paymentID string) (*appointments.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].PaymentID == paymentID {
			a := m.rows[i]
			return &a, nil
		}
	}
	return nil, appointments.ErrNotFound
}

func (m *memAppointments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memProcessed struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memProcessed) Claim(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + eventID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memProcessed) Release(_ context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, provider+":"+eventID)
	return nil
}

type memReconciler struct {
	jobs []reconcile.Job
	err  error
}

func (m *memReconciler) Enqueue(_ context.Context, job reconcile.Job) error {
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

type inbox struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (i *inbox) Notify(_ context.Context, n notify.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.items = append(i.items, n)
	return nil
}

func (i *inbox) kinds() []notify.Kind {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []notify.Kind
	for _, n := range i.items {
		out = append(out, n.Kind)
	}
	return out
}

// flakySessions fails the next save that would complete a session.
type flakySessions struct {
	*MemorySessionStore
	failComplete int
}

func (f *flakySessions) Save(ctx context.Context, s *Session) error {
	if s.Step == StepCompleted && f.failComplete > 0 {
		f.failComplete--
		return errors.New("redis: connection reset")
	}
	return f.MemorySessionStore.Save(ctx, s)
}

type denyAll struct{}

func (denyAll) CheckOrderVelocity(context.Context, string) (*payments.VelocityResult, error) {
	return &payments.VelocityResult{Allowed: false, CheckType: "orders"}, nil
}

type fixture struct {
	now        time.Time
	sessions   *MemorySessionStore
	gateway    *payments.FakeGateway
	appts      *memAppointments
	processed  *memProcessed
	reconciler *memReconciler
	inbox      *inbox
	orch       *Orchestrator
	freeSlot   string
	bookedSlot string
}

func newFixture() *fixture {
	f := &fixture{
		now:        time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		sessions:   NewMemorySessionStore(time.Hour),
		gateway:    payments.NewFakeGateway(logging.Discard()),
		appts:      &memAppointments{},
		processed:  &memProcessed{seen: map[string]bool{}},
		reconciler: &memReconciler{},
		inbox:      &inbox{},
		freeSlot:   availability.SlotID(testExpert, bookDate, wallclock.New(10, 0)),
		bookedSlot: availability.SlotID(testExpert, bookDate, wallclock.New(10, 30)),
	}
	slots := staticSlots{slots: []availability.Slot{
		{ID: f.freeSlot, StartTime: wallclock.New(10, 0), EndTime: wallclock.New(10, 30)},
		{ID: f.bookedSlot, StartTime: wallclock.New(10, 30), EndTime: wallclock.New(11, 0), IsBooked: true},
	}}
	f.orch = NewOrchestrator(Deps{
		Sessions: f.sessions,
		Slots:    slots,
		Experts: staticExperts{
			testExpert: {ID: testExpert, DisplayName: "Dr. Rao", HourlyRate: 150000, Currency: "INR"},
			"free":     {ID: "free", DisplayName: "Volunteer", HourlyRate: 0, Currency: "INR"},
		},
		Gateway:      f.gateway,
		Appointments: f.appts,
		Processed:    f.processed,
		Reconciler:   f.reconciler,
	}, logging.Discard()).WithNotifier(f.inbox)
	f.orch.now = func() time.Time { return f.now }
	f.sessions.now = func() time.Time { return f.now }
	return f
}

// readyToPay walks a fresh session to ConfirmingPayment.
func (f *fixture) readyToPay(ctx context.Context) (*Session, error) {
	sess, err := f.orch.Start(ctx, testUser, testExpert)
	if err != nil {
		return nil, err
	}
	if _, err := f.orch.SelectSlot(ctx, sess.ID, testUser, bookDate, f.freeSlot); err != nil {
		return nil, err
	}
	if _, err := f.orch.Advance(ctx, sess.ID, testUser); err != nil {
		return nil, err
	}
	return f.orch.Advance(ctx, sess.ID, testUser)
}
