package refunds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/callsessions"
	"github.com/wellnest/marketplace-api/internal/edgefn"
	"github.com/wellnest/marketplace-api/internal/locks"
	"github.com/wellnest/marketplace-api/internal/wallclock"
	"github.com/wellnest/marketplace-api/internal/wallet"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

type stubAppointments struct{ appt *appointments.Appointment }

func (s stubAppointments) Get(_ context.Context, id uuid.UUID) (*appointments.Appointment, error) {
	if s.appt == nil || s.appt.ID != id {
		return nil, appointments.ErrNotFound
	}
	return s.appt, nil
}

type stubSessions struct{ session *callsessions.CallSession }

func (s stubSessions) LatestForAppointment(context.Context, uuid.UUID) (*callsessions.CallSession, error) {
	return s.session, nil
}

// memLedger enforces one refund credit per reference like the partial unique index.
type memLedger struct {
	mu      sync.Mutex
	debits  map[string]*wallet.Transaction
	credits map[string]*wallet.Transaction
	failIns error
}

func newMemLedger() *memLedger {
	return &memLedger{debits: map[string]*wallet.Transaction{}, credits: map[string]*wallet.Transaction{}}
}

func refKey(id, typ string) string { return typ + "/" + id }

func (l *memLedger) FindRefundCredit(_ context.Context, refID, refType string) (*wallet.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credits[refKey(refID, refType)], nil
}

func (l *memLedger) LatestDebit(_ context.Context, refID, refType string) (*wallet.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debits[refKey(refID, refType)], nil
}

func (l *memLedger) InsertRefundCredit(_ context.Context, tx *wallet.Transaction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failIns != nil {
		return false, l.failIns
	}
	k := refKey(tx.ReferenceID, tx.ReferenceType)
	if _, ok := l.credits[k]; ok {
		return false, nil
	}
	tx.ID = uuid.New()
	tx.Type = wallet.TypeCredit
	l.credits[k] = tx
	return true, nil
}

func (l *memLedger) creditCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.credits)
}

// fakeProcedures mimics the remote refund functions writing the ledger credit.
type fakeProcedures struct {
	mu     sync.Mutex
	ledger *memLedger
	err    error
	calls  []string
	args   []map[string]any
}

func (f *fakeProcedures) Invoke(ctx context.Context, name string, payload any) (*edgefn.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	args := payload.(map[string]any)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tx := &wallet.Transaction{Reason: wallet.ReasonExpertNoShow}
	switch name {
	case ProcedureCallRefund:
		tx.ReferenceID = args["session_id"].(string)
		tx.ReferenceType = wallet.RefTypeCallSession
		tx.Amount = 1
	case ProcedureRefund:
		tx.ReferenceID = args["appointment_id"].(string)
		tx.ReferenceType = wallet.RefTypeAppointment
		tx.Amount = args["amount"].(int64)
	}
	if _, err := f.ledger.InsertRefundCredit(ctx, tx); err != nil {
		return nil, err
	}
	return &edgefn.Result{Success: true}, nil
}

type recordingAlerts struct {
	alerts []*Alert
	err    error
}

func (r *recordingAlerts) Record(_ context.Context, a *Alert) error {
	if r.err != nil {
		return r.err
	}
	a.Attempts = 1
	for _, prev := range r.alerts {
		if prev.AppointmentID == a.AppointmentID {
			prev.Attempts++
			a.Attempts = prev.Attempts
			return nil
		}
	}
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingSupport struct{ subjects []string }

func (r *recordingSupport) Alert(_ context.Context, subject, _ string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

func testAppointment() *appointments.Appointment {
	return &appointments.Appointment{
		ID:         uuid.New(),
		UserID:     "user-1",
		ExpertID:   "expert-1",
		ExpertName: "Dr. Rao",
		Date:       time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		StartTime:  wallclock.New(10, 0),
		EndTime:    wallclock.New(10, 30),
		Status:     appointments.StatusCancelled,
	}
}

func addDebit(l *memLedger, appt *appointments.Appointment, amount int64) {
	l.debits[refKey(appt.ID.String(), wallet.RefTypeAppointment)] = &wallet.Transaction{
		ID: uuid.New(), UserID: appt.UserID, Type: wallet.TypeDebit, Amount: amount, Currency: "INR",
		ReferenceID: appt.ID.String(), ReferenceType: wallet.RefTypeAppointment,
	}
}

func TestProcessRefundsDebitOnce(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 45000)
	procs := &fakeProcedures{ledger: ledger}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, procs, logging.Discard())

	first, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, first.Status)
	assert.Equal(t, PathAppointmentDebit, first.Path)
	assert.Equal(t, int64(45000), first.Amount)

	second, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRefunded, second.Status)
	assert.Equal(t, 1, ledger.creditCount())
	assert.Equal(t, []string{ProcedureRefund}, procs.calls)
}

func TestProcessPrefersPaidCallSession(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 450)
	procs := &fakeProcedures{ledger: ledger}
	session := &callsessions.CallSession{
		ID: "cs-1", AppointmentID: appt.ID, Status: callsessions.StatusWaiting,
		Cost: 500, Currency: "INR", PaymentStatus: callsessions.PaymentStatusPaid,
	}
	p := NewProcessor(stubAppointments{appt}, stubSessions{session}, ledger, procs, logging.Discard())

	out, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.Status)
	assert.Equal(t, PathCallSession, out.Path)
	assert.Equal(t, int64(500), out.Amount)
	assert.Equal(t, "cs-1", out.ReferenceID)
	require.Equal(t, []string{ProcedureCallRefund}, procs.calls)
	assert.Equal(t, true, procs.args[0]["full_refund"])
	assert.Equal(t, 0, procs.args[0]["duration"])

	again, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRefunded, again.Status)
	assert.Len(t, procs.calls, 1)
}

func TestProcessNothingOwed(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	procs := &fakeProcedures{ledger: ledger}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, procs, logging.Discard())

	out, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNothingOwed, out.Status)
	assert.Empty(t, procs.calls)
	assert.Zero(t, ledger.creditCount())
}

func TestProcessFallsBackToDirectCredit(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 1200)
	procs := &fakeProcedures{ledger: ledger, err: fmt.Errorf("dial: %w", edgefn.ErrProcedureUnavailable)}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, procs, logging.Discard())

	out, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.Status)
	assert.Equal(t, PathDirectCredit, out.Path)

	credit, _ := ledger.FindRefundCredit(context.Background(), appt.ID.String(), wallet.RefTypeAppointment)
	require.NotNil(t, credit)
	assert.Equal(t, int64(1200), credit.Amount)
	assert.Equal(t, wallet.ReasonExpertNoShow, credit.Reason)
	assert.Equal(t, "user-1", credit.UserID)

	again, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRefunded, again.Status)
	assert.Equal(t, 1, ledger.creditCount())
}

func TestProcessDeclinedProcedureDoesNotFallBack(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 1200)
	alerts := &recordingAlerts{}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, declining{}, logging.Discard()).
		WithAlerts(alerts, nil)

	_, err := p.Process(context.Background(), appt.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefundFailed)
	assert.Zero(t, ledger.creditCount())
	require.Len(t, alerts.alerts, 1)
}

type declining struct{}

func (declining) Invoke(context.Context, string, any) (*edgefn.Result, error) {
	return &edgefn.Result{Success: false, Error: "insufficient balance"}, nil
}

func TestProcessAlertsSupportWhenEveryPathFails(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 900)
	ledger.failIns = errors.New("connection reset")
	procs := &fakeProcedures{ledger: ledger, err: edgefn.ErrProcedureUnavailable}
	alerts := &recordingAlerts{}
	support := &recordingSupport{}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, procs, logging.Discard()).
		WithAlerts(alerts, support)

	_, err := p.Process(context.Background(), appt.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefundFailed)
	var failure *FailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ContactSupportMessage, failure.UserMessage())

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, []string{ProcedureRefund, string(PathDirectCredit)}, alerts.alerts[0].PathsTried)
	assert.Equal(t, int64(900), alerts.alerts[0].Amount)
	require.Len(t, support.subjects, 1)

	// a retry bumps the open alert without emailing support again
	_, err = p.Process(context.Background(), appt.ID)
	require.Error(t, err)
	assert.Len(t, alerts.alerts, 1)
	assert.Equal(t, 2, alerts.alerts[0].Attempts)
	assert.Len(t, support.subjects, 1)
}

func TestProcessReportsInProgressWhenClaimHeld(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 300)
	procs := &fakeProcedures{ledger: ledger}
	locker := locks.NewMemoryLocker()
	ok, _, err := locker.TryLock(context.Background(), claimKey(appt.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, procs, logging.Discard()).
		WithLocker(locker, time.Minute)

	out, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, out.Status)
	assert.False(t, out.Settled())
	assert.Empty(t, procs.calls)
}

func TestProcessReleasesClaim(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 300)
	locker := locks.NewMemoryLocker()
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, &fakeProcedures{ledger: ledger}, logging.Discard()).
		WithLocker(locker, time.Minute)

	_, err := p.Process(context.Background(), appt.ID)
	require.NoError(t, err)

	ok, _, err := locker.TryLock(context.Background(), claimKey(appt.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessConcurrentCallsCreditOnce(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 700)
	locker := locks.NewMemoryLocker()
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger,
		&fakeProcedures{ledger: ledger, err: edgefn.ErrProcedureUnavailable}, logging.Discard()).
		WithLocker(locker, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Process(context.Background(), appt.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ledger.creditCount())
}

func TestProcessUnknownAppointment(t *testing.T) {
	ledger := newMemLedger()
	p := NewProcessor(stubAppointments{}, stubSessions{}, ledger, &fakeProcedures{ledger: ledger}, logging.Discard())
	_, err := p.Process(context.Background(), uuid.New())
	assert.ErrorIs(t, err, appointments.ErrNotFound)
}

// lookupFailingLedger fails the idempotency lookup.
type lookupFailingLedger struct{ *memLedger }

func (lookupFailingLedger) FindRefundCredit(context.Context, string, string) (*wallet.Transaction, error) {
	return nil, errors.New("connection refused")
}

func TestProcessAlertsWhenLookupFails(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 500)
	procs := &fakeProcedures{ledger: ledger}
	alerts := &recordingAlerts{}
	support := &recordingSupport{}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, lookupFailingLedger{ledger}, procs, logging.Discard()).
		WithAlerts(alerts, support)

	_, err := p.Process(context.Background(), appt.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefundFailed)
	assert.Contains(t, err.Error(), "idempotency check")
	assert.Empty(t, procs.calls)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, appt.ID, alerts.alerts[0].AppointmentID)
	assert.Equal(t, []string{}, alerts.alerts[0].PathsTried)
	assert.Len(t, support.subjects, 1)
}

type failingLocker struct{}

func (failingLocker) TryLock(context.Context, string, time.Duration) (bool, string, error) {
	return false, "", errors.New("redis: connection pool timeout")
}

func (failingLocker) Unlock(context.Context, string, string) error { return nil }

func TestProcessAlertsWhenClaimUnavailable(t *testing.T) {
	appt := testAppointment()
	ledger := newMemLedger()
	addDebit(ledger, appt, 500)
	alerts := &recordingAlerts{}
	p := NewProcessor(stubAppointments{appt}, stubSessions{}, ledger, &fakeProcedures{ledger: ledger}, logging.Discard()).
		WithLocker(failingLocker{}, time.Minute).
		WithAlerts(alerts, nil)

	_, err := p.Process(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrRefundFailed)
	assert.Len(t, alerts.alerts, 1)
	assert.Zero(t, ledger.creditCount())
}
