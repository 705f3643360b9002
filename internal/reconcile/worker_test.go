package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/internal/wallclock"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

type flakyInserter struct {
	mu       sync.Mutex
	failures int
	calls    int
	inserted []appointments.Appointment
}

func (f *flakyInserter) Insert(_ context.Context, a *appointments.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	f.inserted = append(f.inserted, *a)
	return nil
}

type recordingGateway struct {
	refunds []string
	err     error
}

func (g *recordingGateway) Refund(_ context.Context, paymentID string, amount int64, _ string) (*payments.Refund, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.refunds = append(g.refunds, paymentID)
	return &payments.Refund{ID: "rf_1", PaymentID: paymentID, Amount: amount, Status: "processed"}, nil
}

type recordingAlerts struct{ alerts []*refunds.Alert }

func (r *recordingAlerts) Record(_ context.Context, a *refunds.Alert) error {
	a.Attempts = 1
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingSupport struct{ subjects []string }

func (r *recordingSupport) Alert(_ context.Context, subject, _ string) error {
	r.subjects = append(r.subjects, subject)
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

func testJob(t *testing.T) Job {
	t.Helper()
	date, err := wallclock.ParseDate("2025-03-14")
	require.NoError(t, err)
	return Job{
		ID: uuid.New(),
		Appointment: appointments.Appointment{
			ID:         uuid.New(),
			UserID:     "user-1",
			ExpertID:   "expert-1",
			ExpertName: "Dr. Rao",
			Date:       date,
			StartTime:  wallclock.New(10, 0),
			EndTime:    wallclock.New(10, 30),
			Status:     appointments.StatusScheduled,
			PaymentID:  "pay_1",
			OrderID:    "order_1",
		},
		Provider:  "fake",
		OrderID:   "order_1",
		PaymentID: "pay_1",
		Amount:    50000,
		Currency:  "INR",
	}
}

type harness struct {
	queue   *MemoryQueue
	appts   *flakyInserter
	gateway *recordingGateway
	alerts  *recordingAlerts
	support *recordingSupport
	inbox   *inbox
	worker  *Worker
}

func newHarness(failures, maxAttempts int) *harness {
	h := &harness{
		queue:   NewMemoryQueue(16),
		appts:   &flakyInserter{failures: failures},
		gateway: &recordingGateway{},
		alerts:  &recordingAlerts{},
		support: &recordingSupport{},
		inbox:   &inbox{},
	}
	h.worker = NewWorker(h.queue, h.appts, h.gateway, logging.Discard()).
		WithAlerts(h.alerts, h.support).
		WithNotifier(h.inbox).
		WithRetry(maxAttempts, time.Millisecond).
		WithReceive(1, 0, 5)
	return h
}

func TestProcessInsertsOnFirstAttempt(t *testing.T) {
	h := newHarness(0, 3)
	job := testJob(t)

	require.NoError(t, h.worker.Process(context.Background(), job))

	require.Len(t, h.appts.inserted, 1)
	assert.Equal(t, job.Appointment.ID, h.appts.inserted[0].ID)
	assert.Empty(t, h.gateway.refunds)
	assert.Equal(t, []notify.Kind{notify.KindBookingConfirmed}, h.inbox.kinds())
}

func TestProcessReschedulesWithAttemptCount(t *testing.T) {
	h := newHarness(1, 3)
	defer h.queue.Close()
	job := testJob(t)

	require.NoError(t, h.worker.Process(context.Background(), job))
	assert.Empty(t, h.appts.inserted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := h.queue.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var retried Job
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &retried))
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "connection reset", retried.LastError)
	assert.Equal(t, "2025-03-14", retried.Appointment.DateString())
}

func TestWorkerEventuallyInserts(t *testing.T) {
	h := newHarness(2, 5)
	defer h.queue.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, NewPublisher(h.queue).Enqueue(ctx, testJob(t)))
	h.worker.Start(ctx)

	assert.Eventually(t, func() bool {
		h.appts.mu.Lock()
		defer h.appts.mu.Unlock()
		return len(h.appts.inserted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	h.worker.Wait()
	assert.Equal(t, 3, h.appts.calls)
	assert.Empty(t, h.gateway.refunds)
}

func TestProcessRefundsAfterLastAttempt(t *testing.T) {
	h := newHarness(10, 2)
	job := testJob(t)
	job.Attempts = 1

	require.NoError(t, h.worker.Process(context.Background(), job))

	assert.Equal(t, []string{"pay_1"}, h.gateway.refunds)
	require.Len(t, h.alerts.alerts, 1)
	alert := h.alerts.alerts[0]
	assert.Equal(t, job.Appointment.ID, alert.AppointmentID)
	assert.Equal(t, ReferenceType, alert.ReferenceType)
	assert.Equal(t, int64(50000), alert.Amount)
	assert.Len(t, h.support.subjects, 1)
	assert.Equal(t, []notify.Kind{notify.KindBookingFailed}, h.inbox.kinds())
	assert.Empty(t, h.appts.inserted)
}

func TestProcessAlertsWhenGatewayRefundFails(t *testing.T) {
	h := newHarness(10, 1)
	h.gateway.err = errors.New("gateway down")

	require.NoError(t, h.worker.Process(context.Background(), testJob(t)))

	require.Len(t, h.alerts.alerts, 1)
	assert.Contains(t, h.alerts.alerts[0].LastError, "gateway down")
	require.Len(t, h.inbox.items, 1)
	assert.Equal(t, refunds.ContactSupportMessage, h.inbox.items[0].Message)
}

func TestHandleMessageDropsUndecodableBody(t *testing.T) {
	h := newHarness(0, 3)
	h.worker.HandleMessage(context.Background(), Message{ID: "m1", Body: "not json"})
	assert.Equal(t, 0, h.appts.calls)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	w := NewWorker(NewMemoryQueue(1), &flakyInserter{}, &recordingGateway{}, logging.Discard()).
		WithRetry(10, 30*time.Second)
	assert.Equal(t, 30*time.Second, w.backoff(1))
	assert.Equal(t, 60*time.Second, w.backoff(2))
	assert.Equal(t, 120*time.Second, w.backoff(3))
	assert.Equal(t, maxSQSDelay, w.backoff(9))
}
