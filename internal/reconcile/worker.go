package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// ReferenceType tags refund alerts raised for bookings that never completed.
const ReferenceType = "booking_payment"

type appointmentInserter interface {
	Insert(ctx context.Context, a *appointments.Appointment) error
}

type chargeRefunder interface {
	Refund(ctx context.Context, paymentID string, amount int64, reason string) (*payments.Refund, error)
}

type alertRecorder interface {
	Record(ctx context.Context, a *refunds.Alert) error
}

type supportAlerter interface {
	Alert(ctx context.Context, subject, body string) error
}

const (
	defaultWorkerCount = 1
	defaultWaitSeconds = 5
	defaultBatchSize   = 5
	defaultMaxAttempts = 5
	defaultBaseDelay   = 30 * time.Second
)

// Worker drains the reconciliation queue. Each job retries the appointment
// insert with exponential back-off; after the last attempt the charge is
// refunded and support is alerted.
type Worker struct {
	queue    Queue
	appts    appointmentInserter
	gateway  chargeRefunder
	alerts   alertRecorder
	support  supportAlerter
	notifier notify.Notifier
	metrics  *metrics.WorkflowMetrics
	logger   *logging.Logger

	workers     int
	waitSeconds int
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration

	wg sync.WaitGroup
}

func NewWorker(queue Queue, appts appointmentInserter, gateway chargeRefunder, logger *logging.Logger) *Worker {
	if queue == nil {
		panic("reconcile: queue cannot be nil")
	}
	if appts == nil {
		panic("reconcile: appointment store cannot be nil")
	}
	if gateway == nil {
		panic("reconcile: payment gateway cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:       queue,
		appts:       appts,
		gateway:     gateway,
		notifier:    notify.Nop,
		logger:      logger.Component("reconcile"),
		workers:     defaultWorkerCount,
		waitSeconds: defaultWaitSeconds,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
}

func (w *Worker) WithAlerts(alerts alertRecorder, support supportAlerter) *Worker {
	w.alerts = alerts
	w.support = support
	return w
}

func (w *Worker) WithNotifier(n notify.Notifier) *Worker {
	if n != nil {
		w.notifier = n
	}
	return w
}

func (w *Worker) WithMetrics(m *metrics.WorkflowMetrics) *Worker {
	w.metrics = m
	return w
}

// WithRetry sets the attempt budget and the first back-off delay.
func (w *Worker) WithRetry(maxAttempts int, baseDelay time.Duration) *Worker {
	if maxAttempts > 0 {
		w.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		w.baseDelay = baseDelay
	}
	return w
}

func (w *Worker) WithReceive(workers, waitSeconds, batchSize int) *Worker {
	if workers > 0 {
		w.workers = workers
	}
	if waitSeconds >= 0 {
		w.waitSeconds = waitSeconds
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	return w
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all consumers exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := w.queue.Receive(ctx, w.batchSize, w.waitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive reconcile jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, msg := range messages {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one queue entry and removes it from the queue once
// the outcome is durable.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	var job Job
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		w.logger.Error("failed to decode reconcile job", "error", err, "msg_id", msg.ID)
		w.delete(msg)
		return
	}
	if err := w.Process(ctx, job); err != nil {
		// Leave the message for redelivery.
		w.logger.Error("reconcile job not settled", "error", err, "job_id", job.ID)
		return
	}
	w.delete(msg)
}

// Process runs one attempt for job. A nil error means the job needs no
// redelivery: it was inserted, rescheduled, or refunded.
func (w *Worker) Process(ctx context.Context, job Job) error {
	job.Attempts++
	appt := job.Appointment
	err := w.appts.Insert(ctx, &appt)
	if err == nil {
		w.metrics.ObserveReconcile("inserted")
		w.logger.Info("reconciled booking", "job_id", job.ID, "appointment_id", appt.ID, "attempts", job.Attempts)
		w.send(ctx, notify.Notification{
			UserID:        appt.UserID,
			AppointmentID: appt.ID.String(),
			Kind:          notify.KindBookingConfirmed,
			Message:       fmt.Sprintf("Your session with %s on %s at %s is booked.", appt.ExpertName, appt.DateString(), appt.StartTime),
		})
		return nil
	}
	job.LastError = err.Error()

	if job.Attempts < w.maxAttempts {
		delay := w.backoff(job.Attempts)
		w.logger.Warn("reconcile insert failed, retrying",
			"job_id", job.ID, "appointment_id", appt.ID, "attempts", job.Attempts, "retry_in", delay, "error", err)
		body, encErr := json.Marshal(job)
		if encErr != nil {
			return fmt.Errorf("reconcile: encode job: %w", encErr)
		}
		if sendErr := w.queue.Send(ctx, string(body), delay); sendErr != nil {
			return sendErr
		}
		w.metrics.ObserveReconcile("retry")
		return nil
	}

	return w.giveUp(ctx, job)
}

func (w *Worker) giveUp(ctx context.Context, job Job) error {
	appt := job.Appointment
	w.logger.Error("reconcile exhausted, refunding charge",
		"job_id", job.ID, "appointment_id", appt.ID, "payment_id", job.PaymentID, "attempts", job.Attempts)

	paths := []string{"booking_insert", "gateway_refund"}
	lastErr := job.LastError
	outcome := "refunded"
	if _, err := w.gateway.Refund(ctx, job.PaymentID, job.Amount, "booking could not be completed"); err != nil {
		outcome = "refund_failed"
		lastErr = fmt.Sprintf("insert: %s; refund: %v", job.LastError, err)
		w.logger.Error("gateway refund failed", "job_id", job.ID, "payment_id", job.PaymentID, "error", err)
	}
	w.metrics.ObserveReconcile(outcome)

	alert := &refunds.Alert{
		AppointmentID: appt.ID,
		UserID:        appt.UserID,
		ReferenceID:   job.PaymentID,
		ReferenceType: ReferenceType,
		Amount:        job.Amount,
		Currency:      job.Currency,
		PathsTried:    paths,
		LastError:     lastErr,
	}
	if w.alerts != nil {
		if err := w.alerts.Record(ctx, alert); err != nil {
			w.logger.Error("failed to record reconcile alert", "job_id", job.ID, "error", err)
		}
	}
	if w.support != nil {
		subject := fmt.Sprintf("Booking %s could not be completed (%s)", appt.ID, outcome)
		body := fmt.Sprintf("Payment %s (%d %s) for user %s was charged but the appointment was never written.\nLast error: %s",
			job.PaymentID, job.Amount, job.Currency, appt.UserID, lastErr)
		if err := w.support.Alert(ctx, subject, body); err != nil {
			w.logger.Warn("failed to email support", "job_id", job.ID, "error", err)
		}
	}

	message := "We couldn't complete your booking. Your payment has been refunded."
	if outcome == "refund_failed" {
		message = refunds.ContactSupportMessage
	}
	w.send(ctx, notify.Notification{
		UserID:        appt.UserID,
		AppointmentID: appt.ID.String(),
		Kind:          notify.KindBookingFailed,
		Message:       message,
	})
	return nil
}

func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.baseDelay
	for i := 1; i < attempt && delay < maxSQSDelay; i++ {
		delay *= 2
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return delay
}

func (w *Worker) send(ctx context.Context, n notify.Notification) {
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.logger.Warn("reconcile notification failed", "kind", n.Kind, "user_id", n.UserID, "error", err)
	}
}

func (w *Worker) delete(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Warn("failed to delete reconcile message", "error", err, "msg_id", msg.ID)
	}
}
