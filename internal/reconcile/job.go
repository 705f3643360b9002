// Package reconcile finishes bookings whose charge succeeded but whose
// appointment row could not be written.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
)

// Job is a verified payment waiting for its appointment row.
type Job struct {
	ID          uuid.UUID                `json:"id"`
	Appointment appointments.Appointment `json:"appointment"`
	Provider    string                   `json:"provider"`
	OrderID     string                   `json:"order_id"`
	PaymentID   string                   `json:"payment_id"`
	Amount      int64                    `json:"amount"`
	Currency    string                   `json:"currency"`
	Attempts    int                      `json:"attempts"`
	LastError   string                   `json:"last_error,omitempty"`
	EnqueuedAt  time.Time                `json:"enqueued_at"`
}

// Publisher writes jobs to the queue.
type Publisher struct {
	queue Queue
}

func NewPublisher(queue Queue) *Publisher {
	if queue == nil {
		panic("reconcile: queue cannot be nil")
	}
	return &Publisher{queue: queue}
}

// Enqueue schedules the first insert retry immediately.
func (p *Publisher) Enqueue(ctx context.Context, job Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return p.send(ctx, job, 0)
}

func (p *Publisher) send(ctx context.Context, job Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("reconcile: encode job: %w", err)
	}
	return p.queue.Send(ctx, string(body), delay)
}
