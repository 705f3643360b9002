package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// Kind identifies a user-facing notification.
type Kind string

const (
	KindNoShowWarning    Kind = "noshow.warning"
	KindNoShowConfirmed  Kind = "noshow.confirmed"
	KindRefundFailed     Kind = "refund.failed"
	KindBookingConfirmed Kind = "booking.confirmed"
	KindBookingPending   Kind = "booking.pending"
	KindBookingFailed    Kind = "booking.failed"
)

// Notification is a message addressed to one user.
type Notification struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Kind          Kind      `json:"kind"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Nop discards notifications.
var Nop Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })

// Fanout delivers to every channel and reports the joined failures.
type Fanout struct {
	channels []Notifier
	logger   *logging.Logger
}

func NewFanout(logger *logging.Logger, channels ...Notifier) *Fanout {
	if logger == nil {
		logger = logging.Default()
	}
	var live []Notifier
	for _, c := range channels {
		if c != nil {
			live = append(live, c)
		}
	}
	return &Fanout{channels: live, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var errs []error
	for _, c := range f.channels {
		if err := c.Notify(ctx, n); err != nil {
			f.logger.Warn("notify: channel failed", "kind", n.Kind, "user_id", n.UserID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
