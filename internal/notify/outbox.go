package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wellnest/marketplace-api/internal/events"
	"github.com/wellnest/marketplace-api/internal/observability/metrics"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// EventPrefix namespaces notification entries in the outbox.
const EventPrefix = "notification."

type outboxWriter interface {
	Insert(ctx context.Context, recipientID, eventType string, payload any) (uuid.UUID, error)
}

// OutboxNotifier records notifications for durable delivery by the outbox deliverer.
type OutboxNotifier struct {
	outbox outboxWriter
}

func NewOutboxNotifier(outbox outboxWriter) *OutboxNotifier {
	if outbox == nil {
		panic("notify: outbox required")
	}
	return &OutboxNotifier{outbox: outbox}
}

func (o *OutboxNotifier) Notify(ctx context.Context, n Notification) error {
	if n.UserID == "" {
		return errors.New("notify: outbox: user id required")
	}
	if _, err := o.outbox.Insert(ctx, n.UserID, EventPrefix+string(n.Kind), n); err != nil {
		return fmt.Errorf("notify: outbox: %w", err)
	}
	return nil
}

// Recipient is where a user receives e-mail.
type Recipient struct {
	Email string
	Name  string
}

// Directory resolves user ids to recipients.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Recipient, error)
}

// ProfileDirectory reads recipients from the profiles table.
type ProfileDirectory struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
}

func NewProfileDirectory(db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}) *ProfileDirectory {
	if db == nil {
		panic("notify: db required")
	}
	return &ProfileDirectory{db: db}
}

// Lookup returns nil when the user has no e-mail on file.
func (d *ProfileDirectory) Lookup(ctx context.Context, userID string) (*Recipient, error) {
	var r Recipient
	err := d.db.QueryRow(ctx, `SELECT COALESCE(email, ''), COALESCE(full_name, '') FROM profiles WHERE id = $1`, userID).Scan(&r.Email, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: lookup recipient: %w", err)
	}
	if r.Email == "" {
		return nil, nil
	}
	return &r, nil
}

// EmailDelivery turns outbox notification entries into e-mails.
type EmailDelivery struct {
	sender    EmailSender
	directory Directory
	metrics   *metrics.WorkflowMetrics
	logger    *logging.Logger
}

func NewEmailDelivery(sender EmailSender, directory Directory, m *metrics.WorkflowMetrics, logger *logging.Logger) *EmailDelivery {
	if sender == nil || directory == nil {
		panic("notify: sender and directory required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EmailDelivery{sender: sender, directory: directory, metrics: m, logger: logger}
}

func (d *EmailDelivery) Handle(ctx context.Context, entry events.OutboxEntry) error {
	var n Notification
	if err := json.Unmarshal(entry.Payload, &n); err != nil {
		// Malformed payloads can never succeed; drop them.
		d.logger.Error("notify: undecodable outbox payload", "event_id", entry.ID, "error", err)
		return nil
	}
	recipient, err := d.directory.Lookup(ctx, n.UserID)
	if err != nil {
		return err
	}
	if recipient == nil {
		d.logger.Debug("notify: no e-mail on file", "user_id", n.UserID, "kind", n.Kind)
		return nil
	}
	msg := RenderEmail(n)
	msg.To = recipient.Email
	msg.ToName = recipient.Name
	if err := d.sender.Send(ctx, msg); err != nil {
		return err
	}
	d.metrics.ObserveNotification(string(n.Kind), "email")
	return nil
}

// RenderEmail builds the e-mail body for a notification.
func RenderEmail(n Notification) EmailMessage {
	subject := n.Title
	if subject == "" {
		subject = defaultTitle(n.Kind)
	}
	var b strings.Builder
	b.WriteString(n.Message)
	if n.AppointmentID != "" {
		b.WriteString("\n\nAppointment reference: ")
		b.WriteString(n.AppointmentID)
	}
	text := b.String()
	return EmailMessage{
		Subject:  subject,
		Body:     text,
		HTML:     "<p>" + strings.ReplaceAll(html.EscapeString(text), "\n", "<br>") + "</p>",
		Category: string(n.Kind),
	}
}

func defaultTitle(k Kind) string {
	switch k {
	case KindNoShowWarning:
		return "Your expert hasn't joined yet"
	case KindNoShowConfirmed:
		return "Your session was cancelled and refunded"
	case KindRefundFailed:
		return "We couldn't process your refund"
	case KindBookingConfirmed:
		return "Your session is booked"
	case KindBookingPending:
		return "Your booking is being finalized"
	case KindBookingFailed:
		return "We couldn't complete your booking"
	default:
		return "Update on your session"
	}
}

var (
	_ Notifier               = (*OutboxNotifier)(nil)
	_ events.DeliveryHandler = (*EmailDelivery)(nil)
)
