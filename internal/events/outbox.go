package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxEntry is a pending event addressed to one recipient.
type OutboxEntry struct {
	ID          uuid.UUID
	RecipientID string
	Type        string
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
}

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// DeliveryHandlerFunc adapts a function to DeliveryHandler.
type DeliveryHandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f DeliveryHandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

// OutboxStore persists events for reliable delivery.
type OutboxStore struct {
	db DB
}

func NewOutboxStore(db DB) *OutboxStore {
	if db == nil {
		panic("events: db required")
	}
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Insert(ctx context.Context, recipientID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	if _, err := s.db.Exec(ctx, `
		INSERT INTO outbox (id, recipient_id, type, payload)
		VALUES ($1, $2, $3, $4)`, id, recipientID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

// FetchPending returns undelivered entries that have not exhausted maxAttempts.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int32, maxAttempts int) ([]OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, recipient_id, type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND attempts < $2
		ORDER BY created_at
		LIMIT $1`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.RecipientID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// RecordFailure bumps the attempt counter so poison entries eventually stop being fetched.
func (s *OutboxStore) RecordFailure(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, msg); err != nil {
		return fmt.Errorf("events: record failure: %w", err)
	}
	return nil
}

// Mux routes entries to handlers by type prefix; the longest match wins.
type Mux struct {
	routes map[string]DeliveryHandler
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string]DeliveryHandler)}
}

func (m *Mux) Route(prefix string, h DeliveryHandler) *Mux {
	m.routes[prefix] = h
	return m
}

// Handle dispatches entry. Entries without a route are treated as delivered.
func (m *Mux) Handle(ctx context.Context, entry OutboxEntry) error {
	var (
		best    DeliveryHandler
		bestLen = -1
	)
	for prefix, h := range m.routes {
		if strings.HasPrefix(entry.Type, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	if best == nil {
		return nil
	}
	return best.Handle(ctx, entry)
}

// Deliverer polls the outbox and invokes the handler.
type Deliverer struct {
	store       *OutboxStore
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	maxAttempts int
}

func NewDeliverer(store *OutboxStore, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   25,
		interval:    2 * time.Second,
		maxAttempts: 10,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMaxAttempts(n int) *Deliverer {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Run drains immediately and then on every tick until ctx is done.
func (d *Deliverer) Run(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	d.drain(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Deliverer) drain(ctx context.Context) {
	entries, err := d.store.FetchPending(ctx, d.batchSize, d.maxAttempts)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return
	}
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.logger.Error("outbox delivery failed", "error", err, "event_id", entry.ID, "type", entry.Type, "attempt", entry.Attempts+1)
			if ferr := d.store.RecordFailure(ctx, entry.ID, err); ferr != nil {
				d.logger.Error("failed to record outbox failure", "error", ferr, "event_id", entry.ID)
			}
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
}
