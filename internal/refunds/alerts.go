package refunds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Alert is a support-facing record of a refund every path failed to issue.
type Alert struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	UserID        string     `json:"user_id"`
	ReferenceID   string     `json:"reference_id"`
	ReferenceType string     `json:"reference_type"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	PathsTried    []string   `json:"paths_tried"`
	LastError     string     `json:"last_error"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
}

// AlertFilter narrows List results.
type AlertFilter struct {
	OpenOnly       bool
	ReferenceTypes []string
	Limit          int
}

// AlertStore persists refund alerts. Repeat failures for an appointment with an
// open alert bump its attempt counter instead of adding rows.
type AlertStore struct {
	db *sql.DB
}

func NewAlertStore(db *sql.DB) *AlertStore {
	if db == nil {
		panic("refunds: sql db required")
	}
	return &AlertStore{db: db}
}

func (s *AlertStore) Record(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO refund_alerts (id, appointment_id, user_id, reference_id, reference_type, amount, currency, paths_tried, last_error, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)
		ON CONFLICT (appointment_id) WHERE resolved_at IS NULL
		DO UPDATE SET attempts = refund_alerts.attempts + 1,
			last_error = EXCLUDED.last_error,
			paths_tried = EXCLUDED.paths_tried,
			updated_at = EXCLUDED.updated_at
		RETURNING id, attempts, created_at`,
		a.ID, a.AppointmentID, a.UserID, a.ReferenceID, a.ReferenceType, a.Amount, a.Currency,
		pq.Array(a.PathsTried), a.LastError, now,
	).Scan(&a.ID, &a.Attempts, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("refunds: record alert: %w", err)
	}
	a.UpdatedAt = now
	return nil
}

func (s *AlertStore) List(ctx context.Context, f AlertFilter) ([]Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	types := f.ReferenceTypes
	if types == nil {
		types = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, appointment_id, user_id, reference_id, reference_type, amount, currency, paths_tried,
			last_error, attempts, created_at, updated_at, resolved_at, COALESCE(resolved_by, ''), COALESCE(resolution, '')
		FROM refund_alerts
		WHERE ($1 = false OR resolved_at IS NULL)
		  AND (cardinality($2::text[]) = 0 OR reference_type = ANY($2::text[]))
		ORDER BY created_at DESC
		LIMIT $3`, f.OpenOnly, pq.Array(types), limit)
	if err != nil {
		return nil, fmt.Errorf("refunds: list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a          Alert
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.AppointmentID, &a.UserID, &a.ReferenceID, &a.ReferenceType, &a.Amount, &a.Currency,
			pq.Array(&a.PathsTried), &a.LastError, &a.Attempts, &a.CreatedAt, &a.UpdatedAt, &resolvedAt, &a.ResolvedBy, &a.Resolution); err != nil {
			return nil, fmt.Errorf("refunds: scan alert: %w", err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refunds: alert rows: %w", err)
	}
	return out, nil
}

// ErrAlertNotFound is returned when resolving an unknown or already resolved alert.
var ErrAlertNotFound = errors.New("refunds: open alert not found")

func (s *AlertStore) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, resolution string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refund_alerts
		SET resolved_at = $2, resolved_by = $3, resolution = $4, updated_at = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, time.Now().UTC(), resolvedBy, resolution)
	if err != nil {
		return fmt.Errorf("refunds: resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refunds: resolve alert: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}
