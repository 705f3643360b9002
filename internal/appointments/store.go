package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wellnest/marketplace-api/internal/wallclock"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectColumns = `id, user_id, expert_id, expert_name, date, start_time::text, end_time::text, status, COALESCE(notes, ''), duration, COALESCE(payment_id, ''), COALESCE(order_id, ''), created_at, updated_at`

// Store reads and writes the appointments table.
type Store struct {
	db DB
}

// NewStore creates a new appointment store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("appointments: db required")
	}
	return &Store{db: db}
}

// Insert persists a new appointment. Re-inserting the same id is a no-op so
// reconciliation retries stay safe.
func (s *Store) Insert(ctx context.Context, a *Appointment) error {
	if a == nil {
		return errors.New("appointments: insert: appointment required")
	}
	if a.EndTime <= a.StartTime {
		return fmt.Errorf("appointments: insert: end %s must be after start %s", a.EndTime, a.StartTime)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = int(a.EndTime - a.StartTime)
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO appointments (id, user_id, expert_id, expert_name, date, start_time, end_time, status, notes, duration, payment_id, order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::text::date, $6::text::time, $7::text::time, $8, NULLIF($9, ''), $10, NULLIF($11, ''), NULLIF($12, ''), $13, $13)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.UserID, a.ExpertID, a.ExpertName, a.DateString(), a.StartTime.String(), a.EndTime.String(),
		string(a.Status), a.Notes, a.DurationMinutes, a.PaymentID, a.OrderID, now,
	)
	if err != nil {
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

// Get loads one appointment by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: get: %w", err)
	}
	return a, nil
}

// GetByPaymentID loads the appointment written for a payment.
func (s *Store) GetByPaymentID(ctx context.Context, paymentID string) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM appointments WHERE payment_id = $1`, paymentID)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: get by payment: %w", err)
	}
	return a, nil
}

// ListForExpertDate returns the expert's appointments on date whose status is in statuses.
func (s *Store) ListForExpertDate(ctx context.Context, expertID string, date time.Time, statuses []Status) ([]Appointment, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE expert_id = $1 AND date = $2::text::date AND status = ANY($3)
		ORDER BY start_time ASC`, expertID, wallclock.FormatDate(date), names)
	if err != nil {
		return nil, fmt.Errorf("appointments: list for expert date: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListStartingBetween returns scheduled/confirmed appointments whose local start,
// interpreted in zone, falls within [from, to].
func (s *Store) ListStartingBetween(ctx context.Context, zone string, from, to time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND ((date + start_time) AT TIME ZONE $1) BETWEEN $2 AND $3
		ORDER BY date ASC, start_time ASC`, zone, from, to)
	if err != nil {
		return nil, fmt.Errorf("appointments: list starting between: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListUnrefundedNoShows returns appointments cancelled as expert no-shows,
// starting within [from, to] in zone, that still owe a refund: a debit or paid
// call session exists but no refund credit was recorded against either.
func (s *Store) ListUnrefundedNoShows(ctx context.Context, zone string, from, to time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM appointments a
		WHERE a.status = 'cancelled'
		  AND a.notes LIKE '%"cancellation":{"reason":"`+CancelReasonExpertNoShow+`"%'
		  AND ((a.date + a.start_time) AT TIME ZONE $1) BETWEEN $2 AND $3
		  AND (
			EXISTS (SELECT 1 FROM wallet_transactions d
				WHERE d.reference_id = a.id::text AND d.reference_type = 'appointment' AND d.type = 'debit')
			OR EXISTS (SELECT 1 FROM call_sessions cs
				WHERE cs.appointment_id = a.id AND cs.payment_status = 'paid' AND cs.cost > 0)
		  )
		  AND NOT EXISTS (SELECT 1 FROM wallet_transactions c
			WHERE c.type = 'credit' AND c.reason IN ('expert_no_show', 'refund')
			  AND ((c.reference_id = a.id::text AND c.reference_type = 'appointment')
			    OR (c.reference_type = 'call_session' AND c.reference_id IN (
					SELECT cs.id::text FROM call_sessions cs WHERE cs.appointment_id = a.id))))
		ORDER BY a.date ASC, a.start_time ASC`, zone, from, to)
	if err != nil {
		return nil, fmt.Errorf("appointments: list unrefunded no-shows: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ListForUser returns a user's appointments, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE user_id = $1
		ORDER BY date DESC, start_time DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list for user: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// MarkCancelled cancels a scheduled/confirmed appointment and replaces its notes.
// It reports false when the appointment was not in a cancellable state.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID, notes string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET status = 'cancelled', notes = $2, updated_at = $3
		WHERE id = $1 AND status IN ('scheduled', 'confirmed')`, id, notes, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("appointments: mark cancelled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: rows: %w", err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		status     string
		start, end string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.ExpertID, &a.ExpertName, &a.Date, &start, &end, &status,
		&a.Notes, &a.DurationMinutes, &a.PaymentID, &a.OrderID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.StartTime, err = wallclock.Parse(start); err != nil {
		return nil, err
	}
	if a.EndTime, err = wallclock.Parse(end); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}
