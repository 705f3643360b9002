// Package callsessions reads the live video-call records attached to appointments.
package callsessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"

	PaymentStatusPaid = "paid"
)

// CallSession is the call record for an appointment. Cost is in minor units.
type CallSession struct {
	ID            string     `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Status        string     `json:"status"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	Cost          int64      `json:"cost"`
	Currency      string     `json:"currency"`
	PaymentStatus string     `json:"payment_status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ExpertJoined reports an active call that has actually started.
func (c *CallSession) ExpertJoined() bool {
	return c != nil && c.Status == StatusActive && c.StartTime != nil
}

// Paid reports whether the session itself carries a refundable charge.
func (c *CallSession) Paid() bool {
	return c != nil && c.PaymentStatus == PaymentStatusPaid && c.Cost > 0
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a read-only view over call_sessions.
type Store struct {
	db querier
}

func NewStore(db querier) *Store {
	if db == nil {
		panic("callsessions: db required")
	}
	return &Store{db: db}
}

// LatestForAppointment returns the most recent session, or nil when none exists.
func (s *Store) LatestForAppointment(ctx context.Context, appointmentID uuid.UUID) (*CallSession, error) {
	var c CallSession
	err := s.db.QueryRow(ctx, `
		SELECT id::text, appointment_id, status, start_time, COALESCE(cost, 0), COALESCE(currency, ''), COALESCE(payment_status, ''), created_at
		FROM call_sessions
		WHERE appointment_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, appointmentID).Scan(&c.ID, &c.AppointmentID, &c.Status, &c.StartTime, &c.Cost, &c.Currency, &c.PaymentStatus, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("callsessions: latest for appointment: %w", err)
	}
	return &c, nil
}
