package experts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when the expert does not exist.
var ErrNotFound = errors.New("experts: not found")

// Expert is the subset of the expert profile the booking flow needs.
// HourlyRate is in the currency's minor unit.
type Expert struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	HourlyRate  int64  `json:"hourly_rate"`
	Currency    string `json:"currency"`
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a read-only lookup over the experts table.
type Store struct {
	db querier
}

func NewStore(db querier) *Store {
	if db == nil {
		panic("experts: db required")
	}
	return &Store{db: db}
}

// Get loads an expert by id.
func (s *Store) Get(ctx context.Context, id string) (*Expert, error) {
	var e Expert
	err := s.db.QueryRow(ctx, `
		SELECT id, display_name, hourly_rate, currency
		FROM experts WHERE id = $1`, id).Scan(&e.ID, &e.DisplayName, &e.HourlyRate, &e.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("experts: get: %w", err)
	}
	return &e, nil
}
