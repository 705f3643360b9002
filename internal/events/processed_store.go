package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ProcessedStore de-duplicates provider callbacks (payment confirmations) by
// claiming their event id before acting on them.
type ProcessedStore struct {
	db DB
}

func NewProcessedStore(db DB) *ProcessedStore {
	if db == nil {
		panic("events: db required")
	}
	return &ProcessedStore{db: db}
}

// AlreadyProcessed checks if we've seen this provider event id.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`, provider, eventID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// Claim records the event id and reports whether this caller is the first to see it.
func (s *ProcessedStore) Claim(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("events: claim: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Release forgets a claim so a failed attempt can be retried.
func (s *ProcessedStore) Release(ctx context.Context, provider, eventID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE provider = $1 AND event_id = $2`, provider, eventID); err != nil {
		return fmt.Errorf("events: release: %w", err)
	}
	return nil
}
