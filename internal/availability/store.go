package availability

import (
	"context"
	"fmt"

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

// Store reads expert_availability. The table is maintained elsewhere.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("availability: db required")
	}
	return &Store{db: db}
}

// ListForDay returns the expert's enabled windows for a weekday ordered by start.
func (s *Store) ListForDay(ctx context.Context, expertID string, dayOfWeek int) ([]Window, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, expert_id, day_of_week, start_time::text, end_time::text, is_available
		FROM expert_availability
		WHERE expert_id = $1 AND day_of_week = $2 AND is_available = true
		ORDER BY start_time ASC`, expertID, dayOfWeek)
	if err != nil {
		return nil, fmt.Errorf("availability: list for day: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var (
			w          Window
			start, end string
		)
		if err := rows.Scan(&w.ID, &w.ExpertID, &w.DayOfWeek, &start, &end, &w.IsAvailable); err != nil {
			return nil, fmt.Errorf("availability: scan window: %w", err)
		}
		if w.StartTime, err = wallclock.Parse(start); err != nil {
			return nil, fmt.Errorf("availability: window %s: %w", w.ID, err)
		}
		if w.EndTime, err = wallclock.Parse(end); err != nil {
			return nil, fmt.Errorf("availability: window %s: %w", w.ID, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("availability: rows: %w", err)
	}
	return out, nil
}
