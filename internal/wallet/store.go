package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const txColumns = `id, user_id, type, amount, currency, reason, reference_id, reference_type, COALESCE(description, ''), created_at`

// Store reads and writes wallet_transactions.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("wallet: db required")
	}
	return &Store{db: db}
}

// FindRefundCredit returns an existing refund credit for the reference, or nil.
func (s *Store) FindRefundCredit(ctx context.Context, referenceID, referenceType string) (*Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE type = 'credit' AND reference_id = $1 AND reference_type = $2 AND reason = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`, referenceID, referenceType, refundReasons))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: find refund credit: %w", err)
	}
	return tx, nil
}

// LatestDebit returns the most recent debit for the reference, or nil.
func (s *Store) LatestDebit(ctx context.Context, referenceID, referenceType string) (*Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE type = 'debit' AND reference_id = $1 AND reference_type = $2
		ORDER BY created_at DESC
		LIMIT 1`, referenceID, referenceType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: latest debit: %w", err)
	}
	return tx, nil
}

// InsertRefundCredit writes a refund credit unless one already exists for the
// reference. It reports whether a row was written.
func (s *Store) InsertRefundCredit(ctx context.Context, tx *Transaction) (bool, error) {
	if tx == nil {
		return false, errors.New("wallet: insert refund credit: transaction required")
	}
	if tx.Amount <= 0 {
		return false, fmt.Errorf("wallet: insert refund credit: amount must be positive, got %d", tx.Amount)
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	tx.Type = TypeCredit
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, currency, reason, reference_id, reference_type, description, created_at)
		VALUES ($1, $2, 'credit', $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference_id, reference_type) WHERE type = 'credit' AND reason IN ('expert_no_show', 'refund') DO NOTHING`,
		tx.ID, tx.UserID, tx.Amount, tx.Currency, tx.Reason, tx.ReferenceID, tx.ReferenceType, tx.Description, tx.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("wallet: insert refund credit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListForUser returns a user's ledger, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: list for user: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("wallet: scan: %w", err)
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet: rows: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var tx Transaction
	if err := row.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Currency, &tx.Reason,
		&tx.ReferenceID, &tx.ReferenceType, &tx.Description, &tx.CreatedAt); err != nil {
		return nil, err
	}
	return &tx, nil
}
