package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger records dedupe keys for effects that were already handled.
// The unique constraint on the key column is the serialization point for
// every at-most-once guarantee in the automation core: a conflict on insert
// means another caller owns the key. Whether a caller records before or
// after its effect depends on whether the effect can be replayed; outbound
// sends record first, event processing records once its writes landed.
type Ledger struct {
	pool rowQuerier
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &Ledger{pool: pool}
}

func newLedgerWithExec(exec rowQuerier) *Ledger {
	if exec == nil {
		panic("events: exec required")
	}
	return &Ledger{pool: exec}
}

// Seen checks whether a key has already been recorded.
func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	query := `SELECT 1 FROM dedupe_ledger WHERE key = $1`
	var exists int
	if err := l.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check ledger: %w", err)
	}
	return true, nil
}

// Record inserts a key, returning false if it already exists.
func (l *Ledger) Record(ctx context.Context, key string) (bool, error) {
	query := `
		INSERT INTO dedupe_ledger (key)
		VALUES ($1)
		ON CONFLICT DO NOTHING
	`
	ct, err := l.pool.Exec(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("events: record ledger key: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
