package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence surface the relay drains through.
type Store interface {
	LockPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

var _ Store = (*PGStore)(nil)

// LockPending claims a batch of undelivered messages. SKIP LOCKED lets
// multiple relay instances drain concurrently without double delivery.
func (s *PGStore) LockPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
		SELECT id, topic, payload, status::text, attempts, last_attempt, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: lock pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.LastAttempt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan pending: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed bumps the attempt counter; when the budget is spent the message
// is parked as dead for manual inspection instead of being retried forever.
func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error {
	query := `UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`
	if dead {
		query = `UPDATE outbox SET status = 'dead', attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`
	}
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// CountByStatus reports queue depth per status for operational checks.
func CountByStatus(ctx context.Context, pool *pgxpool.Pool) (map[Status]int, error) {
	rows, err := pool.Query(ctx, `SELECT status::text, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: count: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox: scan count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate count: %w", err)
	}
	return out, nil
}
