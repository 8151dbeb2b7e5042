package rating

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicate signals the (transaction, rater) pair already has a rating.
var ErrDuplicate = errors.New("rating: already submitted for transaction")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends a rating inside the caller's transaction. The unique
// (transaction, rater) constraint turns a replay into ErrDuplicate.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO ratings (escrow_transaction_id, rater_id, rated_user_id, score, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, escrow_transaction_id, rater_id, rated_user_id, score, comment, created_at
	`

	created, err := scanRecord(tx.QueryRow(ctx, query, rec.EscrowID, rec.RaterID, rec.RatedUserID, rec.Score, rec.Comment))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("rating: insert: %w", err)
	}
	return created, nil
}

// ListForUser returns ratings received by a user, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, escrow_transaction_id, rater_id, rated_user_id, score, comment, created_at
		FROM ratings
		WHERE rated_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("rating: list for user: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("rating: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rating: iterate: %w", err)
	}
	return out, nil
}

// SummaryForUser computes the received-rating aggregate shown on profiles.
func (r *Repository) SummaryForUser(ctx context.Context, userID string) (Summary, error) {
	const query = `
		SELECT COUNT(*), COALESCE(AVG(score), 0)
		FROM ratings
		WHERE rated_user_id = $1
	`

	var s Summary
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&s.Count, &s.Average); err != nil {
		return Summary{}, fmt.Errorf("rating: summary: %w", err)
	}
	return s, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.RaterID,
		&rec.RatedUserID,
		&rec.Score,
		&rec.Comment,
		&rec.CreatedAt,
	)
}
