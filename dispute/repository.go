package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrAlreadyOpen = errors.New("dispute: already open for transaction")
	ErrBadStatus   = errors.New("dispute: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, escrow_transaction_id, initiator_id, reason, description, status::text, assessment_verdict, assessment_details, resolution, resolved_by, created_at, updated_at, resolved_at`

// Insert creates an under_review dispute inside the caller's transaction.
// The partial unique index on open disputes turns a concurrent second open
// into ErrAlreadyOpen.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (escrow_transaction_id, initiator_id, reason, description)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + columns

	created, err := scanRecord(tx.QueryRow(ctx, query, rec.EscrowID, rec.InitiatorID, rec.Reason, rec.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `SELECT ` + columns + ` FROM disputes WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const query = `SELECT ` + columns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// GetOpenByTransaction returns the unresolved dispute for a transaction, if any.
func (r *Repository) GetOpenByTransaction(ctx context.Context, escrowID string) (Record, error) {
	const query = `SELECT ` + columns + ` FROM disputes WHERE escrow_transaction_id = $1 AND status <> 'resolved'`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get open: %w", err)
	}
	return rec, nil
}

// MarkResolved flips an unresolved dispute to resolved, stamping outcome and
// adjudicator. A miss is re-read to distinguish a missing dispute from one
// already resolved.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id, resolution string, resolvedBy *string) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'resolved',
		    resolution = $2,
		    resolved_by = $3,
		    resolved_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		  AND status <> 'resolved'
		RETURNING ` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, resolution, resolvedBy))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	var status Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	if status == StatusResolved {
		return Record{}, ErrBadStatus
	}
	return Record{}, ErrNotFound
}

// RecordAssessment stores the arbitration oracle's verdict. It runs outside
// the dispute-opening transaction because the oracle answers after commit.
func (r *Repository) RecordAssessment(ctx context.Context, id, verdict, details string) error {
	const query = `
		UPDATE disputes
		SET assessment_verdict = $2,
		    assessment_details = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, verdict, details)
	if err != nil {
		return fmt.Errorf("dispute: record assessment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Filters narrows dispute listings.
type Filters struct {
	EscrowID string
	OpenOnly bool
}

func (r *Repository) List(ctx context.Context, filters Filters) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM disputes WHERE 1=1`
	args := []any{}
	if filters.EscrowID != "" {
		args = append(args, filters.EscrowID)
		query += fmt.Sprintf(" AND escrow_transaction_id = $%d", len(args))
	}
	if filters.OpenOnly {
		query += " AND status <> 'resolved'"
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.InitiatorID,
		&rec.Reason,
		&rec.Description,
		&rec.Status,
		&rec.AssessmentVerdict,
		&rec.AssessmentDetails,
		&rec.Resolution,
		&rec.ResolvedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
}
