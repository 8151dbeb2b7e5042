package proof

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides access to the proof ledger. Inserts run inside the
// caller's transaction; there is no update or delete path.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO proofs (escrow_transaction_id, submitted_by, proof_type, description, file_reference)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, escrow_transaction_id, submitted_by, proof_type, description, file_reference, created_at
	`

	row := tx.QueryRow(ctx, query, rec.EscrowID, rec.SubmittedBy, rec.ProofType, rec.Description, rec.FileReference)
	created, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("proof: insert: %w", err)
	}
	return created, nil
}

// ListByTransaction returns all proofs for a transaction ordered by
// submission time. Party visibility is enforced by the caller.
func (r *Repository) ListByTransaction(ctx context.Context, escrowID string) ([]Record, error) {
	const query = `
		SELECT id, escrow_transaction_id, submitted_by, proof_type, description, file_reference, created_at
		FROM proofs
		WHERE escrow_transaction_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("proof: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("proof: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proof: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.SubmittedBy,
		&rec.ProofType,
		&rec.Description,
		&rec.FileReference,
		&rec.CreatedAt,
	)
}
