package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access required by the escrow service. Write
// methods run inside the caller's transaction so a status change, its
// timeline event, and its outbox message commit atomically.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key, escrowID string) error
	GetByIdempotencyKey(ctx context.Context, key string) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	UpdateWithExpectedStatus(ctx context.Context, tx pgx.Tx, id string, expected []Status, upd StatusUpdate) (Transaction, error)
	ListByParty(ctx context.Context, filters ListFilters) ([]Transaction, int, error)
	ListExpiredForUpdate(ctx context.Context, tx pgx.Tx, asOf time.Time, limit int) ([]Transaction, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error
	ListTimeline(ctx context.Context, escrowID string) ([]TimelineEvent, error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// StatusUpdate describes the mutation applied by a compare-and-swap
// transition. FundingReference is written only when non-nil.
type StatusUpdate struct {
	To               Status
	FundingReference *string
}

// ListFilters narrows and pages party-scoped listings.
type ListFilters struct {
	PartyID  string
	Status   Status
	Page     int
	PageSize int
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const txColumns = `id, buyer_id, seller_id, amount, token_symbol, chain, description, status::text, funding_reference, expires_at, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	const query = `
		INSERT INTO escrow_transactions (id, buyer_id, seller_id, amount, token_symbol, chain, description, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::escrow_status, $9)
		RETURNING ` + txColumns

	row := tx.QueryRow(ctx, query,
		t.ID,
		t.BuyerID,
		t.SellerID,
		t.Amount,
		t.TokenSymbol,
		t.Chain,
		t.Description,
		t.Status,
		t.ExpiresAt,
	)
	created, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return created, nil
}

// InsertIdempotencyKey attempts to reserve the key inside the active
// transaction so a retried create cannot produce a second record.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key, escrowID string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency_keys (key, escrow_transaction_id) VALUES ($1, $2)`, key, escrowID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}

	return nil
}

func (r *PGRepository) GetByIdempotencyKey(ctx context.Context, key string) (Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM escrow_transactions
		WHERE id = (SELECT escrow_transaction_id FROM idempotency_keys WHERE key = $1)
	`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get by idempotency key: %w", err)
	}
	return t, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE id = $1 FOR UPDATE`

	t, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return t, nil
}

// UpdateWithExpectedStatus performs the compare-and-swap at the heart of the
// lifecycle: the row moves to upd.To only if its current status is one of
// expected. A miss is re-read inside the same transaction to distinguish a
// missing row from a concurrent transition.
func (r *PGRepository) UpdateWithExpectedStatus(ctx context.Context, tx pgx.Tx, id string, expected []Status, upd StatusUpdate) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = $3::escrow_status,
		    funding_reference = COALESCE($4, funding_reference),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		  AND status = ANY($2::escrow_status[])
		RETURNING ` + txColumns

	t, err := scanTransaction(tx.QueryRow(ctx, query, id, statusStrings(expected), upd.To, upd.FundingReference))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("escrow: transition to %s: %w", upd.To, err)
	}

	var current string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: transition fetch: %w", err)
	}
	return Transaction{}, fmt.Errorf("escrow: transition to %s from %s: %w", upd.To, current, ErrInvalidState)
}

func (r *PGRepository) ListByParty(ctx context.Context, filters ListFilters) ([]Transaction, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := `WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{filters.PartyID}
	if filters.Status != "" {
		where += ` AND status = $2::escrow_status`
		args = append(args, filters.Status)
	}

	query := fmt.Sprintf(`SELECT %s FROM escrow_transactions %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		txColumns, where, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list by party: %w", err)
	}
	defer rows.Close()

	list := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escrow: scan list: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM escrow_transactions %s`, where)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count list: %w", err)
	}

	return list, total, nil
}

// ListExpiredForUpdate locks a batch of overdue INITIATED transactions for
// the sweeper. SKIP LOCKED keeps concurrent sweeps and live callers from
// blocking each other.
func (r *PGRepository) ListExpiredForUpdate(ctx context.Context, tx pgx.Tx, asOf time.Time, limit int) ([]Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM escrow_transactions
		WHERE status = 'INITIATED'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`

	rows, err := tx.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list expired: %w", err)
	}
	defer rows.Close()

	list := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan expired: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate expired: %w", err)
	}
	return list, nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const query = `
		INSERT INTO timeline_events (escrow_transaction_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)
	`
	if _, err := tx.Exec(ctx, query, escrowID, eventType, body, actor); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// ListTimeline returns a transaction's recorded events in sequence order.
func (r *PGRepository) ListTimeline(ctx context.Context, escrowID string) ([]TimelineEvent, error) {
	const query = `
		SELECT id, escrow_transaction_id, seq, type, actor_id, payload, created_at
		FROM timeline_events
		WHERE escrow_transaction_id = $1
		ORDER BY seq
	`

	rows, err := r.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list timeline: %w", err)
	}
	defer rows.Close()

	list := []TimelineEvent{}
	for rows.Next() {
		var e TimelineEvent
		if err := rows.Scan(&e.ID, &e.EscrowID, &e.Seq, &e.Type, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan timeline: %w", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate timeline: %w", err)
	}
	return list, nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, query, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	return t, row.Scan(
		&t.ID,
		&t.BuyerID,
		&t.SellerID,
		&t.Amount,
		&t.TokenSymbol,
		&t.Chain,
		&t.Description,
		&t.Status,
		&t.FundingReference,
		&t.ExpiresAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
