package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func pick(ids []string) string {
	return ids[rand.Intn(len(ids))]
}

// isConstraintBug reports integrity violations other than the duplicates the
// actors deliberately provoke. Chaos-terminated statements are not bugs and
// must not kill the actor.
func isConstraintBug(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") && pgErr.Code != "23505"
}

// cas performs a compare-and-set status update with the timeline event and
// outbox message in the same transaction, mirroring the service path. Misses
// and transient statement failures are silent; they are the expected outcome
// under contention and chaos.
func cas(ctx context.Context, pool *pgxpool.Pool, escrowID string, from []string, to, event, topic string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE escrow_transactions
	                          SET status = $2::escrow_status, updated_at = NOW()
	                          WHERE id = $1 AND status = ANY($3::escrow_status[])`, escrowID, to, from)
	if err != nil || tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `INSERT INTO timeline_events (escrow_transaction_id, type, payload)
	                           VALUES ($1, $2, '{}'::jsonb)`, escrowID, event); err != nil {
		return nil
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
	                           VALUES ($1, jsonb_build_object('escrow_id', $2::text, 'status', $3::text))`, topic, escrowID, to); err != nil {
		return nil
	}
	_ = tx.Commit(ctx)
	return nil
}

// Funder races to move INITIATED escrows to FUNDED, recording a funding
// reference. Against Canceller, exactly one of the two transitions wins.
func Funder(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := pick(escrowIDs)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE escrow_transactions
		                          SET status = 'FUNDED', funding_reference = $2, updated_at = NOW()
		                          WHERE id = $1 AND status = 'INITIATED'`, id, fmt.Sprintf("0xfund%d", rand.Int63()))
		if err == nil && tag.RowsAffected() == 1 {
			_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_transaction_id, type, payload) VALUES ($1, 'ESCROW_FUNDED', '{}'::jsonb)`, id)
			_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.funded', jsonb_build_object('escrow_id', $1::text))`, id)
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Canceller races Funder for INITIATED escrows.
func Canceller(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := cas(ctx, pool, pick(escrowIDs), []string{"INITIATED"}, "CANCELLED", "ESCROW_CANCELLED", "escrow.cancelled"); err != nil {
			return fmt.Errorf("canceller: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Starter acknowledges FUNDED escrows into IN_PROGRESS.
func Starter(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := cas(ctx, pool, pick(escrowIDs), []string{"FUNDED"}, "IN_PROGRESS", "WORK_STARTED", "escrow.started"); err != nil {
			return fmt.Errorf("starter: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// ProofWriter appends evidence under the escrow row lock and flips the first
// submission to EVIDENCE_SUBMITTED.
func ProofWriter(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := pick(escrowIDs)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err == nil && (status == "IN_PROGRESS" || status == "EVIDENCE_SUBMITTED") {
			_, err = tx.Exec(ctx, `INSERT INTO proofs (escrow_transaction_id, submitted_by, proof_type, description)
			                       VALUES ($1, $2, 'delivery', 'stress proof')`, id, sellerID)
			if err == nil {
				if status == "IN_PROGRESS" {
					_, _ = tx.Exec(ctx, `UPDATE escrow_transactions SET status = 'EVIDENCE_SUBMITTED', updated_at = NOW() WHERE id = $1`, id)
				}
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_transaction_id, type, payload) VALUES ($1, 'PROOF_SUBMITTED', '{}'::jsonb)`, id)
				_ = tx.Commit(ctx)
				time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
				continue
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Completer releases working escrows to COMPLETED, racing Disputer for the
// same rows.
func Completer(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := cas(ctx, pool, pick(escrowIDs), []string{"IN_PROGRESS", "EVIDENCE_SUBMITTED"}, "COMPLETED", "ESCROW_COMPLETED", "escrow.completed"); err != nil {
			return fmt.Errorf("completer: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer freezes active escrows in DISPUTED, inserting the dispute row and
// the status flip in one transaction under the escrow row lock.
func Disputer(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := pick(escrowIDs)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err == nil && (status == "FUNDED" || status == "IN_PROGRESS" || status == "EVIDENCE_SUBMITTED") {
			_, err = tx.Exec(ctx, `INSERT INTO disputes (escrow_transaction_id, initiator_id, reason)
			                       VALUES ($1, $2, 'stress dispute')`, id, buyerID)
			if err == nil {
				_, _ = tx.Exec(ctx, `UPDATE escrow_transactions SET status = 'DISPUTED', updated_at = NOW() WHERE id = $1`, id)
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_transaction_id, type, payload) VALUES ($1, 'DISPUTE_OPENED', '{}'::jsonb)`, id)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.disputed', jsonb_build_object('escrow_id', $1::text))`, id)
				_ = tx.Commit(ctx)
				time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
				continue
			}
			if isConstraintBug(err) {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("disputer insert: %w", err)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Resolver closes open disputes. It locks the escrow row first and the
// dispute row second, the same order every service path uses.
func Resolver(ctx context.Context, pool *pgxpool.Pool, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var dispID, escrowID string
		err := pool.QueryRow(ctx, `SELECT id, escrow_transaction_id FROM disputes WHERE status <> 'resolved' LIMIT 1`).Scan(&dispID, &escrowID)
		if err != nil {
			// no open dispute right now, or a transient failure; retry
			time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
			continue
		}

		outcome := "COMPLETED"
		resolution := "release"
		if rand.Intn(2) == 0 {
			outcome = "REFUNDED"
			resolution = "refund"
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var escrowStatus string
		err = tx.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE id = $1 FOR UPDATE`, escrowID).Scan(&escrowStatus)
		if err == nil && escrowStatus == "DISPUTED" {
			var open bool
			err = tx.QueryRow(ctx, `SELECT status <> 'resolved' FROM disputes WHERE id = $1 FOR UPDATE`, dispID).Scan(&open)
			if err == nil && open {
				_, _ = tx.Exec(ctx, `UPDATE escrow_transactions SET status = $2::escrow_status, updated_at = NOW() WHERE id = $1`, escrowID, outcome)
				_, _ = tx.Exec(ctx, `UPDATE disputes SET status = 'resolved', resolution = $2, resolved_by = $3, resolved_at = NOW(), updated_at = NOW() WHERE id = $1`, dispID, resolution, arbiterID)
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_transaction_id, type, payload) VALUES ($1, 'DISPUTE_RESOLVED', '{}'::jsonb)`, escrowID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.resolved', jsonb_build_object('escrow_id', $1::text))`, escrowID)
				_ = tx.Commit(ctx)
				time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
				continue
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

// Rater records ratings on resolved escrows. Duplicate attempts per rater
// are expected and absorbed by the unique constraint.
func Rater(ctx context.Context, pool *pgxpool.Pool, escrowIDs []string, buyerID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := pick(escrowIDs)
		rater, rated := buyerID, sellerID
		if rand.Intn(2) == 0 {
			rater, rated = sellerID, buyerID
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err == nil && (status == "COMPLETED" || status == "REFUNDED" || status == "REVERSED") {
			_, err = tx.Exec(ctx, `INSERT INTO ratings (escrow_transaction_id, rater_id, rated_user_id, score)
			                       VALUES ($1, $2, $3, $4)`, id, rater, rated, 1+rand.Intn(5))
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_transaction_id, type, payload) VALUES ($1, 'PARTY_RATED', '{}'::jsonb)`, id)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.rated', jsonb_build_object('escrow_id', $1::text))`, id)
				_ = tx.Commit(ctx)
				time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
				continue
			}
			if isConstraintBug(err) {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("rater insert: %w", err)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox messages with SKIP LOCKED, marking them
// processed or bumping attempts on simulated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random publish failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
