package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_dispute",
			SQL: `SELECT escrow_transaction_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY escrow_transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_dispute_escrow_linkage",
			SQL: `SELECT d.id::text AS detail FROM disputes d
                  JOIN escrow_transactions e ON e.id = d.escrow_transaction_id
                  WHERE d.status <> 'resolved' AND e.status <> 'DISPUTED'
                  UNION ALL
                  SELECT e.id::text FROM escrow_transactions e
                  WHERE e.status = 'DISPUTED'
                    AND NOT EXISTS (SELECT 1 FROM disputes d
                                    WHERE d.escrow_transaction_id = e.id
                                      AND d.status <> 'resolved')`,
		},
		{
			Name: "O3_timeline_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT escrow_transaction_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_transaction_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O4_timeline_worm_guard",
			SQL: `SELECT 'missing_worm_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='timeline_events_worm')`,
		},
		{
			Name: "O5_status_trail_present",
			SQL: `SELECT e.id FROM escrow_transactions e
                  WHERE e.status <> 'INITIATED'
                    AND NOT EXISTS (SELECT 1 FROM timeline_events t
                                    WHERE t.escrow_transaction_id = e.id)`,
		},
		{
			Name: "O6_funding_reference_present",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE status NOT IN ('INITIATED','CANCELLED')
                    AND funding_reference IS NULL`,
		},
		{
			Name: "O7_proof_submitter_is_party",
			SQL: `SELECT p.id FROM proofs p
                  JOIN escrow_transactions e ON e.id = p.escrow_transaction_id
                  WHERE p.submitted_by NOT IN (e.buyer_id, e.seller_id)`,
		},
		{
			Name: "O8_rating_on_settled_only",
			SQL: `SELECT r.id FROM ratings r
                  JOIN escrow_transactions e ON e.id = r.escrow_transaction_id
                  WHERE e.status NOT IN ('COMPLETED','REFUNDED','REVERSED')`,
		},
		{
			Name: "O9_rating_between_parties",
			SQL: `SELECT r.id FROM ratings r
                  JOIN escrow_transactions e ON e.id = r.escrow_transaction_id
                  WHERE NOT ((r.rater_id = e.buyer_id AND r.rated_user_id = e.seller_id)
                          OR (r.rater_id = e.seller_id AND r.rated_user_id = e.buyer_id))`,
		},
		{
			Name: "O10_resolved_dispute_complete",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved'
                    AND (resolution IS NULL OR resolved_by IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O11_outbox_drained",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
