package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// funders, starters and completers racing over the same escrows
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Funder(ctx2, pool, seedData.escrowIDs, stop) })
		g.Go(func() error { return actors.Starter(ctx2, pool, seedData.escrowIDs, stop) })
		g.Go(func() error { return actors.Completer(ctx2, pool, seedData.escrowIDs, stop) })
	}

	// canceller races funders for INITIATED rows
	g.Go(func() error { return actors.Canceller(ctx2, pool, seedData.escrowIDs, stop) })
	// seller keeps appending evidence
	g.Go(func() error {
		return actors.ProofWriter(ctx2, pool, seedData.escrowIDs, seedData.sellerID, stop)
	})
	// buyer freezes active escrows
	g.Go(func() error {
		return actors.Disputer(ctx2, pool, seedData.escrowIDs, seedData.buyerID, stop)
	})
	// arbiter closes whatever the disputer froze
	g.Go(func() error { return actors.Resolver(ctx2, pool, seedData.arbiterID, stop) })
	// both parties rate settled escrows
	g.Go(func() error {
		return actors.Rater(ctx2, pool, seedData.escrowIDs, seedData.buyerID, seedData.sellerID, stop)
	})
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	buyerID   string
	sellerID  string
	arbiterID string
	escrowIDs []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	users := []struct {
		dst  *string
		name string
		role string
	}{
		{&s.buyerID, "Stress Buyer", "trader"},
		{&s.sellerID, "Stress Seller", "trader"},
		{&s.arbiterID, "Stress Arbiter", "arbiter"},
	}
	for _, u := range users {
		if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,$2,$3) RETURNING id`,
			fmt.Sprintf("u%d@example.com", rand.Int63()), u.name, u.role).Scan(u.dst); err != nil {
			t.Fatalf("seed user %s: %v", u.name, err)
		}
	}
	// a shared pool of INITIATED escrows for the actors to fight over;
	// escrow_transactions.id has no default, the service normally generates it
	count := 8 * *flConcurrency
	for i := 0; i < count; i++ {
		var id string
		if err := pool.QueryRow(ctx, `INSERT INTO escrow_transactions (id, buyer_id, seller_id, amount, token_symbol, chain, description)
		                              VALUES (gen_random_uuid(), $1, $2, '250.00', 'USDC', 'ethereum', 'stress escrow') RETURNING id`,
			s.buyerID, s.sellerID).Scan(&id); err != nil {
			t.Fatalf("seed escrow %d: %v", i, err)
		}
		s.escrowIDs = append(s.escrowIDs, id)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_transactions", `SELECT id, status, funding_reference, updated_at FROM escrow_transactions ORDER BY updated_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, escrow_transaction_id, seq, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"disputes", `SELECT id, escrow_transaction_id, status, resolution, created_at FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
