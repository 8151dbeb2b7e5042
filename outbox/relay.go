package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	defaultInterval    = 2 * time.Second
	defaultBatchSize   = 25
	defaultMaxAttempts = 5
)

// Publisher delivers a message to the downstream transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher writes messages to the structured log. It stands in for a
// broker in development and keeps the relay exercised end to end.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	p.Log.Info().
		Str("topic", msg.Topic).
		RawJSON("payload", json.RawMessage(msg.Payload)).
		Msg("outbox message published")
	return nil
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay drains the outbox table and hands messages to the publisher. A
// message that keeps failing past the attempt budget is marked dead rather
// than blocking the queue.
type Relay struct {
	pool      TxBeginner
	store     Store
	publisher Publisher

	log         zerolog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher) *Relay {
	if store == nil {
		store = NewStore()
	}
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		log:         zerolog.Nop(),
		interval:    defaultInterval,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
}

func (r *Relay) WithLogger(log zerolog.Logger) *Relay {
	r.log = log
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Run drains the outbox on a fixed interval until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// DrainOnce claims one batch of pending messages, publishes each, and
// records the outcome. It returns how many messages were published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := r.store.LockPending(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range batch {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			dead := msg.Attempts+1 >= r.maxAttempts
			if markErr := r.store.MarkFailed(ctx, tx, msg.ID, dead); markErr != nil {
				return published, markErr
			}
			if dead {
				r.log.Error().Err(err).Str("outbox_id", msg.ID).Str("topic", msg.Topic).Msg("outbox message dead")
			} else {
				r.log.Warn().Err(err).Str("outbox_id", msg.ID).Str("topic", msg.Topic).Msg("outbox publish failed")
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return published, err
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return published, nil
}
