package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"sharerepo/event"
	"sharerepo/service"
	"sharerepo/store"
)

// OutboxStore is the outbox half of store.Repository.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]store.OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkOutboxFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error
}

// Publisher delivers one outbox message downstream.
type Publisher interface {
	Publish(ctx context.Context, msg store.OutboxMessage) error
}

// BusPublisher republishes outbox messages on an event bus under
// "outbox.<topic>", with the raw JSON payload as data.
type BusPublisher struct {
	Bus *event.Bus
}

func (p BusPublisher) Publish(_ context.Context, msg store.OutboxMessage) error {
	if !json.Valid(msg.Payload) {
		return fmt.Errorf("keeper: outbox message %s has invalid payload", msg.ID)
	}
	p.Bus.Publish(event.Type("outbox."+msg.Topic), event.New(event.Type("outbox."+msg.Topic), msg.CreatedAt, json.RawMessage(msg.Payload)))
	return nil
}

type RelayConfig struct {
	Pool         service.TxBeginner
	Store        OutboxStore
	Publisher    Publisher
	Batch        int
	MaxAttempts  int
	Interval     time.Duration
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// Relay moves committed outbox rows to a Publisher. Rows are claimed with
// SKIP LOCKED so several relays can share one database.
type Relay struct {
	pool        service.TxBeginner
	store       OutboxStore
	pub         Publisher
	batch       int
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
	metrics     *relayMetrics
}

func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		pool:        cfg.Pool,
		store:       cfg.Store,
		pub:         cfg.Publisher,
		batch:       cfg.Batch,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		logger:      cfg.Logger,
	}
	if r.store == nil {
		r.store = store.NewRepository()
	}
	if r.batch <= 0 {
		r.batch = 100
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PromRegistry != nil {
		r.metrics = newRelayMetrics(cfg.PromRegistry)
	}
	return r
}

// Drain delivers one batch and returns how many messages were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("keeper: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.ClaimOutbox(ctx, tx, r.batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.pub.Publish(ctx, msg); err != nil {
			r.logger.Warn(
				"outbox delivery failed",
				"component", "outbox",
				"id", msg.ID,
				"topic", msg.Topic,
				"attempts", msg.Attempts+1,
				"err", err,
			)
			if err := r.store.MarkOutboxFailed(ctx, tx, msg.ID, r.maxAttempts); err != nil {
				return 0, err
			}
			r.observe("failed")
			continue
		}
		if err := r.store.MarkOutboxProcessed(ctx, tx, msg.ID); err != nil {
			return 0, err
		}
		r.observe("delivered")
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("keeper: commit tx: %w", err)
	}
	return delivered, nil
}

func (r *Relay) observe(result string) {
	if r.metrics != nil {
		r.metrics.messages.WithLabelValues(result).Inc()
	}
}

// Run drains every interval until ctx is done. Drain errors are logged and
// retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox drain failed", "component", "outbox", "err", err)
			}
		}
	}
}
