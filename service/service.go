package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/store"
)

var (
	// ErrPersistenceDisabled is returned by reads that need the database when
	// the service runs without one.
	ErrPersistenceDisabled = errors.New("service: persistence disabled")

	// errReplay aborts a ledger call whose idempotency key was already used.
	errReplay = errors.New("service: idempotent replay")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	CompleteIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, result []byte) error
	IdempotentResult(ctx context.Context, tx pgx.Tx, key string) ([]byte, error)
	SaveDeal(ctx context.Context, tx pgx.Tx, seq uint64, info deal.Info) error
	MarkDealDestroyed(ctx context.Context, tx pgx.Tx, seq uint64, addr ledger.Address, at time.Time) error
	SaveToken(ctx context.Context, tx pgx.Tx, seq uint64, reg ledger.Address, tok registry.Token) error
	MarkTokenBurned(ctx context.Context, tx pgx.Tx, seq uint64, reg ledger.Address, id registry.TokenID, at time.Time) error
	RecordEvents(ctx context.Context, tx pgx.Tx, params store.RecordEventsParams) error
	ListDeals(ctx context.Context, tx pgx.Tx, f store.DealFilter) ([]deal.Info, error)
	Timeline(ctx context.Context, tx pgx.Tx, subject string, limit int) ([]store.TimelineEvent, error)
}

type Config struct {
	Ledger *ledger.Ledger
	// Pool is optional. Without it calls only touch the ledger and
	// idempotency keys are ignored.
	Pool   TxBeginner
	Repo   Repository
	Logger *slog.Logger
}

// Call identifies who is acting and, optionally, the client's idempotency key.
type Call struct {
	Caller         ledger.Address
	IdempotencyKey string
}

// Result is returned by every state-changing operation. Replays of an
// idempotency key return the stored Result with Replayed set.
type Result struct {
	Seq      uint64         `json:"seq"`
	Time     time.Time      `json:"time"`
	Address  ledger.Address `json:"address"`
	OK       bool           `json:"ok"`
	Replayed bool           `json:"replayed"`
}

type Service struct {
	ledger *ledger.Ledger
	pool   TxBeginner
	repo   Repository
	logger *slog.Logger
}

func New(cfg Config) *Service {
	l := cfg.Ledger
	if l == nil {
		l = ledger.New(ledger.Config{Logger: cfg.Logger, Clock: time.Now})
	}
	repo := cfg.Repo
	if repo == nil {
		repo = store.NewRepository()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		ledger: l,
		pool:   cfg.Pool,
		repo:   repo,
		logger: logger,
	}
}

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Persistent reports whether calls are mirrored to the database.
func (s *Service) Persistent() bool { return s.pool != nil }

// op is one ledger operation. It records what it touched in ch and fills the
// operation-specific fields of res.
type op func(tx *ledger.Tx, ch *changes, res *Result) error

// run executes fn as one ledger call. When persistence is enabled the
// database writes happen inside the same call, so a failed write reverts the
// ledger and a committed call is always on record.
func (s *Service) run(ctx context.Context, name string, c Call, fn op) (Result, error) {
	var res Result
	rcpt, err := s.ledger.Execute(ctx, ledger.Msg{From: c.Caller}, func(tx *ledger.Tx) error {
		if s.pool == nil {
			ch := newChanges()
			return fn(tx, ch, &res)
		}
		return s.inStore(ctx, c, tx, fn, &res)
	})
	if errors.Is(err, errReplay) {
		return s.replay(ctx, c.IdempotencyKey)
	}
	if err != nil {
		return Result{}, err
	}
	res.Seq, res.Time = rcpt.Seq, rcpt.Time
	s.logger.Info(
		"call committed",
		"component", "service",
		"op", name,
		"caller", c.Caller.Hex(),
		"seq", res.Seq,
	)
	return res, nil
}

func (s *Service) inStore(ctx context.Context, c Call, tx *ledger.Tx, fn op, res *Result) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("service: begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if c.IdempotencyKey != "" {
		if err := s.repo.InsertIdempotencyKey(ctx, pgtx, c.IdempotencyKey); err != nil {
			if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
				return errReplay
			}
			return err
		}
	}

	ch := newChanges()
	if err := fn(tx, ch, res); err != nil {
		return err
	}
	res.Seq, res.Time = tx.Seq(), tx.Now()

	if err := s.persist(ctx, pgtx, tx, ch); err != nil {
		return err
	}

	if c.IdempotencyKey != "" {
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("service: marshal result: %w", err)
		}
		if err := s.repo.CompleteIdempotencyKey(ctx, pgtx, c.IdempotencyKey, payload); err != nil {
			return err
		}
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("service: commit tx: %w", err)
	}
	return nil
}

// persist writes the snapshots of everything the call touched plus its events.
func (s *Service) persist(ctx context.Context, pgtx pgx.Tx, tx *ledger.Tx, ch *changes) error {
	subjects := ch.collect(tx.Events())
	seq, now := tx.Seq(), tx.Now()

	for _, addr := range ch.deals {
		d, err := deal.At(tx, addr)
		if errors.Is(err, ledger.ErrNoContract) {
			if err := s.repo.MarkDealDestroyed(ctx, pgtx, seq, addr, now); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.repo.SaveDeal(ctx, pgtx, seq, d.Info(tx)); err != nil {
			return err
		}
	}

	for _, k := range ch.tokens {
		r, err := registry.At(tx, k.registry)
		if err != nil {
			return err
		}
		tok, err := r.Token(k.id)
		if errors.Is(err, registry.ErrTokenNotFound) {
			if err := s.repo.MarkTokenBurned(ctx, pgtx, seq, k.registry, k.id, now); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.repo.SaveToken(ctx, pgtx, seq, k.registry, tok); err != nil {
			return err
		}
	}

	return s.repo.RecordEvents(ctx, pgtx, store.RecordEventsParams{
		Seq:    seq,
		Actor:  tx.Caller(),
		Events: subjects,
	})
}

func (s *Service) replay(ctx context.Context, key string) (Result, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("service: begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	payload, err := s.repo.IdempotentResult(ctx, pgtx, key)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return Result{}, fmt.Errorf("service: decode stored result: %w", err)
		}
	}
	res.Replayed = true
	s.logger.Debug("idempotent replay", "component", "service", "key", key, "seq", res.Seq)
	return res, nil
}
