// Package chaos injects database faults while a stress run is in flight.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Fault is one kind of damage the monkey can do.
type Fault int

const (
	// KillBackend terminates a random session of the current database.
	KillBackend Fault = iota
	// StallDeals holds an exclusive lock on the deals table for a while, so
	// snapshot writes queue up behind it.
	StallDeals
)

func (f Fault) String() string {
	switch f {
	case KillBackend:
		return "kill_backend"
	case StallDeals:
		return "stall_deals"
	default:
		return "unknown"
	}
}

func (f Fault) known() bool { return f == KillBackend || f == StallDeals }

type Config struct {
	Pool   *pgxpool.Pool
	Faults []Fault
	// Every tick one fault is drawn with probability 1/Odds.
	Interval time.Duration
	Odds     int
	Stall    time.Duration
	Seed     int64
}

type Monkey struct {
	cfg      Config
	rng      *rand.Rand
	injected [2]atomic.Int64
}

func New(cfg Config) *Monkey {
	if len(cfg.Faults) == 0 {
		cfg.Faults = []Fault{KillBackend}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Odds <= 0 {
		cfg.Odds = 5
	}
	if cfg.Stall <= 0 {
		cfg.Stall = 300 * time.Millisecond
	}
	return &Monkey{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Run injects faults until ctx ends. Fault errors are ignored; the session
// doing the damage may itself be killed.
func (m *Monkey) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.rng.Intn(m.cfg.Odds) != 0 {
				continue
			}
			f := m.cfg.Faults[m.rng.Intn(len(m.cfg.Faults))]
			if m.inject(ctx, f) == nil && f.known() {
				m.injected[f].Add(1)
			}
		}
	}
}

// Injected reports how many faults of kind f landed.
func (m *Monkey) Injected(f Fault) int64 {
	if !f.known() {
		return 0
	}
	return m.injected[f].Load()
}

func (m *Monkey) inject(ctx context.Context, f Fault) error {
	switch f {
	case KillBackend:
		_, err := m.cfg.Pool.Exec(ctx, `
SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid()
ORDER BY random() LIMIT 1`)
		return err
	case StallDeals:
		tx, err := m.cfg.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if _, err := tx.Exec(ctx, `LOCK TABLE deals IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_sleep($1)`, m.cfg.Stall.Seconds()); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
	return nil
}
