// Package keeper runs the background callers a deployment needs: a sweeper
// that polls every deal with a running timeout, and a relay that drains the
// transactional outbox.
package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/service"
)

// DefaultCaller is the account the keeper polls as.
var DefaultCaller = common.BytesToAddress(crypto.Keccak256([]byte("sharerepo/keeper")))

// Poller is the slice of service.Service the keeper drives.
type Poller interface {
	PollingDeals() []ledger.Address
	Poll(ctx context.Context, c service.Call, addr ledger.Address) (service.Result, error)
}

type Config struct {
	Service      Poller
	Caller       ledger.Address
	Interval     time.Duration
	Workers      int
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

type Keeper struct {
	svc      Poller
	caller   ledger.Address
	interval time.Duration
	workers  int
	logger   *slog.Logger
	metrics  *keeperMetrics
}

func New(cfg Config) *Keeper {
	k := &Keeper{
		svc:      cfg.Service,
		caller:   cfg.Caller,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
	}
	if k.caller == ledger.ZeroAddress {
		k.caller = DefaultCaller
	}
	if k.interval <= 0 {
		k.interval = 30 * time.Second
	}
	if k.workers <= 0 {
		k.workers = 1
	}
	if k.logger == nil {
		k.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PromRegistry != nil {
		k.metrics = newKeeperMetrics(cfg.PromRegistry)
	}
	return k
}

// Tick polls every deal that currently has a running timeout and returns the
// number of deals that changed state. A failed poll is logged and does not
// stop the sweep.
func (k *Keeper) Tick(ctx context.Context) (int, error) {
	addrs := k.svc.PollingDeals()
	results := make([]bool, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.workers)
	for i, addr := range addrs {
		g.Go(func() error {
			res, err := k.svc.Poll(gctx, service.Call{Caller: k.caller}, addr)
			switch {
			case err == nil:
				results[i] = res.OK
				k.count(res.OK)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case errors.Is(err, deal.ErrWrongPhase), errors.Is(err, ledger.ErrNoContract):
				// moved on since the scan
				k.count(false)
			default:
				k.logger.Warn(
					"poll failed",
					"component", "keeper",
					"deal", addr.Hex(),
					"err", err,
				)
				if k.metrics != nil {
					k.metrics.polls.WithLabelValues("error").Inc()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	transitions := 0
	for _, ok := range results {
		if ok {
			transitions++
		}
	}
	if k.metrics != nil {
		k.metrics.ticks.Inc()
	}
	if transitions > 0 {
		k.logger.Info(
			"keeper sweep",
			"component", "keeper",
			"polled", len(addrs),
			"transitions", transitions,
		)
	}
	return transitions, nil
}

func (k *Keeper) count(transition bool) {
	if k.metrics == nil {
		return
	}
	if transition {
		k.metrics.polls.WithLabelValues("transition").Inc()
	} else {
		k.metrics.polls.WithLabelValues("idle").Inc()
	}
}

// Run sweeps every interval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}
