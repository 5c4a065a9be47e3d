package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"sharerepo/event"
)

// Address identifies an account or a contract instance on the ledger.
type Address = common.Address

// ZeroAddress is never a valid call target.
var ZeroAddress Address

// Contract is a stateful object living at a ledger address.
type Contract interface {
	Address() Address
}

// Receiver is implemented by contracts that accept value through Send.
type Receiver interface {
	Contract
	Receive(tx *Tx) error
}

// Msg describes one externally admitted call.
type Msg struct {
	From  Address
	To    Address
	Value decimal.Decimal
	// Time is the caller-supplied clock reading for the call. It must not be
	// earlier than the time of the previously admitted call. A zero Time is
	// stamped by the ledger's Clock when one is configured.
	Time time.Time
}

// Receipt summarizes a committed call.
type Receipt struct {
	Seq    uint64
	Time   time.Time
	Events []event.Event
}

type Config struct {
	Bus          *event.Bus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// Clock stamps calls admitted without a time. Readings earlier than the
	// ledger clock are raised to it.
	Clock func() time.Time
}

// Ledger is the shared state every deal and registry instance lives on. Calls
// are admitted one at a time; each either commits fully or leaves no trace.
type Ledger struct {
	mu        sync.Mutex
	balances  map[Address]decimal.Decimal
	contracts map[Address]Contract
	destroyed map[Address]struct{}
	nonces    map[Address]uint64
	clock     time.Time
	seq       uint64
	now       func() time.Time

	bus     *event.Bus
	logger  *slog.Logger
	metrics *ledgerMetrics
}

func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	l := &Ledger{
		balances:  make(map[Address]decimal.Decimal),
		contracts: make(map[Address]Contract),
		destroyed: make(map[Address]struct{}),
		nonces:    make(map[Address]uint64),
		now:       cfg.Clock,
		bus:       cfg.Bus,
		logger:    logger,
	}
	if cfg.PromRegistry != nil {
		l.metrics = newLedgerMetrics(cfg.PromRegistry)
	}
	return l
}

// Execute runs fn as a single atomic call from msg.From. A non-zero msg.Value
// is moved to msg.To before fn runs; contracts only take value through Send,
// so a contract target fails with ErrNotPayable. Any error returned by fn
// reverts every mutation made during the call.
func (l *Ledger) Execute(ctx context.Context, msg Msg, fn func(tx *Tx) error) (Receipt, error) {
	return l.execute(ctx, msg, func(tx *Tx) error {
		if !msg.Value.IsZero() {
			if l.isContractAddr(msg.To) {
				return fmt.Errorf("%w: %s outside send", ErrNotPayable, msg.To.Hex())
			}
			if err := tx.Transfer(msg.From, msg.To, msg.Value); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

// Send moves msg.Value from msg.From to msg.To. When msg.To is a contract its
// receive handler runs inside the same call and may reject the transfer.
func (l *Ledger) Send(ctx context.Context, msg Msg) (Receipt, error) {
	return l.execute(ctx, msg, func(tx *Tx) error {
		if _, gone := l.destroyed[msg.To]; gone {
			return fmt.Errorf("%w: %s", ErrNoContract, msg.To.Hex())
		}
		if err := tx.Transfer(msg.From, msg.To, msg.Value); err != nil {
			return err
		}
		c, ok := l.contracts[msg.To]
		if !ok {
			return nil
		}
		r, ok := c.(Receiver)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotPayable, msg.To.Hex())
		}
		return r.Receive(tx)
	})
}

// Constructor builds a contract at its derived address. The frame's caller is
// the deploying account.
type Constructor func(tx *Tx, self Address) (Contract, error)

// Deploy creates a contract at an address derived from the deployer and its
// deployment nonce. msg.To is ignored. Deployments carry no value.
func (l *Ledger) Deploy(ctx context.Context, msg Msg, ctor Constructor) (Address, Receipt, error) {
	if !msg.Value.IsZero() {
		return ZeroAddress, Receipt{}, fmt.Errorf("%w: deployment with value %s", ErrNotPayable, msg.Value)
	}
	var addr Address
	rcpt, err := l.execute(ctx, msg, func(tx *Tx) error {
		var err error
		addr, err = tx.Deploy(ctor)
		return err
	})
	if err != nil {
		return ZeroAddress, Receipt{}, err
	}
	return addr, rcpt, nil
}

// View runs fn under the ledger lock and always discards its effects.
func (l *Ledger) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.begin(Msg{Time: l.clock})
	defer tx.revert()
	return l.run(tx, fn)
}

// Credit mints amount into addr outside of any call. It exists for genesis
// allocations and development faucets.
func (l *Ledger) Credit(addr Address, amount decimal.Decimal) error {
	if addr == ZeroAddress {
		return ErrInvalidAddress
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = l.balanceOf(addr).Add(amount)
	return nil
}

func (l *Ledger) BalanceOf(addr Address) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceOf(addr)
}

// Clock returns the time of the last committed call.
func (l *Ledger) Clock() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

// Addresses lists the live contracts accepted by match.
func (l *Ledger) Addresses(match func(Contract) bool) []Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Address, 0, len(l.contracts))
	for addr, c := range l.contracts {
		if match == nil || match(c) {
			out = append(out, addr)
		}
	}
	return out
}

// isContractAddr reports whether addr holds, or once held, a contract.
func (l *Ledger) isContractAddr(addr Address) bool {
	if _, ok := l.contracts[addr]; ok {
		return true
	}
	_, gone := l.destroyed[addr]
	return gone
}

func (l *Ledger) balanceOf(addr Address) decimal.Decimal {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return decimal.Zero
}

func (l *Ledger) execute(ctx context.Context, msg Msg, fn func(tx *Tx) error) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if msg.From == ZeroAddress {
		return Receipt{}, fmt.Errorf("%w: caller", ErrInvalidAddress)
	}
	if msg.Value.IsNegative() {
		return Receipt{}, fmt.Errorf("%w: %s", ErrInvalidAmount, msg.Value)
	}

	l.mu.Lock()
	if msg.Time.IsZero() && l.now != nil {
		msg.Time = l.now()
		if msg.Time.Before(l.clock) {
			msg.Time = l.clock
		}
	}
	if msg.Time.Before(l.clock) {
		clock := l.clock
		l.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: %s < %s", ErrClockRegression, msg.Time.Format(time.RFC3339), clock.Format(time.RFC3339))
	}
	tx := l.begin(msg)
	if err := l.run(tx, fn); err != nil {
		tx.revert()
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.calls.WithLabelValues("revert").Inc()
		}
		l.logger.Debug(
			"call reverted",
			"component", "ledger",
			"from", msg.From.Hex(),
			"to", msg.To.Hex(),
			"err", err,
		)
		return Receipt{}, err
	}
	l.clock = msg.Time
	l.seq++
	rcpt := Receipt{
		Seq:    l.seq,
		Time:   msg.Time,
		Events: tx.j.events,
	}
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.calls.WithLabelValues("commit").Inc()
		l.metrics.seq.Set(float64(rcpt.Seq))
	}
	for _, evt := range rcpt.Events {
		l.bus.Publish(evt.Type, evt)
	}
	return rcpt, nil
}

func (l *Ledger) begin(msg Msg) *Tx {
	return &Tx{
		l:      l,
		caller: msg.From,
		origin: msg.From,
		value:  msg.Value,
		now:    msg.Time,
		j:      &journal{},
	}
}

func (l *Ledger) run(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCallPanicked, r)
		}
	}()
	return fn(tx)
}
