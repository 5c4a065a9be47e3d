package deal

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sharerepo/event"
	"sharerepo/ledger"
	"sharerepo/registry"
)

// DefaultTimeoutPeriod bounds how long an opened phase waits before it can be
// resolved by PollTimeout.
const DefaultTimeoutPeriod = 24 * time.Hour

const (
	EventStateChanged      event.Type = "deal.state_changed"
	EventDestroying        event.Type = "deal.destroying"
	EventLenderTransferred event.Type = "deal.lender_transferred"
)

type StateChangedEvent struct {
	Deal     ledger.Address `json:"deal"`
	Previous State          `json:"previous"`
	State    State          `json:"state"`
}

type DestroyingEvent struct {
	Deal        ledger.Address  `json:"deal"`
	Beneficiary ledger.Address  `json:"beneficiary"`
	Balance     decimal.Decimal `json:"balance"`
}

type LenderTransferredEvent struct {
	Deal     ledger.Address `json:"deal"`
	Previous ledger.Address `json:"previous"`
	Lender   ledger.Address `json:"lender"`
}

// Collateral is the registry surface a deal depends on. It is resolved from
// the ledger on every use so a deal always sees the registry's live state.
type Collateral interface {
	ledger.Contract
	SupportsInterface(id registry.InterfaceID) bool
	OwnerOf(id registry.TokenID) (ledger.Address, error)
	GetApproved(id registry.TokenID) (ledger.Address, error)
	IsLockParticipating(id registry.TokenID) (bool, error)
	TransferCustody(tx *ledger.Tx, from, to ledger.Address, id registry.TokenID) error
	ReleaseRepoAuthority(tx *ledger.Tx, id registry.TokenID) error
}

// Params are the immutable terms fixed at deployment. The deploying account
// becomes both borrower and administrator.
type Params struct {
	Registry  ledger.Address
	Lender    ledger.Address
	TokenID   registry.TokenID
	Principal decimal.Decimal
	Fee       decimal.Decimal
	Cooldown  time.Duration
}

func (p Params) Validate() error {
	if p.Registry == ledger.ZeroAddress {
		return fmt.Errorf("%w: registry", ErrInvalidAddress)
	}
	if p.Lender == ledger.ZeroAddress {
		return fmt.Errorf("%w: lender", ErrInvalidAddress)
	}
	if !p.Principal.IsPositive() {
		return fmt.Errorf("%w: principal %s", ErrInvalidAmount, p.Principal)
	}
	if p.Fee.IsNegative() {
		return fmt.Errorf("%w: fee %s", ErrInvalidAmount, p.Fee)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown %s", ErrInvalidPeriod, p.Cooldown)
	}
	return nil
}

// Deal is one repo agreement: the borrower pledges a share token, the lender
// advances the principal, and the borrower later repays principal plus fee to
// recover the token.
type Deal struct {
	addr         ledger.Address
	admin        ledger.Address
	borrower     ledger.Address
	lender       ledger.Address
	registryAddr ledger.Address
	tokenID      registry.TokenID
	principal    decimal.Decimal
	repayment    decimal.Decimal
	cooldown     time.Duration
	timeout      time.Duration
	phaseClock   time.Time
	state        State
}

// Constructor deploys a deal. It fails unless the registry exposes both the
// token and repo-lock capabilities and the deployer currently owns the token.
func Constructor(p Params) ledger.Constructor {
	return func(tx *ledger.Tx, self ledger.Address) (ledger.Contract, error) {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		col, err := collateralAt(tx, p.Registry)
		if err != nil {
			return nil, err
		}
		owner, err := col.OwnerOf(p.TokenID)
		if err != nil {
			return nil, fmt.Errorf("deal: read collateral owner: %w", err)
		}
		if owner != tx.Caller() {
			return nil, fmt.Errorf("%w: token %d owned by %s", ErrNotCollateralOwner, p.TokenID, owner.Hex())
		}
		return &Deal{
			addr:         self,
			admin:        tx.Caller(),
			borrower:     tx.Caller(),
			lender:       p.Lender,
			registryAddr: p.Registry,
			tokenID:      p.TokenID,
			principal:    p.Principal,
			repayment:    p.Principal.Add(p.Fee),
			cooldown:     p.Cooldown,
			timeout:      DefaultTimeoutPeriod,
			state:        StateInit,
		}, nil
	}
}

// At resolves the live deal deployed at addr.
func At(tx *ledger.Tx, addr ledger.Address) (*Deal, error) {
	c, err := tx.Contract(addr)
	if err != nil {
		return nil, err
	}
	d, ok := c.(*Deal)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a deal", ledger.ErrNoContract, addr.Hex())
	}
	return d, nil
}

func collateralAt(tx *ledger.Tx, addr ledger.Address) (Collateral, error) {
	c, err := tx.Contract(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedCollateral, err)
	}
	col, ok := c.(Collateral)
	if !ok ||
		!col.SupportsInterface(registry.InterfaceTokenRegistry) ||
		!col.SupportsInterface(registry.InterfaceRepoLock) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCollateral, addr.Hex())
	}
	return col, nil
}

func (d *Deal) Address() ledger.Address { return d.addr }

func (d *Deal) State() State { return d.state }

// Info is a read-only snapshot of a deal.
type Info struct {
	Address    ledger.Address
	Admin      ledger.Address
	Borrower   ledger.Address
	Lender     ledger.Address
	Registry   ledger.Address
	TokenID    registry.TokenID
	Principal  decimal.Decimal
	Repayment  decimal.Decimal
	Cooldown   time.Duration
	Timeout    time.Duration
	PhaseClock time.Time
	State      State
	Balance    decimal.Decimal
}

func (d *Deal) Info(tx *ledger.Tx) Info {
	return Info{
		Address:    d.addr,
		Admin:      d.admin,
		Borrower:   d.borrower,
		Lender:     d.lender,
		Registry:   d.registryAddr,
		TokenID:    d.tokenID,
		Principal:  d.principal,
		Repayment:  d.repayment,
		Cooldown:   d.cooldown,
		Timeout:    d.timeout,
		PhaseClock: d.phaseClock,
		State:      d.state,
		Balance:    tx.BalanceOf(d.addr),
	}
}

func (d *Deal) collateral(tx *ledger.Tx) (Collateral, error) {
	return collateralAt(tx, d.registryAddr)
}

func (d *Deal) setState(tx *ledger.Tx, next State) {
	prev := d.state
	if !prev.CanTransition(next) {
		panic(fmt.Sprintf("deal: illegal transition %s -> %s", prev, next))
	}
	d.state = next
	tx.OnRevert(func() { d.state = prev })
	tx.Emit(EventStateChanged, StateChangedEvent{Deal: d.addr, Previous: prev, State: next})
}

// setClock restarts the phase clock. The clock never moves backwards.
func (d *Deal) setClock(tx *ledger.Tx, t time.Time) {
	prev := d.phaseClock
	if t.Before(prev) {
		return
	}
	d.phaseClock = t
	tx.OnRevert(func() { d.phaseClock = prev })
}

func (d *Deal) pay(tx *ledger.Tx, to ledger.Address, amount decimal.Decimal) error {
	if err := tx.Transfer(d.addr, to, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}
