package deal_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
)

var (
	issuer   = common.HexToAddress("0x000000000000000000000000000000000000abcd")
	borrower = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	lender   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	stranger = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	t0       = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

const tokenID registry.TokenID = 7

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type env struct {
	t    *testing.T
	l    *ledger.Ledger
	reg  ledger.Address
	deal ledger.Address
	now  time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{t: t, l: ledger.New(ledger.Config{}), now: t0}
	reg, _, err := e.l.Deploy(context.Background(), ledger.Msg{From: issuer, Time: e.now}, registry.Constructor("Acme Shares", "ACME"))
	require.NoError(t, err)
	e.reg = reg
	require.NoError(t, e.registryCall(issuer, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.Mint(tx, borrower, tokenID)
	}))
	require.NoError(t, e.l.Credit(lender, amt(1000)))
	require.NoError(t, e.l.Credit(borrower, amt(1000)))
	return e
}

func (e *env) params() deal.Params {
	return deal.Params{
		Registry:  e.reg,
		Lender:    lender,
		TokenID:   tokenID,
		Principal: amt(100),
		Fee:       amt(10),
		Cooldown:  1000 * time.Second,
	}
}

func (e *env) deploy(from ledger.Address, p deal.Params) error {
	addr, _, err := e.l.Deploy(context.Background(), ledger.Msg{From: from, Time: e.now}, deal.Constructor(p))
	if err == nil {
		e.deal = addr
	}
	return err
}

func newDeployedEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t)
	require.NoError(t, e.deploy(borrower, e.params()))
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *env) send(from ledger.Address, value int64) error {
	_, err := e.l.Send(context.Background(), ledger.Msg{From: from, To: e.deal, Value: amt(value), Time: e.now})
	return err
}

func (e *env) call(from ledger.Address, fn func(tx *ledger.Tx, d *deal.Deal) error) error {
	_, err := e.l.Execute(context.Background(), ledger.Msg{From: from, To: e.deal, Time: e.now}, func(tx *ledger.Tx) error {
		d, err := deal.At(tx, e.deal)
		if err != nil {
			return err
		}
		return fn(tx, d)
	})
	return err
}

func (e *env) registryCall(from ledger.Address, fn func(tx *ledger.Tx, r *registry.Registry) error) error {
	_, err := e.l.Execute(context.Background(), ledger.Msg{From: from, To: e.reg, Time: e.now}, func(tx *ledger.Tx) error {
		r, err := registry.At(tx, e.reg)
		if err != nil {
			return err
		}
		return fn(tx, r)
	})
	return err
}

func (e *env) info() deal.Info {
	e.t.Helper()
	var info deal.Info
	err := e.l.View(context.Background(), func(tx *ledger.Tx) error {
		d, err := deal.At(tx, e.deal)
		if err != nil {
			return err
		}
		info = d.Info(tx)
		return nil
	})
	require.NoError(e.t, err)
	return info
}

func (e *env) token() registry.Token {
	e.t.Helper()
	var tok registry.Token
	err := e.l.View(context.Background(), func(tx *ledger.Tx) error {
		r, err := registry.At(tx, e.reg)
		if err != nil {
			return err
		}
		tok, err = r.Token(tokenID)
		return err
	})
	require.NoError(e.t, err)
	return tok
}

func (e *env) grant() {
	e.t.Helper()
	require.NoError(e.t, e.registryCall(borrower, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.GrantRepoAuthority(tx, e.deal, tokenID)
	}))
}

func (e *env) confirm(from ledger.Address) (bool, error) {
	var ok bool
	err := e.call(from, func(tx *ledger.Tx, d *deal.Deal) error {
		var err error
		ok, err = d.ConfirmCollateralHandoff(tx)
		return err
	})
	return ok, err
}

func (e *env) poll() (bool, error) {
	var moved bool
	err := e.call(stranger, func(tx *ledger.Tx, d *deal.Deal) error {
		var err error
		moved, err = d.PollTimeout(tx, e.now)
		return err
	})
	return moved, err
}

func (e *env) balance(addr ledger.Address) decimal.Decimal { return e.l.BalanceOf(addr) }

func requireAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(amt(want)), "want %d, got %s", want, got)
}

// phaseOneCompleted drives a fresh deal through funding and handoff.
func phaseOneCompleted(t *testing.T) *env {
	t.Helper()
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))
	e.grant()
	ok, err := e.confirm(borrower)
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func TestDeployStartsInInit(t *testing.T) {
	e := newDeployedEnv(t)
	info := e.info()
	require.Equal(t, deal.StateInit, info.State)
	require.Equal(t, borrower, info.Admin)
	require.Equal(t, borrower, info.Borrower)
	require.Equal(t, lender, info.Lender)
	require.Equal(t, deal.DefaultTimeoutPeriod, info.Timeout)
	requireAmount(t, 110, info.Repayment)
}

func TestConstructorGuards(t *testing.T) {
	e := newEnv(t)

	err := e.deploy(stranger, e.params())
	require.ErrorIs(t, err, deal.ErrNotCollateralOwner)

	p := e.params()
	p.Lender = ledger.ZeroAddress
	require.ErrorIs(t, e.deploy(borrower, p), deal.ErrInvalidAddress)

	p = e.params()
	p.Registry = ledger.ZeroAddress
	require.ErrorIs(t, e.deploy(borrower, p), deal.ErrInvalidAddress)

	p = e.params()
	p.Registry = stranger
	require.ErrorIs(t, e.deploy(borrower, p), deal.ErrUnsupportedCollateral)

	p = e.params()
	p.Principal = decimal.Zero
	require.ErrorIs(t, e.deploy(borrower, p), deal.ErrInvalidAmount)

	p = e.params()
	p.Fee = amt(-1)
	require.ErrorIs(t, e.deploy(borrower, p), deal.ErrInvalidAmount)

	p = e.params()
	p.TokenID = 99
	require.ErrorIs(t, e.deploy(borrower, p), registry.ErrTokenNotFound)

	// a deal is not a registry
	require.NoError(t, e.deploy(borrower, e.params()))
	p = e.params()
	p.Registry = e.deal
	require.ErrorIs(t, e.deploy(borrower, p), deal.ErrUnsupportedCollateral)
}

func TestFundingBelowPrincipalWaitsForTopUp(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 60))
	require.Equal(t, deal.StateInit, e.info().State)
	requireAmount(t, 60, e.balance(e.deal))

	e.advance(time.Minute)
	require.NoError(t, e.send(lender, 70))
	info := e.info()
	require.Equal(t, deal.StatePhaseOneOpened, info.State)
	require.Equal(t, e.now, info.PhaseClock)
	requireAmount(t, 100, e.balance(e.deal))
	requireAmount(t, 900, e.balance(lender))
}

func TestFundingRefundsExcessToSender(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.l.Credit(stranger, amt(500)))
	require.NoError(t, e.send(stranger, 250))

	require.Equal(t, deal.StatePhaseOneOpened, e.info().State)
	requireAmount(t, 100, e.balance(e.deal))
	requireAmount(t, 400, e.balance(stranger))
}

func TestReceiveRejectedOutOfPhase(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))

	err := e.send(lender, 50)
	require.ErrorIs(t, err, deal.ErrWrongPhase)
	requireAmount(t, 900, e.balance(lender))
	requireAmount(t, 100, e.balance(e.deal))
}

func TestConfirmRequiresLockToThisDeal(t *testing.T) {
	e := newDeployedEnv(t)

	_, err := e.confirm(borrower)
	require.ErrorIs(t, err, deal.ErrWrongPhase)

	require.NoError(t, e.send(lender, 100))

	ok, err := e.confirm(borrower)
	require.NoError(t, err)
	require.False(t, ok)

	// a plain approval is not a repo lock
	require.NoError(t, e.registryCall(borrower, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.Approve(tx, e.deal, tokenID)
	}))
	ok, err = e.confirm(borrower)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, deal.StatePhaseOneOpened, e.info().State)

	e.grant()
	e.advance(time.Minute)
	ok, err = e.confirm(stranger)
	require.NoError(t, err)
	require.True(t, ok)

	info := e.info()
	require.Equal(t, deal.StatePhaseOneCompleted, info.State)
	require.Equal(t, e.now, info.PhaseClock)
	requireAmount(t, 1100, e.balance(borrower))
	tok := e.token()
	require.Equal(t, lender, tok.Owner)
	require.Equal(t, e.deal, tok.Approved)
	require.True(t, tok.LockedForRepo)
}

func TestConfirmIgnoresLockToAnotherDeal(t *testing.T) {
	e := newDeployedEnv(t)
	first := e.deal
	require.NoError(t, e.deploy(borrower, e.params()))
	second := e.deal

	e.deal = first
	require.NoError(t, e.send(lender, 100))

	require.NoError(t, e.registryCall(borrower, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.GrantRepoAuthority(tx, second, tokenID)
	}))
	ok, err := e.confirm(borrower)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfirmRequiresBorrowerToStillOwnToken(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))

	require.NoError(t, e.registryCall(borrower, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.TransferCustody(tx, borrower, stranger, tokenID)
	}))
	require.NoError(t, e.registryCall(stranger, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.GrantRepoAuthority(tx, e.deal, tokenID)
	}))
	ok, err := e.confirm(borrower)
	require.NoError(t, err)
	require.False(t, ok)

	// the stray lock does not keep the deal from halting
	e.advance(deal.DefaultTimeoutPeriod + time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StateRepoHalted, e.info().State)
	requireAmount(t, 1000, e.balance(lender))
	require.Equal(t, stranger, e.token().Owner)
}

func TestPollPhaseOneHaltsAndRefundsLender(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))

	e.advance(deal.DefaultTimeoutPeriod)
	moved, err := e.poll()
	require.NoError(t, err)
	require.False(t, moved)
	require.Equal(t, deal.StatePhaseOneOpened, e.info().State)

	e.advance(time.Second)
	moved, err = e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StateRepoHalted, e.info().State)
	requireAmount(t, 1000, e.balance(lender))
	requireAmount(t, 0, e.balance(e.deal))
	require.Equal(t, borrower, e.token().Owner)

	_, err = e.poll()
	require.ErrorIs(t, err, deal.ErrWrongPhase)
}

func TestPollPhaseOneCompletesLateHandoff(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))
	e.grant()

	e.advance(deal.DefaultTimeoutPeriod + time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StatePhaseOneCompleted, e.info().State)
	require.Equal(t, lender, e.token().Owner)
}

func TestPollCooldownOpensPhaseTwo(t *testing.T) {
	e := phaseOneCompleted(t)
	start := e.info().PhaseClock

	e.advance(1000 * time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.False(t, moved)

	e.advance(time.Second)
	moved, err = e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	info := e.info()
	require.Equal(t, deal.StatePhaseTwoOpened, info.State)
	require.Equal(t, e.now, info.PhaseClock)
	require.True(t, info.PhaseClock.After(start))
}

func TestPhaseTwoPartialThenExcessRepayment(t *testing.T) {
	e := phaseOneCompleted(t)
	requireAmount(t, 1100, e.balance(borrower))
	requireAmount(t, 900, e.balance(lender))

	// value cannot be slipped in beside a call while funding is closed
	_, err := e.l.Execute(context.Background(), ledger.Msg{From: lender, To: e.deal, Value: amt(5), Time: e.now}, func(*ledger.Tx) error { return nil })
	require.ErrorIs(t, err, ledger.ErrNotPayable)
	requireAmount(t, 0, e.balance(e.deal))

	e.advance(1001 * time.Second)
	_, err = e.poll()
	require.NoError(t, err)

	require.NoError(t, e.send(borrower, 50))
	require.Equal(t, deal.StatePhaseTwoOpened, e.info().State)
	requireAmount(t, 50, e.balance(e.deal))
	require.Equal(t, lender, e.token().Owner)

	require.NoError(t, e.send(borrower, 100))
	require.Equal(t, deal.StatePhaseTwoCompleted, e.info().State)
	requireAmount(t, 0, e.balance(e.deal))
	requireAmount(t, 1010, e.balance(lender))
	requireAmount(t, 990, e.balance(borrower))

	tok := e.token()
	require.Equal(t, borrower, tok.Owner)
	require.False(t, tok.LockedForRepo)
}

func TestPollPhaseTwoTimeoutLeavesTokenWithLender(t *testing.T) {
	e := phaseOneCompleted(t)
	e.advance(1001 * time.Second)
	_, err := e.poll()
	require.NoError(t, err)

	e.advance(deal.DefaultTimeoutPeriod + time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StateRepoHalted, e.info().State)

	tok := e.token()
	require.Equal(t, lender, tok.Owner)
	require.False(t, tok.LockedForRepo)
	require.Equal(t, ledger.ZeroAddress, tok.Approved)

	err = e.send(borrower, 110)
	require.ErrorIs(t, err, deal.ErrWrongPhase)
}

func TestPollRejectedOutsidePollingStates(t *testing.T) {
	e := newDeployedEnv(t)
	_, err := e.poll()
	require.ErrorIs(t, err, deal.ErrWrongPhase)
}

func TestPollRejectsTimeAheadOfCall(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))
	err := e.call(stranger, func(tx *ledger.Tx, d *deal.Deal) error {
		_, err := d.PollTimeout(tx, tx.Now().Add(48*time.Hour))
		return err
	})
	require.ErrorIs(t, err, deal.ErrFutureTime)
	require.Equal(t, deal.StatePhaseOneOpened, e.info().State)
}

func TestTransferLenderRights(t *testing.T) {
	e := newDeployedEnv(t)
	transfer := func(from, to ledger.Address) error {
		return e.call(from, func(tx *ledger.Tx, d *deal.Deal) error { return d.TransferLenderRights(tx, to) })
	}

	require.ErrorIs(t, transfer(lender, stranger), deal.ErrWrongPhase)

	require.NoError(t, e.send(lender, 100))
	e.grant()
	ok, err := e.confirm(borrower)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, transfer(borrower, stranger), deal.ErrNotAuthorized)
	require.ErrorIs(t, transfer(lender, ledger.ZeroAddress), deal.ErrInvalidAddress)
	require.Equal(t, lender, e.info().Lender)

	require.NoError(t, transfer(lender, stranger))
	require.Equal(t, stranger, e.info().Lender)
	tok := e.token()
	require.Equal(t, stranger, tok.Owner)
	require.True(t, tok.LockedForRepo)

	// the previous lender has no further rights
	require.ErrorIs(t, transfer(lender, lender), deal.ErrNotAuthorized)

	e.advance(1001 * time.Second)
	_, err = e.poll()
	require.NoError(t, err)
	require.NoError(t, e.send(borrower, 110))
	requireAmount(t, 110, e.balance(stranger))
	require.Equal(t, borrower, e.token().Owner)
}

func TestChangeTimeoutPeriod(t *testing.T) {
	e := newDeployedEnv(t)
	change := func(from ledger.Address, d time.Duration) error {
		return e.call(from, func(tx *ledger.Tx, dl *deal.Deal) error { return dl.ChangeTimeoutPeriod(tx, d) })
	}

	require.ErrorIs(t, change(lender, time.Hour), deal.ErrNotAuthorized)
	require.ErrorIs(t, change(borrower, 0), deal.ErrInvalidPeriod)
	require.NoError(t, change(borrower, time.Hour))
	require.Equal(t, time.Hour, e.info().Timeout)

	require.NoError(t, e.send(lender, 100))
	require.ErrorIs(t, change(borrower, 2*time.Hour), deal.ErrWrongPhase)

	e.advance(time.Hour + time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StateRepoHalted, e.info().State)
}

func TestTerminate(t *testing.T) {
	e := newDeployedEnv(t)
	terminate := func(from ledger.Address) error {
		return e.call(from, func(tx *ledger.Tx, d *deal.Deal) error { return d.Terminate(tx) })
	}
	require.NoError(t, e.send(lender, 40))

	require.ErrorIs(t, terminate(lender), deal.ErrNotAuthorized)
	require.NoError(t, terminate(borrower))
	requireAmount(t, 1040, e.balance(borrower))

	require.ErrorIs(t, terminate(borrower), ledger.ErrNoContract)
	require.ErrorIs(t, e.send(lender, 10), ledger.ErrNoContract)
}

func TestTerminateRejectedMidDeal(t *testing.T) {
	e := phaseOneCompleted(t)
	err := e.call(borrower, func(tx *ledger.Tx, d *deal.Deal) error { return d.Terminate(tx) })
	require.ErrorIs(t, err, deal.ErrWrongPhase)
	require.Equal(t, deal.StatePhaseOneCompleted, e.info().State)
}

func TestTerminateReleasesLingeringLock(t *testing.T) {
	e := newDeployedEnv(t)
	e.grant()
	require.NoError(t, e.call(borrower, func(tx *ledger.Tx, d *deal.Deal) error { return d.Terminate(tx) }))

	tok := e.token()
	require.False(t, tok.LockedForRepo)
	require.Equal(t, borrower, tok.Owner)
}

func TestTerminateReleasesLockAfterHalt(t *testing.T) {
	e := newDeployedEnv(t)
	require.NoError(t, e.send(lender, 100))
	e.grant()
	// token leaves the borrower while locked, so the handoff guard fails
	require.NoError(t, e.call(borrower, func(tx *ledger.Tx, d *deal.Deal) error {
		c, err := registry.At(tx, e.reg)
		if err != nil {
			return err
		}
		return c.TransferCustody(tx.Frame(e.deal), borrower, stranger, tokenID)
	}))
	e.advance(deal.DefaultTimeoutPeriod + time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StateRepoHalted, e.info().State)
	require.True(t, e.token().LockedForRepo)

	require.NoError(t, e.call(borrower, func(tx *ledger.Tx, d *deal.Deal) error { return d.Terminate(tx) }))
	require.False(t, e.token().LockedForRepo)
}

func TestEventsEmittedOnTransition(t *testing.T) {
	e := newDeployedEnv(t)
	rcpt, err := e.l.Send(context.Background(), ledger.Msg{From: lender, To: e.deal, Value: amt(100), Time: e.now})
	require.NoError(t, err)
	require.Len(t, rcpt.Events, 1)
	require.Equal(t, deal.EventStateChanged, rcpt.Events[0].Type)
	require.Equal(t, deal.StateChangedEvent{
		Deal:     e.deal,
		Previous: deal.StateInit,
		State:    deal.StatePhaseOneOpened,
	}, rcpt.Events[0].Data)
}

func TestRepoScenario(t *testing.T) {
	e := newDeployedEnv(t)

	require.NoError(t, e.send(lender, 100))
	require.Equal(t, deal.StatePhaseOneOpened, e.info().State)

	e.grant()
	ok, err := e.confirm(borrower)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, deal.StatePhaseOneCompleted, e.info().State)
	requireAmount(t, 1100, e.balance(borrower))

	e.advance(500 * time.Second)
	moved, err := e.poll()
	require.NoError(t, err)
	require.False(t, moved)

	e.advance(501 * time.Second)
	moved, err = e.poll()
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, deal.StatePhaseTwoOpened, e.info().State)

	require.NoError(t, e.send(borrower, 110))
	require.Equal(t, deal.StatePhaseTwoCompleted, e.info().State)
	requireAmount(t, 1010, e.balance(lender))
	requireAmount(t, 990, e.balance(borrower))
	requireAmount(t, 0, e.balance(e.deal))

	tok := e.token()
	require.Equal(t, borrower, tok.Owner)
	require.False(t, tok.LockedForRepo)
	require.Equal(t, ledger.ZeroAddress, tok.Approved)

	require.NoError(t, e.call(borrower, func(tx *ledger.Tx, d *deal.Deal) error { return d.Terminate(tx) }))
}
