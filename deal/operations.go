package deal

import (
	"fmt"
	"time"

	"sharerepo/ledger"
)

// Receive handles value sent to the deal. In Init it waits for the principal
// and opens phase one; in PhaseTwoOpened it waits for the repayment and
// settles. Any excess over the awaited amount goes back to the sender. Value
// sent in any other state is rejected and the transfer reverts.
func (d *Deal) Receive(tx *ledger.Tx) error {
	switch d.state {
	case StateInit:
		return d.fundPhaseOne(tx)
	case StatePhaseTwoOpened:
		return d.fundPhaseTwo(tx)
	default:
		return wrongPhase("receive", d.state)
	}
}

func (d *Deal) fundPhaseOne(tx *ledger.Tx) error {
	bal := tx.BalanceOf(d.addr)
	if bal.LessThan(d.principal) {
		return nil
	}
	d.setState(tx, StatePhaseOneOpened)
	d.setClock(tx, tx.Now())
	return d.pay(tx, tx.Caller(), bal.Sub(d.principal))
}

func (d *Deal) fundPhaseTwo(tx *ledger.Tx) error {
	bal := tx.BalanceOf(d.addr)
	if bal.LessThan(d.repayment) {
		return nil
	}
	col, err := d.collateral(tx)
	if err != nil {
		return err
	}
	self := tx.Frame(d.addr)
	if err := col.TransferCustody(self, d.lender, d.borrower, d.tokenID); err != nil {
		return fmt.Errorf("deal: return collateral: %w", err)
	}
	if err := col.ReleaseRepoAuthority(self, d.tokenID); err != nil {
		return fmt.Errorf("deal: release collateral: %w", err)
	}
	d.setState(tx, StatePhaseTwoCompleted)
	if err := d.pay(tx, tx.Caller(), bal.Sub(d.repayment)); err != nil {
		return err
	}
	return d.pay(tx, d.lender, d.repayment)
}

// ConfirmCollateralHandoff completes phase one once the borrower has locked
// the token to this deal: custody moves to the lender and the principal to
// the borrower. It reports false, without error, while the lock is not in
// place.
func (d *Deal) ConfirmCollateralHandoff(tx *ledger.Tx) (bool, error) {
	if err := tx.Alive(d.addr); err != nil {
		return false, err
	}
	if d.state != StatePhaseOneOpened {
		return false, wrongPhase("confirm handoff", d.state)
	}
	return d.confirm(tx, tx.Now())
}

func (d *Deal) confirm(tx *ledger.Tx, now time.Time) (bool, error) {
	col, err := d.collateral(tx)
	if err != nil {
		return false, err
	}
	if !d.handoffReady(col) {
		return false, nil
	}
	if err := col.TransferCustody(tx.Frame(d.addr), d.borrower, d.lender, d.tokenID); err != nil {
		return false, fmt.Errorf("deal: take collateral: %w", err)
	}
	if err := d.pay(tx, d.borrower, d.principal); err != nil {
		return false, err
	}
	d.setState(tx, StatePhaseOneCompleted)
	d.setClock(tx, now)
	return true, nil
}

// handoffReady reports whether the borrower still owns the token and has
// locked it to this deal. Read failures count as not ready.
func (d *Deal) handoffReady(col Collateral) bool {
	owner, err := col.OwnerOf(d.tokenID)
	if err != nil || owner != d.borrower {
		return false
	}
	approved, err := col.GetApproved(d.tokenID)
	if err != nil || approved != d.addr {
		return false
	}
	locked, err := col.IsLockParticipating(d.tokenID)
	return err == nil && locked
}

// PollTimeout advances the deal when the current phase has run out, judged
// against now. It reports whether a transition happened; a poll before the
// deadline changes nothing and returns false.
//
//   - PhaseOneOpened: retries the handoff, and halts with a principal refund to
//     the lender if it still cannot complete.
//   - PhaseOneCompleted: opens phase two once the cooldown has elapsed.
//   - PhaseTwoOpened: halts and releases the lock; the lender keeps the token.
func (d *Deal) PollTimeout(tx *ledger.Tx, now time.Time) (bool, error) {
	if err := tx.Alive(d.addr); err != nil {
		return false, err
	}
	if now.After(tx.Now()) {
		return false, fmt.Errorf("%w: %s", ErrFutureTime, now.Format(time.RFC3339))
	}
	switch d.state {
	case StatePhaseOneOpened:
		if !now.After(d.phaseClock.Add(d.timeout)) {
			return false, nil
		}
		ok, err := d.confirm(tx, now)
		if err != nil || ok {
			return ok, err
		}
		if err := d.pay(tx, d.lender, d.principal); err != nil {
			return false, err
		}
		d.setState(tx, StateRepoHalted)
		return true, nil

	case StatePhaseOneCompleted:
		if !now.After(d.phaseClock.Add(d.cooldown)) {
			return false, nil
		}
		d.setState(tx, StatePhaseTwoOpened)
		d.setClock(tx, now)
		return true, nil

	case StatePhaseTwoOpened:
		if !now.After(d.phaseClock.Add(d.timeout)) {
			return false, nil
		}
		col, err := d.collateral(tx)
		if err != nil {
			return false, err
		}
		if err := col.ReleaseRepoAuthority(tx.Frame(d.addr), d.tokenID); err != nil {
			return false, fmt.Errorf("deal: release collateral: %w", err)
		}
		d.setState(tx, StateRepoHalted)
		return true, nil

	default:
		return false, wrongPhase("poll timeout", d.state)
	}
}

// TransferLenderRights hands the lender position, and custody of the token,
// to newLender. Only the current lender may call it, and only between the
// two phases.
func (d *Deal) TransferLenderRights(tx *ledger.Tx, newLender ledger.Address) error {
	if err := tx.Alive(d.addr); err != nil {
		return err
	}
	if d.state != StatePhaseOneCompleted {
		return wrongPhase("transfer lender rights", d.state)
	}
	if tx.Caller() != d.lender {
		return fmt.Errorf("%w: %s is not the lender", ErrNotAuthorized, tx.Caller().Hex())
	}
	if newLender == ledger.ZeroAddress {
		return fmt.Errorf("%w: new lender", ErrInvalidAddress)
	}
	col, err := d.collateral(tx)
	if err != nil {
		return err
	}
	if err := col.TransferCustody(tx.Frame(d.addr), d.lender, newLender, d.tokenID); err != nil {
		return fmt.Errorf("deal: move collateral: %w", err)
	}
	prev := d.lender
	d.lender = newLender
	tx.OnRevert(func() { d.lender = prev })
	tx.Emit(EventLenderTransferred, LenderTransferredEvent{Deal: d.addr, Previous: prev, Lender: newLender})
	return nil
}

// ChangeTimeoutPeriod replaces the phase timeout. Admin only, before funding.
func (d *Deal) ChangeTimeoutPeriod(tx *ledger.Tx, period time.Duration) error {
	if err := tx.Alive(d.addr); err != nil {
		return err
	}
	if d.state != StateInit {
		return wrongPhase("change timeout", d.state)
	}
	if tx.Caller() != d.admin {
		return fmt.Errorf("%w: %s is not the admin", ErrNotAuthorized, tx.Caller().Hex())
	}
	if period <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}
	prev := d.timeout
	d.timeout = period
	tx.OnRevert(func() { d.timeout = prev })
	return nil
}

// Terminate destroys the deal and pays its remaining balance to the admin. A
// lock still held by this deal is released first so the token is never
// stranded.
func (d *Deal) Terminate(tx *ledger.Tx) error {
	if err := tx.Alive(d.addr); err != nil {
		return err
	}
	if !d.state.Terminable() {
		return wrongPhase("terminate", d.state)
	}
	if tx.Caller() != d.admin {
		return fmt.Errorf("%w: %s is not the admin", ErrNotAuthorized, tx.Caller().Hex())
	}
	if col, err := d.collateral(tx); err == nil {
		approved, aerr := col.GetApproved(d.tokenID)
		locked, lerr := col.IsLockParticipating(d.tokenID)
		if aerr == nil && lerr == nil && locked && approved == d.addr {
			if err := col.ReleaseRepoAuthority(tx.Frame(d.addr), d.tokenID); err != nil {
				return fmt.Errorf("deal: release collateral: %w", err)
			}
		}
	}
	tx.Emit(EventDestroying, DestroyingEvent{Deal: d.addr, Beneficiary: d.admin, Balance: tx.BalanceOf(d.addr)})
	return tx.Destroy(d.addr, d.admin)
}
