package registry

import (
	"fmt"

	"sharerepo/ledger"
)

// GrantRepoAuthority hands the repo-lock capability for id to deal. The
// caller must be able to move the token, the token must not already be
// locked, and deal must be a deployed contract. While locked, only deal can
// move the token or release the lock.
func (r *Registry) GrantRepoAuthority(tx *ledger.Tx, deal ledger.Address, id TokenID) error {
	tok, err := r.token(id)
	if err != nil {
		return err
	}
	if deal == ledger.ZeroAddress {
		return fmt.Errorf("%w: repo authority", ErrInvalidAddress)
	}
	if tok.LockedForRepo {
		return fmt.Errorf("%w: %d already held by %s", ErrLockConflict, id, tok.Approved.Hex())
	}
	if !r.canMove(tx.Caller(), tok) {
		return fmt.Errorf("%w: %s on token %d", ErrNotAuthorized, tx.Caller().Hex(), id)
	}
	if !tx.IsContract(deal) {
		return fmt.Errorf("%w: %s", ErrTargetNotContract, deal.Hex())
	}
	next := *tok
	next.Approved = deal
	next.LockedForRepo = true
	r.put(tx, id, &next)
	tx.Emit(EventApproval, ApprovalEvent{
		Registry: r.addr,
		Owner:    tok.Owner,
		Approved: deal,
		TokenID:  id,
		Locked:   true,
	})
	return nil
}

// ReleaseRepoAuthority clears the lock and the delegate. Only the current
// lock holder may call it.
func (r *Registry) ReleaseRepoAuthority(tx *ledger.Tx, id TokenID) error {
	tok, err := r.token(id)
	if err != nil {
		return err
	}
	if !tok.LockedForRepo {
		return fmt.Errorf("%w: %d", ErrNotLockParticipating, id)
	}
	if tx.Caller() != tok.Approved {
		return fmt.Errorf("%w: %s does not hold the lock on token %d", ErrNotAuthorized, tx.Caller().Hex(), id)
	}
	next := *tok
	next.Approved = ledger.ZeroAddress
	next.LockedForRepo = false
	r.put(tx, id, &next)
	tx.Emit(EventApproval, ApprovalEvent{Registry: r.addr, Owner: tok.Owner, TokenID: id})
	return nil
}

// TransferCustody moves id from from to to. A locked token may only be moved
// by its lock holder and keeps its lock and delegate; an unlocked token may be
// moved by its owner, delegate or an operator and loses its delegate.
func (r *Registry) TransferCustody(tx *ledger.Tx, from, to ledger.Address, id TokenID) error {
	tok, err := r.token(id)
	if err != nil {
		return err
	}
	if to == ledger.ZeroAddress {
		return fmt.Errorf("%w: transfer target", ErrInvalidAddress)
	}
	if tok.Owner != from {
		return fmt.Errorf("%w: %s does not own token %d", ErrNotTokenOwner, from.Hex(), id)
	}
	caller := tx.Caller()
	next := *tok
	next.Owner = to
	if tok.LockedForRepo {
		if caller != tok.Approved {
			return fmt.Errorf("%w: %d held by %s", ErrLockConflict, id, tok.Approved.Hex())
		}
	} else {
		if !r.canMove(caller, tok) {
			return fmt.Errorf("%w: %s on token %d", ErrNotAuthorized, caller.Hex(), id)
		}
		next.Approved = ledger.ZeroAddress
	}
	r.put(tx, id, &next)
	r.adjustBalance(tx, from, -1)
	r.adjustBalance(tx, to, 1)
	tx.Emit(EventTransfer, TransferEvent{Registry: r.addr, From: from, To: to, TokenID: id})
	return nil
}

// SafeTransferCustody is TransferCustody plus a recipient check: a contract
// recipient must implement TokenReceiver and accept the token.
func (r *Registry) SafeTransferCustody(tx *ledger.Tx, from, to ledger.Address, id TokenID) error {
	if err := r.TransferCustody(tx, from, to, id); err != nil {
		return err
	}
	if !tx.IsContract(to) {
		return nil
	}
	c, err := tx.Contract(to)
	if err != nil {
		return err
	}
	recv, ok := c.(TokenReceiver)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsafeTransferTarget, to.Hex())
	}
	if err := recv.OnTokenReceived(tx.Frame(r.addr), tx.Caller(), from, id); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsafeTransferTarget, to.Hex(), err)
	}
	return nil
}
