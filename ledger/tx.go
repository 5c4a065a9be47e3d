package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"sharerepo/event"
)

type journal struct {
	undo   []func()
	events []event.Event
}

// Tx is one frame of an executing call. Nested calls into other contracts use
// Frame so the callee sees the calling contract as its caller while sharing
// the same journal.
type Tx struct {
	l      *Ledger
	caller Address
	origin Address
	value  decimal.Decimal
	now    time.Time
	j      *journal
}

// Caller is the immediate caller of this frame.
func (tx *Tx) Caller() Address { return tx.caller }

// Origin is the external account that started the call.
func (tx *Tx) Origin() Address { return tx.origin }

// Value is the amount transferred with this frame. Nested frames carry none.
func (tx *Tx) Value() decimal.Decimal { return tx.value }

// Now is the call's clock reading.
func (tx *Tx) Now() time.Time { return tx.now }

// Seq is the sequence number the call receives if it commits.
func (tx *Tx) Seq() uint64 { return tx.l.seq + 1 }

// Frame returns a nested frame whose caller is self.
func (tx *Tx) Frame(self Address) *Tx {
	return &Tx{
		l:      tx.l,
		caller: self,
		origin: tx.origin,
		value:  decimal.Zero,
		now:    tx.now,
		j:      tx.j,
	}
}

func (tx *Tx) BalanceOf(addr Address) decimal.Decimal {
	return tx.l.balanceOf(addr)
}

// Transfer moves amount between accounts. It does not invoke receive handlers.
func (tx *Tx) Transfer(from, to Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.IsZero() {
		return nil
	}
	if to == ZeroAddress {
		return fmt.Errorf("%w: transfer target", ErrInvalidAddress)
	}
	fromBal := tx.l.balanceOf(from)
	if fromBal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	toBal := tx.l.balanceOf(to)
	tx.l.balances[from] = fromBal.Sub(amount)
	tx.l.balances[to] = tx.l.balanceOf(to).Add(amount)
	tx.OnRevert(func() {
		tx.l.balances[from] = fromBal
		tx.l.balances[to] = toBal
	})
	return nil
}

// Deploy creates a contract at an address derived from the frame's caller and
// its deployment nonce.
func (tx *Tx) Deploy(ctor Constructor) (Address, error) {
	l, from := tx.l, tx.caller
	nonce := l.nonces[from]
	addr := crypto.CreateAddress(from, nonce)
	l.nonces[from] = nonce + 1
	tx.OnRevert(func() { l.nonces[from] = nonce })

	c, err := ctor(tx, addr)
	if err != nil {
		return ZeroAddress, err
	}
	l.contracts[addr] = c
	tx.OnRevert(func() { delete(l.contracts, addr) })
	return addr, nil
}

// IsContract reports whether a live contract is deployed at addr.
func (tx *Tx) IsContract(addr Address) bool {
	_, ok := tx.l.contracts[addr]
	return ok
}

func (tx *Tx) Contract(addr Address) (Contract, error) {
	c, ok := tx.l.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, addr.Hex())
	}
	return c, nil
}

// Alive fails with ErrNoContract once the contract at addr has been destroyed.
func (tx *Tx) Alive(addr Address) error {
	if _, ok := tx.l.contracts[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrNoContract, addr.Hex())
	}
	return nil
}

// Destroy removes the contract at self and pays its whole balance to
// beneficiary. Later calls and sends to self fail with ErrNoContract.
func (tx *Tx) Destroy(self, beneficiary Address) error {
	c, ok := tx.l.contracts[self]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoContract, self.Hex())
	}
	if err := tx.Transfer(self, beneficiary, tx.l.balanceOf(self)); err != nil {
		return err
	}
	delete(tx.l.contracts, self)
	tx.l.destroyed[self] = struct{}{}
	tx.OnRevert(func() {
		tx.l.contracts[self] = c
		delete(tx.l.destroyed, self)
	})
	return nil
}

// Emit buffers an event; it is published only if the call commits.
func (tx *Tx) Emit(eventType event.Type, data any) {
	tx.j.events = append(tx.j.events, event.New(eventType, tx.now, data))
}

// Events returns the events buffered so far in this call.
func (tx *Tx) Events() []event.Event {
	return tx.j.events
}

// OnRevert registers an undo step that runs if the call fails.
func (tx *Tx) OnRevert(undo func()) {
	tx.j.undo = append(tx.j.undo, undo)
}

func (tx *Tx) revert() {
	for i := len(tx.j.undo) - 1; i >= 0; i-- {
		tx.j.undo[i]()
	}
	tx.j.undo = nil
	tx.j.events = nil
}
