package ledger

import "errors"

var (
	// ErrInvalidAddress is returned for a zero address where a real one is required.
	ErrInvalidAddress = errors.New("ledger: invalid address")
	// ErrInvalidAmount is returned for negative value transfers.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInsufficientBalance is returned when an account cannot cover a transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrNoContract is returned when a call targets an address with no live contract.
	ErrNoContract = errors.New("ledger: no contract at address")
	// ErrNotPayable is returned when value is sent to a contract without a receive handler.
	ErrNotPayable = errors.New("ledger: contract does not accept value")
	// ErrClockRegression is returned when a call's time is earlier than the last admitted call.
	ErrClockRegression = errors.New("ledger: call time before ledger clock")
	// ErrCallPanicked is returned when contract code panics; the call is reverted.
	ErrCallPanicked = errors.New("ledger: call panicked")
)
