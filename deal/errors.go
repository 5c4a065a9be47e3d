package deal

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAddress = errors.New("deal: invalid address")
	// ErrUnsupportedCollateral signals the registry address does not expose the
	// token and repo-lock capabilities.
	ErrUnsupportedCollateral = errors.New("deal: unsupported collateral interface")
	ErrNotCollateralOwner    = errors.New("deal: deployer does not own collateral")
	ErrNotAuthorized         = errors.New("deal: caller not authorized")
	ErrWrongPhase            = errors.New("deal: operation not allowed in current state")
	ErrInsufficientFunds     = errors.New("deal: insufficient funds")
	ErrInvalidAmount         = errors.New("deal: invalid amount")
	ErrInvalidPeriod         = errors.New("deal: invalid period")
	// ErrFutureTime signals a poll reading later than the call's own clock.
	ErrFutureTime = errors.New("deal: poll time ahead of call time")
)

func wrongPhase(op string, s State) error {
	return fmt.Errorf("%w: %s in state %s", ErrWrongPhase, op, s)
}
