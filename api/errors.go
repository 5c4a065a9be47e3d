package api

import (
	"errors"
	"fmt"
	"net/http"

	"sharerepo/auth"
	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/service"
	"sharerepo/store"
)

// errBadRequest marks request input rejected before it reaches the service.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

var statusByError = []struct {
	err    error
	status int
}{
	{errBadRequest, http.StatusBadRequest},
	{deal.ErrInvalidAddress, http.StatusBadRequest},
	{deal.ErrInvalidAmount, http.StatusBadRequest},
	{deal.ErrInvalidPeriod, http.StatusBadRequest},
	{deal.ErrFutureTime, http.StatusBadRequest},
	{ledger.ErrInvalidAddress, http.StatusBadRequest},
	{ledger.ErrInvalidAmount, http.StatusBadRequest},
	{registry.ErrInvalidAddress, http.StatusBadRequest},
	{auth.ErrWeakPassword, http.StatusBadRequest},
	{auth.ErrMissingFields, http.StatusBadRequest},

	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrInvalidToken, http.StatusUnauthorized},

	{deal.ErrNotAuthorized, http.StatusForbidden},
	{deal.ErrNotCollateralOwner, http.StatusForbidden},
	{registry.ErrNotAuthorized, http.StatusForbidden},
	{registry.ErrNotTokenOwner, http.StatusForbidden},

	// wraps ledger.ErrNoContract when the registry address is empty
	{deal.ErrUnsupportedCollateral, http.StatusUnprocessableEntity},
	{ledger.ErrNoContract, http.StatusNotFound},
	{registry.ErrTokenNotFound, http.StatusNotFound},
	{store.ErrDealNotFound, http.StatusNotFound},
	{auth.ErrAccountNotFound, http.StatusNotFound},

	{deal.ErrWrongPhase, http.StatusConflict},
	{registry.ErrLockConflict, http.StatusConflict},
	{registry.ErrNotLockParticipating, http.StatusConflict},
	{registry.ErrTokenExists, http.StatusConflict},
	{auth.ErrDuplicateEmail, http.StatusConflict},
	{auth.ErrDuplicateAddress, http.StatusConflict},
	{ledger.ErrClockRegression, http.StatusConflict},

	{deal.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{ledger.ErrNotPayable, http.StatusUnprocessableEntity},
	{registry.ErrTargetNotContract, http.StatusUnprocessableEntity},
	{registry.ErrUnsafeTransferTarget, http.StatusUnprocessableEntity},

	{service.ErrPersistenceDisabled, http.StatusServiceUnavailable},
}

// statusFor maps a domain error to its HTTP status. Unknown errors are 500.
func statusFor(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and not
// echoed to the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(
			"request failed",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
