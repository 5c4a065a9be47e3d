package registry

import "errors"

var (
	ErrTokenNotFound = errors.New("registry: token not found")
	ErrTokenExists   = errors.New("registry: token already minted")
	// ErrNotAuthorized signals the caller lacks transfer or approval authority.
	ErrNotAuthorized  = errors.New("registry: insufficient authority")
	ErrInvalidAddress = errors.New("registry: zero address")
	ErrNotTokenOwner  = errors.New("registry: not current owner")
	// ErrLockConflict signals the token is repo-locked and the caller is not the
	// lock holder, or a second lock was requested.
	ErrLockConflict         = errors.New("registry: token is repo-locked")
	ErrNotLockParticipating = errors.New("registry: token is not repo-locked")
	ErrTargetNotContract    = errors.New("registry: repo authority target is not a contract")
	ErrUnsafeTransferTarget = errors.New("registry: recipient rejected token")
)
