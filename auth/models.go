package auth

import (
	"time"

	"sharerepo/ledger"
)

// Account is a registered person and the ledger address they act as. Emails
// are stored lower-cased.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Address      ledger.Address
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is what a verified bearer token vouches for.
type Session struct {
	AccountID string
	Address   ledger.Address
	ExpiresAt time.Time
}
