package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sharerepo/ledger"
)

// MemoryRepository keeps accounts in process memory. It backs servers
// started without a database.
type MemoryRepository struct {
	mu        sync.RWMutex
	byID      map[string]Account
	byEmail   map[string]string
	addresses map[ledger.Address]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]Account),
		byEmail:   make(map[string]string),
		addresses: make(map[ledger.Address]struct{}),
	}
}

func (m *MemoryRepository) CreateAccount(_ context.Context, a NewAccount) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(a.Email)
	if _, ok := m.byEmail[email]; ok {
		return Account{}, ErrDuplicateEmail
	}
	if _, ok := m.addresses[a.Address]; ok {
		return Account{}, ErrDuplicateAddress
	}
	now := time.Now().UTC()
	acct := Account{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     a.FullName,
		PasswordHash: a.PasswordHash,
		Address:      a.Address,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byID[acct.ID] = acct
	m.byEmail[email] = acct.ID
	m.addresses[a.Address] = struct{}{}
	return acct, nil
}

func (m *MemoryRepository) AccountByEmail(_ context.Context, email string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryRepository) AccountByID(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}
