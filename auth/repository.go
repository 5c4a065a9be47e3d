package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sharerepo/ledger"
)

var (
	ErrAccountNotFound = errors.New("auth: account not found")
	ErrDuplicateEmail  = errors.New("auth: email already registered")
	// ErrDuplicateAddress signals a generated address collided with an
	// existing account. Register retries with a new key.
	ErrDuplicateAddress = errors.New("auth: address already bound")
)

// Repository stores accounts.
type Repository interface {
	CreateAccount(ctx context.Context, a NewAccount) (Account, error)
	AccountByEmail(ctx context.Context, email string) (Account, error)
	AccountByID(ctx context.Context, id string) (Account, error)
}

type NewAccount struct {
	Email        string
	FullName     string
	PasswordHash string
	Address      ledger.Address
}

// PGRepository keeps accounts in the users table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// accountRow is the users table as scanned by pgx.
type accountRow struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Address      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r accountRow) account() Account {
	return Account{
		ID:           r.ID,
		Email:        r.Email,
		FullName:     r.FullName,
		PasswordHash: r.PasswordHash,
		Address:      common.HexToAddress(r.Address),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const accountColumns = `id::text, email, full_name, password_hash, address, created_at, updated_at`

func (r *PGRepository) queryOne(ctx context.Context, what, sql string, args ...any) (Account, error) {
	rows, _ := r.pool.Query(ctx, sql, args...)
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[accountRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("auth: %s: %w", what, err)
	}
	return row.account(), nil
}

func (r *PGRepository) CreateAccount(ctx context.Context, a NewAccount) (Account, error) {
	acct, err := r.queryOne(ctx, "create account", `
INSERT INTO users (id, email, full_name, password_hash, address)
VALUES ($1, lower($2), $3, $4, $5)
RETURNING `+accountColumns,
		uuid.NewString(), a.Email, a.FullName, a.PasswordHash, a.Address.Hex())

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "address") {
			return Account{}, ErrDuplicateAddress
		}
		return Account{}, ErrDuplicateEmail
	}
	return acct, err
}

func (r *PGRepository) AccountByEmail(ctx context.Context, email string) (Account, error) {
	return r.queryOne(ctx, "account by email",
		`SELECT `+accountColumns+` FROM users WHERE email = lower($1)`, email)
}

func (r *PGRepository) AccountByID(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrAccountNotFound
	}
	return r.queryOne(ctx, "account by id",
		`SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
}
