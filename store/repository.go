package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
	// ErrIdempotencyKeyNotFound is returned when no stored result exists for a key.
	ErrIdempotencyKeyNotFound = errors.New("store: idempotency key not found")
	// ErrDealNotFound is returned when no deal row exists for the provided address.
	ErrDealNotFound = errors.New("store: deal not found")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("store: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("store: insert idempotency key: %w", err)
	}

	return nil
}

// CompleteIdempotencyKey stores the response returned for key so replays can
// reproduce it.
func (r *Repository) CompleteIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, result []byte) error {
	if _, err := tx.Exec(ctx, `UPDATE idempotency SET result = $2 WHERE key = $1`, key, result); err != nil {
		return fmt.Errorf("store: complete idempotency key: %w", err)
	}
	return nil
}

func (r *Repository) IdempotentResult(ctx context.Context, tx pgx.Tx, key string) ([]byte, error) {
	var result []byte
	if err := tx.QueryRow(ctx, `SELECT result FROM idempotency WHERE key = $1`, key).Scan(&result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyKeyNotFound
		}
		return nil, fmt.Errorf("store: read idempotency result: %w", err)
	}
	return result, nil
}

// SaveDeal upserts the snapshot of a live deal. Snapshots older than the
// stored one are ignored.
func (r *Repository) SaveDeal(ctx context.Context, tx pgx.Tx, seq uint64, info deal.Info) error {
	const upsertSQL = `
INSERT INTO deals (address, admin, borrower, lender, registry, token_id, principal, repayment,
                   cooldown_ms, timeout_ms, phase_clock, state, balance, updated_seq)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13::numeric, $14)
ON CONFLICT (address) DO UPDATE
SET lender      = EXCLUDED.lender,
    timeout_ms  = EXCLUDED.timeout_ms,
    phase_clock = EXCLUDED.phase_clock,
    state       = EXCLUDED.state,
    balance     = EXCLUDED.balance,
    updated_seq = EXCLUDED.updated_seq,
    updated_at  = now()
WHERE deals.updated_seq <= EXCLUDED.updated_seq;
`

	var phaseClock *time.Time
	if !info.PhaseClock.IsZero() {
		t := info.PhaseClock.UTC()
		phaseClock = &t
	}

	if _, err := tx.Exec(ctx, upsertSQL,
		info.Address.Hex(),
		info.Admin.Hex(),
		info.Borrower.Hex(),
		info.Lender.Hex(),
		info.Registry.Hex(),
		int64(info.TokenID),
		info.Principal.String(),
		info.Repayment.String(),
		info.Cooldown.Milliseconds(),
		info.Timeout.Milliseconds(),
		phaseClock,
		int16(info.State),
		info.Balance.String(),
		int64(seq),
	); err != nil {
		return fmt.Errorf("store: save deal %s: %w", info.Address.Hex(), err)
	}
	return nil
}

// MarkDealDestroyed records that the deal at addr no longer exists.
func (r *Repository) MarkDealDestroyed(ctx context.Context, tx pgx.Tx, seq uint64, addr ledger.Address, at time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE deals
SET destroyed_at = $3, balance = 0, updated_seq = $2, updated_at = now()
WHERE address = $1 AND destroyed_at IS NULL
`, addr.Hex(), int64(seq), at.UTC()); err != nil {
		return fmt.Errorf("store: mark deal destroyed: %w", err)
	}
	return nil
}

func (r *Repository) SaveToken(ctx context.Context, tx pgx.Tx, seq uint64, reg ledger.Address, tok registry.Token) error {
	const upsertSQL = `
INSERT INTO tokens (registry, token_id, owner, approved, locked_for_repo, updated_seq)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (registry, token_id) DO UPDATE
SET owner           = EXCLUDED.owner,
    approved        = EXCLUDED.approved,
    locked_for_repo = EXCLUDED.locked_for_repo,
    burned_at       = NULL,
    updated_seq     = EXCLUDED.updated_seq,
    updated_at      = now()
WHERE tokens.updated_seq <= EXCLUDED.updated_seq;
`

	var approved *string
	if tok.Approved != ledger.ZeroAddress {
		hex := tok.Approved.Hex()
		approved = &hex
	}

	if _, err := tx.Exec(ctx, upsertSQL, reg.Hex(), int64(tok.ID), tok.Owner.Hex(), approved, tok.LockedForRepo, int64(seq)); err != nil {
		return fmt.Errorf("store: save token %d: %w", tok.ID, err)
	}
	return nil
}

func (r *Repository) MarkTokenBurned(ctx context.Context, tx pgx.Tx, seq uint64, reg ledger.Address, id registry.TokenID, at time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE tokens
SET burned_at = $4, approved = NULL, locked_for_repo = false, updated_seq = $3, updated_at = now()
WHERE registry = $1 AND token_id = $2
`, reg.Hex(), int64(id), int64(seq), at.UTC()); err != nil {
		return fmt.Errorf("store: mark token burned: %w", err)
	}
	return nil
}

const dealColumns = `address, admin, borrower, lender, registry, token_id, principal::text, repayment::text,
       cooldown_ms, timeout_ms, phase_clock, state, balance::text`

func (r *Repository) GetDeal(ctx context.Context, tx pgx.Tx, addr ledger.Address) (deal.Info, error) {
	info, err := scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE address = $1`, addr.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deal.Info{}, ErrDealNotFound
		}
		return deal.Info{}, fmt.Errorf("store: get deal: %w", err)
	}
	return info, nil
}

// ListDeals pages through persisted deal snapshots, newest first.
func (r *Repository) ListDeals(ctx context.Context, tx pgx.Tx, f DealFilter) ([]deal.Info, error) {
	var (
		conds []string
		args  []any
	)
	if !f.IncludeDestroyed {
		conds = append(conds, "destroyed_at IS NULL")
	}
	if f.State != nil {
		args = append(args, int16(*f.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Party != ledger.ZeroAddress {
		args = append(args, f.Party.Hex())
		conds = append(conds, fmt.Sprintf("(borrower = $%d OR lender = $%d)", len(args), len(args)))
	}

	query := `SELECT ` + dealColumns + ` FROM deals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.PageLimit(), max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC, address LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list deals: %w", err)
	}
	defer rows.Close()

	var out []deal.Info
	for rows.Next() {
		info, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan deal: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list deals: %w", err)
	}
	return out, nil
}

func scanDeal(row pgx.Row) (deal.Info, error) {
	var (
		info                               deal.Info
		addr, admin, borrower, lender, reg string
		tokenID, cooldownMS, timeoutMS     int64
		principal, repayment, balance      string
		phaseClock                         *time.Time
		state                              int16
	)
	if err := row.Scan(&addr, &admin, &borrower, &lender, &reg, &tokenID, &principal, &repayment,
		&cooldownMS, &timeoutMS, &phaseClock, &state, &balance); err != nil {
		return deal.Info{}, err
	}

	var err error
	if info.Principal, err = decimal.NewFromString(principal); err != nil {
		return deal.Info{}, fmt.Errorf("principal: %w", err)
	}
	if info.Repayment, err = decimal.NewFromString(repayment); err != nil {
		return deal.Info{}, fmt.Errorf("repayment: %w", err)
	}
	if info.Balance, err = decimal.NewFromString(balance); err != nil {
		return deal.Info{}, fmt.Errorf("balance: %w", err)
	}
	info.Address = common.HexToAddress(addr)
	info.Admin = common.HexToAddress(admin)
	info.Borrower = common.HexToAddress(borrower)
	info.Lender = common.HexToAddress(lender)
	info.Registry = common.HexToAddress(reg)
	info.TokenID = registry.TokenID(tokenID)
	info.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	info.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if phaseClock != nil {
		info.PhaseClock = phaseClock.UTC()
	}
	info.State = deal.State(state)
	return info, nil
}
