package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/service"
)

// domainErrors are refusals by the deal or registry. They end the current
// scenario; anything else is treated as a transient database failure.
var domainErrors = []error{
	deal.ErrInvalidAddress,
	deal.ErrUnsupportedCollateral,
	deal.ErrNotCollateralOwner,
	deal.ErrNotAuthorized,
	deal.ErrWrongPhase,
	deal.ErrInsufficientFunds,
	deal.ErrInvalidAmount,
	deal.ErrInvalidPeriod,
	registry.ErrTokenNotFound,
	registry.ErrTokenExists,
	registry.ErrNotAuthorized,
	registry.ErrNotTokenOwner,
	registry.ErrLockConflict,
	registry.ErrNotLockParticipating,
	ledger.ErrNoContract,
	ledger.ErrInsufficientBalance,
	ledger.ErrClockRegression,
}

func isDomain(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// Env is the state shared by every actor.
type Env struct {
	Svc       *service.Service
	Ledger    *ledger.Ledger
	Registry  ledger.Address
	Issuer    ledger.Address
	nextToken atomic.Uint64
}

// Account derives a stable address for name and credits it generously.
func (e *Env) Account(name string) (ledger.Address, error) {
	addr := common.BytesToAddress(crypto.Keccak256([]byte("stress/" + name)))
	if err := e.Ledger.Credit(addr, decimal.NewFromInt(1_000_000_000)); err != nil {
		return ledger.ZeroAddress, err
	}
	return addr, nil
}

// do runs one service call under a fresh idempotency key, retrying with the
// same key while the failure is not a domain refusal.
func do(ctx context.Context, caller ledger.Address, fn func(c service.Call) (service.Result, error)) (service.Result, error) {
	c := service.Call{Caller: caller, IdempotencyKey: uuid.NewString()}
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		var res service.Result
		res, err = fn(c)
		if err == nil || isDomain(err) || ctx.Err() != nil {
			return res, err
		}
		time.Sleep(time.Duration(10*(attempt+1)) * time.Millisecond)
	}
	return service.Result{}, err
}

type scenario int

const (
	repay scenario = iota
	neverLock
	handOver
	walkAway
)

func (s scenario) String() string {
	return [...]string{"repay", "never-lock", "hand-over", "walk-away"}[s]
}

type runner struct {
	env                       *Env
	rng                       *rand.Rand
	borrower, lender, lender2 ledger.Address
}

// DealRunner plays borrower and lender through deal after deal until stop is
// closed. Each deal follows a randomly chosen scenario and races the keeper;
// refusals caused by that race end the deal early rather than failing the
// actor.
func DealRunner(ctx context.Context, env *Env, id int, seed int64, stop <-chan struct{}) error {
	r := &runner{env: env, rng: rand.New(rand.NewSource(seed))}
	var err error
	if r.borrower, err = env.Account(fmt.Sprintf("borrower-%d", id)); err != nil {
		return err
	}
	if r.lender, err = env.Account(fmt.Sprintf("lender-%d", id)); err != nil {
		return err
	}
	if r.lender2, err = env.Account(fmt.Sprintf("lender2-%d", id)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		sc := scenario(r.rng.Intn(4))
		if err := r.play(ctx, sc); err != nil && !isDomain(err) && ctx.Err() == nil {
			return fmt.Errorf("actor %d, %s: %w", id, sc, err)
		}
		time.Sleep(time.Duration(5+r.rng.Intn(20)) * time.Millisecond)
	}
}

func (r *runner) play(ctx context.Context, sc scenario) error {
	svc := r.env.Svc
	tokenID := registry.TokenID(r.env.nextToken.Add(1))
	if _, err := do(ctx, r.env.Issuer, func(c service.Call) (service.Result, error) {
		return svc.Mint(ctx, c, r.env.Registry, r.borrower, tokenID)
	}); err != nil {
		return fmt.Errorf("mint %d: %w", tokenID, err)
	}

	principal := decimal.NewFromInt(int64(50 + r.rng.Intn(100)))
	fee := decimal.NewFromInt(int64(r.rng.Intn(10)))
	cooldown := time.Duration(0)
	if sc == handOver {
		cooldown = 300 * time.Millisecond
	}
	dl, err := do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
		return svc.DeployDeal(ctx, c, deal.Params{
			Registry:  r.env.Registry,
			Lender:    r.lender,
			TokenID:   tokenID,
			Principal: principal,
			Fee:       fee,
			Cooldown:  cooldown,
		})
	})
	if err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	addr := dl.Address
	defer r.terminate(ctx, addr)

	if sc == neverLock || sc == walkAway {
		if _, err := do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
			return svc.ChangeTimeout(ctx, c, addr, 50*time.Millisecond)
		}); err != nil {
			return err
		}
	}

	if _, err := do(ctx, r.lender, func(c service.Call) (service.Result, error) {
		return svc.Deposit(ctx, c, addr, principal)
	}); err != nil {
		return err
	}
	if sc == neverLock {
		return r.await(ctx, addr, deal.StateRepoHalted)
	}

	if _, err := do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
		return svc.GrantRepoAuthority(ctx, c, r.env.Registry, addr, tokenID)
	}); err != nil {
		return err
	}
	if _, err := do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
		return svc.ConfirmHandoff(ctx, c, addr)
	}); err != nil {
		return err
	}

	if sc == handOver {
		if _, err := do(ctx, r.lender, func(c service.Call) (service.Result, error) {
			return svc.TransferLenderRights(ctx, c, addr, r.lender2)
		}); err != nil {
			return err
		}
	}
	if err := r.await(ctx, addr, deal.StatePhaseTwoOpened); err != nil {
		return err
	}
	if sc == walkAway {
		return r.await(ctx, addr, deal.StateRepoHalted)
	}
	_, err = do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
		return svc.Deposit(ctx, c, addr, principal.Add(fee))
	})
	return err
}

// await polls the deal until it reaches want, giving up after a second. A
// deal that settles in a different terminal state is not an error.
func (r *runner) await(ctx context.Context, addr ledger.Address, want deal.State) error {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		info, err := r.env.Svc.Deal(ctx, addr)
		if err != nil {
			return err
		}
		if info.State == want || info.State.Terminal() {
			return nil
		}
		if info.State.Polling() {
			_, _ = do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
				return r.env.Svc.Poll(ctx, c, addr)
			})
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// terminate closes the deal when its state allows it.
func (r *runner) terminate(ctx context.Context, addr ledger.Address) {
	info, err := r.env.Svc.Deal(ctx, addr)
	if err != nil || !info.State.Terminable() {
		return
	}
	_, _ = do(ctx, r.borrower, func(c service.Call) (service.Result, error) {
		return r.env.Svc.Terminate(ctx, c, addr)
	})
}
