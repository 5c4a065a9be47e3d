package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
)

// DeployRegistry creates a share-token registry whose minter is the caller.
func (s *Service) DeployRegistry(ctx context.Context, c Call, name, symbol string) (Result, error) {
	return s.run(ctx, "deploy_registry", c, func(tx *ledger.Tx, ch *changes, res *Result) error {
		addr, err := tx.Deploy(registry.Constructor(name, symbol))
		if err != nil {
			return err
		}
		res.Address, res.OK = addr, true
		return nil
	})
}

func (s *Service) withRegistry(ctx context.Context, name string, c Call, reg ledger.Address, fn func(tx *ledger.Tx, r *registry.Registry) error) (Result, error) {
	return s.run(ctx, name, c, func(tx *ledger.Tx, ch *changes, res *Result) error {
		r, err := registry.At(tx, reg)
		if err != nil {
			return err
		}
		if err := fn(tx, r); err != nil {
			return err
		}
		res.Address, res.OK = reg, true
		return nil
	})
}

func (s *Service) Mint(ctx context.Context, c Call, reg, to ledger.Address, id registry.TokenID) (Result, error) {
	return s.withRegistry(ctx, "mint", c, reg, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.Mint(tx, to, id)
	})
}

func (s *Service) Burn(ctx context.Context, c Call, reg ledger.Address, id registry.TokenID) (Result, error) {
	return s.withRegistry(ctx, "burn", c, reg, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.Burn(tx, id)
	})
}

func (s *Service) Approve(ctx context.Context, c Call, reg, to ledger.Address, id registry.TokenID) (Result, error) {
	return s.withRegistry(ctx, "approve", c, reg, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.Approve(tx, to, id)
	})
}

func (s *Service) SetApprovalForAll(ctx context.Context, c Call, reg, operator ledger.Address, approved bool) (Result, error) {
	return s.withRegistry(ctx, "set_approval_for_all", c, reg, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.SetApprovalForAll(tx, operator, approved)
	})
}

// TransferToken moves a token between accounts. With safe set, a contract
// recipient must accept the token.
func (s *Service) TransferToken(ctx context.Context, c Call, reg, from, to ledger.Address, id registry.TokenID, safe bool) (Result, error) {
	return s.withRegistry(ctx, "transfer_token", c, reg, func(tx *ledger.Tx, r *registry.Registry) error {
		if safe {
			return r.SafeTransferCustody(tx, from, to, id)
		}
		return r.TransferCustody(tx, from, to, id)
	})
}

// GrantRepoAuthority locks the caller's token to the deal at dealAddr.
func (s *Service) GrantRepoAuthority(ctx context.Context, c Call, reg, dealAddr ledger.Address, id registry.TokenID) (Result, error) {
	return s.withRegistry(ctx, "grant_repo_authority", c, reg, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.GrantRepoAuthority(tx, dealAddr, id)
	})
}

// DeployDeal creates a deal with the caller as admin and borrower.
func (s *Service) DeployDeal(ctx context.Context, c Call, p deal.Params) (Result, error) {
	return s.run(ctx, "deploy_deal", c, func(tx *ledger.Tx, ch *changes, res *Result) error {
		addr, err := tx.Deploy(deal.Constructor(p))
		if err != nil {
			return err
		}
		ch.deal(addr)
		res.Address, res.OK = addr, true
		return nil
	})
}

func (s *Service) withDeal(ctx context.Context, name string, c Call, addr ledger.Address, fn func(tx *ledger.Tx, d *deal.Deal, res *Result) error) (Result, error) {
	return s.run(ctx, name, c, func(tx *ledger.Tx, ch *changes, res *Result) error {
		d, err := deal.At(tx, addr)
		if err != nil {
			return err
		}
		ch.deal(addr)
		res.Address = addr
		return fn(tx, d, res)
	})
}

// Deposit sends amount from the caller to the deal and runs its receive
// handler.
func (s *Service) Deposit(ctx context.Context, c Call, addr ledger.Address, amount decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: deposit %s", deal.ErrInvalidAmount, amount)
	}
	return s.withDeal(ctx, "deposit", c, addr, func(tx *ledger.Tx, d *deal.Deal, res *Result) error {
		if err := tx.Transfer(tx.Caller(), addr, amount); err != nil {
			return err
		}
		if err := d.Receive(tx); err != nil {
			return err
		}
		res.OK = true
		return nil
	})
}

// ConfirmHandoff reports OK false, without error, while the collateral lock
// is not yet in place.
func (s *Service) ConfirmHandoff(ctx context.Context, c Call, addr ledger.Address) (Result, error) {
	return s.withDeal(ctx, "confirm_handoff", c, addr, func(tx *ledger.Tx, d *deal.Deal, res *Result) error {
		ok, err := d.ConfirmCollateralHandoff(tx)
		res.OK = ok
		return err
	})
}

// Poll checks the deal's timeouts against the call time.
func (s *Service) Poll(ctx context.Context, c Call, addr ledger.Address) (Result, error) {
	return s.withDeal(ctx, "poll", c, addr, func(tx *ledger.Tx, d *deal.Deal, res *Result) error {
		ok, err := d.PollTimeout(tx, tx.Now())
		res.OK = ok
		return err
	})
}

func (s *Service) TransferLenderRights(ctx context.Context, c Call, addr, newLender ledger.Address) (Result, error) {
	return s.withDeal(ctx, "transfer_lender_rights", c, addr, func(tx *ledger.Tx, d *deal.Deal, res *Result) error {
		if err := d.TransferLenderRights(tx, newLender); err != nil {
			return err
		}
		res.OK = true
		return nil
	})
}

func (s *Service) ChangeTimeout(ctx context.Context, c Call, addr ledger.Address, period time.Duration) (Result, error) {
	return s.withDeal(ctx, "change_timeout", c, addr, func(tx *ledger.Tx, d *deal.Deal, res *Result) error {
		if err := d.ChangeTimeoutPeriod(tx, period); err != nil {
			return err
		}
		res.OK = true
		return nil
	})
}

func (s *Service) Terminate(ctx context.Context, c Call, addr ledger.Address) (Result, error) {
	return s.withDeal(ctx, "terminate", c, addr, func(tx *ledger.Tx, d *deal.Deal, res *Result) error {
		if err := d.Terminate(tx); err != nil {
			return err
		}
		res.OK = true
		return nil
	})
}
