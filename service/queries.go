package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/store"
)

// Deal reads the live state of the deal at addr from the ledger.
func (s *Service) Deal(ctx context.Context, addr ledger.Address) (deal.Info, error) {
	var info deal.Info
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		d, err := deal.At(tx, addr)
		if err != nil {
			return err
		}
		info = d.Info(tx)
		return nil
	})
	return info, err
}

func (s *Service) Token(ctx context.Context, reg ledger.Address, id registry.TokenID) (registry.Token, error) {
	var tok registry.Token
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		r, err := registry.At(tx, reg)
		if err != nil {
			return err
		}
		tok, err = r.Token(id)
		return err
	})
	return tok, err
}

func (s *Service) Balance(addr ledger.Address) decimal.Decimal {
	return s.ledger.BalanceOf(addr)
}

// PollingDeals lists the live deals whose state has a timeout to check.
func (s *Service) PollingDeals() []ledger.Address {
	addrs := s.ledger.Addresses(func(c ledger.Contract) bool {
		d, ok := c.(*deal.Deal)
		return ok && d.State().Polling()
	})
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	return addrs
}

// Deals lists deal snapshots from the database when one is configured and
// otherwise scans the ledger. Destroyed deals only exist in the database.
func (s *Service) Deals(ctx context.Context, f store.DealFilter) ([]deal.Info, error) {
	if s.pool != nil {
		pgtx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("service: begin tx: %w", err)
		}
		defer pgtx.Rollback(ctx)
		return s.repo.ListDeals(ctx, pgtx, f)
	}

	addrs := s.ledger.Addresses(func(c ledger.Contract) bool {
		_, ok := c.(*deal.Deal)
		return ok
	})
	var all []deal.Info
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		for _, addr := range addrs {
			d, err := deal.At(tx, addr)
			if err != nil {
				// destroyed between the scan and the view
				continue
			}
			info := d.Info(tx)
			if f.State != nil && info.State != *f.State {
				continue
			}
			if f.Party != ledger.ZeroAddress && info.Borrower != f.Party && info.Lender != f.Party {
				continue
			}
			all = append(all, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i].Address[:], all[j].Address[:]) < 0
	})
	return page(all, f), nil
}

func page(all []deal.Info, f store.DealFilter) []deal.Info {
	limit := f.PageLimit()
	offset := max(f.Offset, 0)
	if offset >= len(all) {
		return nil
	}
	return all[offset:min(offset+limit, len(all))]
}

// Timeline returns the recorded events of a subject (see store.DealSubject
// and store.TokenSubject).
func (s *Service) Timeline(ctx context.Context, subject string, limit int) ([]store.TimelineEvent, error) {
	if s.pool == nil {
		return nil, ErrPersistenceDisabled
	}
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)
	return s.repo.Timeline(ctx, pgtx, subject, limit)
}
