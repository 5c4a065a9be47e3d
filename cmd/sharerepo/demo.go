package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/service"
)

func demoCommand() *cobra.Command {
	var halt bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a repo deal end to end in memory and print every step",
		Run: func(cmd *cobra.Command, args []string) {
			logger := commonRun()
			if err := runDemo(cmd.Context(), cmd.OutOrStdout(), logger, halt); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&halt, "halt", false, "let phase two time out instead of repaying")
	return cmd
}

// demoClock is advanced by hand so the scenario does not wait on wall time.
type demoClock struct{ now time.Time }

func (c *demoClock) Now() time.Time { return c.now }

func demoAccount(name string) ledger.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("sharerepo/demo/" + name)))
}

func runDemo(ctx context.Context, out io.Writer, logger *slog.Logger, halt bool) error {
	clk := &demoClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.Config{Logger: logger, Clock: clk.Now})
	svc := service.New(service.Config{Ledger: l, Logger: logger})

	issuer, borrower, lender := demoAccount("issuer"), demoAccount("borrower"), demoAccount("lender")
	const tokenID registry.TokenID = 1
	for _, a := range []ledger.Address{borrower, lender} {
		if err := l.Credit(a, decimal.NewFromInt(1000)); err != nil {
			return err
		}
	}

	var dealAddr ledger.Address
	report := func(step string) {
		fmt.Fprintf(out, "%-34s", step)
		if dealAddr != ledger.ZeroAddress {
			if info, err := svc.Deal(ctx, dealAddr); err == nil {
				fmt.Fprintf(out, " state=%-18s escrow=%s", info.State, info.Balance)
			} else {
				fmt.Fprintf(out, " deal gone")
			}
		}
		fmt.Fprintf(out, " borrower=%s lender=%s\n", svc.Balance(borrower), svc.Balance(lender))
	}
	as := func(a ledger.Address) service.Call { return service.Call{Caller: a} }

	reg, err := svc.DeployRegistry(ctx, as(issuer), "Demo Shares", "DEMO")
	if err != nil {
		return fmt.Errorf("deploy registry: %w", err)
	}
	if _, err := svc.Mint(ctx, as(issuer), reg.Address, borrower, tokenID); err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	report("share token minted to borrower")

	cooldown := 1000 * time.Second
	dl, err := svc.DeployDeal(ctx, as(borrower), deal.Params{
		Registry:  reg.Address,
		Lender:    lender,
		TokenID:   tokenID,
		Principal: decimal.NewFromInt(100),
		Fee:       decimal.NewFromInt(10),
		Cooldown:  cooldown,
	})
	if err != nil {
		return fmt.Errorf("deploy deal: %w", err)
	}
	dealAddr = dl.Address
	report("deal deployed")

	if _, err := svc.Deposit(ctx, as(lender), dealAddr, decimal.NewFromInt(100)); err != nil {
		return fmt.Errorf("fund phase one: %w", err)
	}
	report("lender funded principal")

	if _, err := svc.GrantRepoAuthority(ctx, as(borrower), reg.Address, dealAddr, tokenID); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	if _, err := svc.ConfirmHandoff(ctx, as(borrower), dealAddr); err != nil {
		return fmt.Errorf("confirm handoff: %w", err)
	}
	report("token locked and handed off")

	clk.now = clk.now.Add(cooldown + time.Second)
	if _, err := svc.Poll(ctx, as(issuer), dealAddr); err != nil {
		return fmt.Errorf("open phase two: %w", err)
	}
	report("cooldown elapsed")

	if halt {
		clk.now = clk.now.Add(deal.DefaultTimeoutPeriod + time.Second)
		if _, err := svc.Poll(ctx, as(issuer), dealAddr); err != nil {
			return fmt.Errorf("halt: %w", err)
		}
		report("repayment window expired")
	} else {
		if _, err := svc.Deposit(ctx, as(borrower), dealAddr, decimal.NewFromInt(110)); err != nil {
			return fmt.Errorf("repay: %w", err)
		}
		report("borrower repaid")
	}

	tok, err := svc.Token(ctx, reg.Address, tokenID)
	if err != nil {
		return err
	}
	owner := "lender"
	if tok.Owner == borrower {
		owner = "borrower"
	}
	fmt.Fprintf(out, "token held by %s, locked=%t\n", owner, tok.LockedForRepo)

	if _, err := svc.Terminate(ctx, as(borrower), dealAddr); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	report("deal terminated")
	return nil
}
