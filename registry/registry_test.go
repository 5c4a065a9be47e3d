package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"sharerepo/ledger"
	"sharerepo/registry"
)

var (
	minter = common.HexToAddress("0x000000000000000000000000000000000000abcd")
	owner  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	other  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	t0     = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type holder struct{ addr ledger.Address }

func (h *holder) Address() ledger.Address { return h.addr }

type acceptor struct {
	addr ledger.Address
	got  []registry.TokenID
}

func (a *acceptor) Address() ledger.Address { return a.addr }

func (a *acceptor) OnTokenReceived(tx *ledger.Tx, _, _ ledger.Address, id registry.TokenID) error {
	a.got = append(a.got, id)
	return nil
}

type env struct {
	t   *testing.T
	l   *ledger.Ledger
	reg ledger.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()
	l := ledger.New(ledger.Config{})
	addr, _, err := l.Deploy(context.Background(), ledger.Msg{From: minter, Time: t0}, registry.Constructor("Acme Shares", "ACME"))
	require.NoError(t, err)
	e := &env{t: t, l: l, reg: addr}
	e.must(minter, func(tx *ledger.Tx, r *registry.Registry) error { return r.Mint(tx, owner, 1) })
	return e
}

func (e *env) call(from ledger.Address, fn func(tx *ledger.Tx, r *registry.Registry) error) error {
	_, err := e.l.Execute(context.Background(), ledger.Msg{From: from, To: e.reg, Time: t0}, func(tx *ledger.Tx) error {
		r, err := registry.At(tx, e.reg)
		if err != nil {
			return err
		}
		return fn(tx, r)
	})
	return err
}

func (e *env) must(from ledger.Address, fn func(tx *ledger.Tx, r *registry.Registry) error) {
	e.t.Helper()
	require.NoError(e.t, e.call(from, fn))
}

func (e *env) token(id registry.TokenID) registry.Token {
	e.t.Helper()
	var tok registry.Token
	err := e.l.View(context.Background(), func(tx *ledger.Tx) error {
		r, err := registry.At(tx, e.reg)
		if err != nil {
			return err
		}
		tok, err = r.Token(id)
		return err
	})
	require.NoError(e.t, err)
	return tok
}

func (e *env) deployHolder() ledger.Address {
	e.t.Helper()
	addr, _, err := e.l.Deploy(context.Background(), ledger.Msg{From: other, Time: t0}, func(_ *ledger.Tx, self ledger.Address) (ledger.Contract, error) {
		return &holder{addr: self}, nil
	})
	require.NoError(e.t, err)
	return addr
}

// asHolder runs fn in a frame whose caller is the holder contract at addr.
func (e *env) asHolder(addr ledger.Address, fn func(tx *ledger.Tx, r *registry.Registry) error) error {
	return e.call(other, func(tx *ledger.Tx, r *registry.Registry) error {
		return fn(tx.Frame(addr), r)
	})
}

func TestMintRules(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, owner, e.token(1).Owner)

	err := e.call(minter, func(tx *ledger.Tx, r *registry.Registry) error { return r.Mint(tx, owner, 1) })
	require.ErrorIs(t, err, registry.ErrTokenExists)

	err = e.call(other, func(tx *ledger.Tx, r *registry.Registry) error { return r.Mint(tx, other, 2) })
	require.ErrorIs(t, err, registry.ErrNotAuthorized)

	err = e.call(minter, func(tx *ledger.Tx, r *registry.Registry) error { return r.Mint(tx, ledger.ZeroAddress, 2) })
	require.ErrorIs(t, err, registry.ErrInvalidAddress)
}

func TestBurnRemovesToken(t *testing.T) {
	e := newEnv(t)
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.Burn(tx, 1) })

	err := e.l.View(context.Background(), func(tx *ledger.Tx) error {
		r, _ := registry.At(tx, e.reg)
		_, err := r.OwnerOf(1)
		return err
	})
	require.ErrorIs(t, err, registry.ErrTokenNotFound)
}

func TestGrantRepoAuthority(t *testing.T) {
	e := newEnv(t)
	deal := e.deployHolder()

	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 1) })
	tok := e.token(1)
	require.True(t, tok.LockedForRepo)
	require.Equal(t, deal, tok.Approved)
	require.Equal(t, owner, tok.Owner)

	second := e.deployHolder()
	err := e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, second, 1) })
	require.ErrorIs(t, err, registry.ErrLockConflict)
	require.Equal(t, deal, e.token(1).Approved)
}

func TestGrantRepoAuthorityGuards(t *testing.T) {
	e := newEnv(t)
	deal := e.deployHolder()

	err := e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, other, 1) })
	require.ErrorIs(t, err, registry.ErrTargetNotContract)

	err = e.call(other, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 1) })
	require.ErrorIs(t, err, registry.ErrNotAuthorized)

	err = e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.GrantRepoAuthority(tx, ledger.ZeroAddress, 1)
	})
	require.ErrorIs(t, err, registry.ErrInvalidAddress)

	err = e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 9) })
	require.ErrorIs(t, err, registry.ErrTokenNotFound)

	require.False(t, e.token(1).LockedForRepo)
}

func TestOperatorMayGrantRepoAuthority(t *testing.T) {
	e := newEnv(t)
	deal := e.deployHolder()
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.SetApprovalForAll(tx, other, true) })
	e.must(other, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 1) })
	require.True(t, e.token(1).LockedForRepo)
}

func TestLockedTokenRejectsOrdinaryOperations(t *testing.T) {
	e := newEnv(t)
	deal := e.deployHolder()
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 1) })

	err := e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.TransferCustody(tx, owner, other, 1) })
	require.ErrorIs(t, err, registry.ErrLockConflict)

	err = e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.Approve(tx, other, 1) })
	require.ErrorIs(t, err, registry.ErrLockConflict)

	err = e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.Burn(tx, 1) })
	require.ErrorIs(t, err, registry.ErrLockConflict)

	require.Equal(t, owner, e.token(1).Owner)
}

func TestLockHolderMovesTokenAndKeepsLock(t *testing.T) {
	e := newEnv(t)
	deal := e.deployHolder()
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 1) })

	require.NoError(t, e.asHolder(deal, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.TransferCustody(tx, owner, other, 1)
	}))
	tok := e.token(1)
	require.Equal(t, other, tok.Owner)
	require.Equal(t, deal, tok.Approved)
	require.True(t, tok.LockedForRepo)

	err := e.asHolder(deal, func(tx *ledger.Tx, r *registry.Registry) error {
		return r.TransferCustody(tx, owner, other, 1)
	})
	require.ErrorIs(t, err, registry.ErrNotTokenOwner)
}

func TestReleaseRepoAuthority(t *testing.T) {
	e := newEnv(t)
	deal := e.deployHolder()

	err := e.asHolder(deal, func(tx *ledger.Tx, r *registry.Registry) error { return r.ReleaseRepoAuthority(tx, 1) })
	require.ErrorIs(t, err, registry.ErrNotLockParticipating)

	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, deal, 1) })

	err = e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.ReleaseRepoAuthority(tx, 1) })
	require.ErrorIs(t, err, registry.ErrNotAuthorized)

	require.NoError(t, e.asHolder(deal, func(tx *ledger.Tx, r *registry.Registry) error { return r.ReleaseRepoAuthority(tx, 1) }))
	tok := e.token(1)
	require.False(t, tok.LockedForRepo)
	require.Equal(t, ledger.ZeroAddress, tok.Approved)

	// the token can be pledged again once released
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.GrantRepoAuthority(tx, e.deployHolder(), 1) })
}

func TestUnlockedTransferClearsDelegate(t *testing.T) {
	e := newEnv(t)
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.Approve(tx, other, 1) })
	e.must(other, func(tx *ledger.Tx, r *registry.Registry) error { return r.TransferCustody(tx, owner, other, 1) })

	tok := e.token(1)
	require.Equal(t, other, tok.Owner)
	require.Equal(t, ledger.ZeroAddress, tok.Approved)

	err := e.call(minter, func(tx *ledger.Tx, r *registry.Registry) error { return r.TransferCustody(tx, other, minter, 1) })
	require.ErrorIs(t, err, registry.ErrNotAuthorized)
}

func TestSafeTransferCustody(t *testing.T) {
	e := newEnv(t)
	plain := e.deployHolder()
	err := e.call(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.SafeTransferCustody(tx, owner, plain, 1) })
	require.ErrorIs(t, err, registry.ErrUnsafeTransferTarget)
	require.Equal(t, owner, e.token(1).Owner)

	var acc *acceptor
	addr, _, err := e.l.Deploy(context.Background(), ledger.Msg{From: other, Time: t0}, func(_ *ledger.Tx, self ledger.Address) (ledger.Contract, error) {
		acc = &acceptor{addr: self}
		return acc, nil
	})
	require.NoError(t, err)
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.SafeTransferCustody(tx, owner, addr, 1) })
	require.Equal(t, addr, e.token(1).Owner)
	require.Equal(t, []registry.TokenID{1}, acc.got)
}

func TestBalancesFollowCustody(t *testing.T) {
	e := newEnv(t)
	e.must(minter, func(tx *ledger.Tx, r *registry.Registry) error { return r.Mint(tx, owner, 2) })
	e.must(owner, func(tx *ledger.Tx, r *registry.Registry) error { return r.TransferCustody(tx, owner, other, 2) })

	err := e.l.View(context.Background(), func(tx *ledger.Tx) error {
		r, _ := registry.At(tx, e.reg)
		n, err := r.BalanceOf(owner)
		require.NoError(t, err)
		require.Equal(t, uint64(1), n)
		n, err = r.BalanceOf(other)
		require.NoError(t, err)
		require.Equal(t, uint64(1), n)
		require.Len(t, r.Tokens(), 2)
		require.True(t, r.SupportsInterface(registry.InterfaceRepoLock))
		return nil
	})
	require.NoError(t, err)
}
