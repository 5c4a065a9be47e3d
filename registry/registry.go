package registry

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"

	"sharerepo/event"
	"sharerepo/ledger"
)

// TokenID identifies one share token within a registry.
type TokenID uint64

// InterfaceID is a capability fingerprint: the XOR of the first four bytes of
// the keccak hashes of the capability's method signatures.
type InterfaceID [4]byte

var (
	InterfaceTokenRegistry = interfaceOf(
		"ownerOf(uint256)",
		"getApproved(uint256)",
		"approve(address,uint256)",
		"setApprovalForAll(address,bool)",
		"isApprovedForAll(address,address)",
		"transferFrom(address,address,uint256)",
	)
	InterfaceRepoLock = interfaceOf(
		"grantRepoAuthority(address,uint256)",
		"releaseRepoAuthority(uint256)",
		"isLockParticipating(uint256)",
	)
)

func interfaceOf(signatures ...string) InterfaceID {
	var id InterfaceID
	for _, sig := range signatures {
		h := crypto.Keccak256([]byte(sig))
		for i := range id {
			id[i] ^= h[i]
		}
	}
	return id
}

const (
	EventTransfer       event.Type = "token.transfer"
	EventApproval       event.Type = "token.approval"
	EventApprovalForAll event.Type = "token.approval_for_all"
)

type TransferEvent struct {
	Registry ledger.Address `json:"registry"`
	From     ledger.Address `json:"from"`
	To       ledger.Address `json:"to"`
	TokenID  TokenID        `json:"token_id"`
}

// ApprovalEvent reports a change of the token's delegate. Locked is true when
// the delegate was installed as the token's repo-lock holder.
type ApprovalEvent struct {
	Registry ledger.Address `json:"registry"`
	Owner    ledger.Address `json:"owner"`
	Approved ledger.Address `json:"approved"`
	TokenID  TokenID        `json:"token_id"`
	Locked   bool           `json:"locked"`
}

type ApprovalForAllEvent struct {
	Registry ledger.Address `json:"registry"`
	Owner    ledger.Address `json:"owner"`
	Operator ledger.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

// Token is the custody record of one share token.
type Token struct {
	ID            TokenID
	Owner         ledger.Address
	Approved      ledger.Address
	LockedForRepo bool
}

// TokenReceiver is implemented by contracts that accept tokens through
// SafeTransferCustody.
type TokenReceiver interface {
	OnTokenReceived(tx *ledger.Tx, operator, from ledger.Address, id TokenID) error
}

// Registry owns the share tokens of one company. Reads must run inside a
// ledger call or view.
type Registry struct {
	addr      ledger.Address
	minter    ledger.Address
	name      string
	symbol    string
	tokens    map[TokenID]*Token
	balances  map[ledger.Address]uint64
	operators map[ledger.Address]map[ledger.Address]bool
}

// Constructor deploys a registry whose deployer becomes the minter.
func Constructor(name, symbol string) ledger.Constructor {
	return func(tx *ledger.Tx, self ledger.Address) (ledger.Contract, error) {
		return &Registry{
			addr:      self,
			minter:    tx.Caller(),
			name:      name,
			symbol:    symbol,
			tokens:    make(map[TokenID]*Token),
			balances:  make(map[ledger.Address]uint64),
			operators: make(map[ledger.Address]map[ledger.Address]bool),
		}, nil
	}
}

// At resolves the live registry deployed at addr.
func At(tx *ledger.Tx, addr ledger.Address) (*Registry, error) {
	c, err := tx.Contract(addr)
	if err != nil {
		return nil, err
	}
	r, ok := c.(*Registry)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a registry", ledger.ErrNoContract, addr.Hex())
	}
	return r, nil
}

func (r *Registry) Address() ledger.Address { return r.addr }
func (r *Registry) Minter() ledger.Address  { return r.minter }
func (r *Registry) Name() string            { return r.name }
func (r *Registry) Symbol() string          { return r.symbol }

func (r *Registry) SupportsInterface(id InterfaceID) bool {
	return id == InterfaceTokenRegistry || id == InterfaceRepoLock
}

func (r *Registry) token(id TokenID) (*Token, error) {
	tok, ok := r.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return tok, nil
}

// Token returns a copy of the custody record for id.
func (r *Registry) Token(id TokenID) (Token, error) {
	tok, err := r.token(id)
	if err != nil {
		return Token{}, err
	}
	return *tok, nil
}

// Tokens returns every live record ordered by id.
func (r *Registry) Tokens() []Token {
	out := make([]Token, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, *tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) OwnerOf(id TokenID) (ledger.Address, error) {
	tok, err := r.token(id)
	if err != nil {
		return ledger.ZeroAddress, err
	}
	return tok.Owner, nil
}

func (r *Registry) GetApproved(id TokenID) (ledger.Address, error) {
	tok, err := r.token(id)
	if err != nil {
		return ledger.ZeroAddress, err
	}
	return tok.Approved, nil
}

func (r *Registry) IsLockParticipating(id TokenID) (bool, error) {
	tok, err := r.token(id)
	if err != nil {
		return false, err
	}
	return tok.LockedForRepo, nil
}

func (r *Registry) BalanceOf(owner ledger.Address) (uint64, error) {
	if owner == ledger.ZeroAddress {
		return 0, ErrInvalidAddress
	}
	return r.balances[owner], nil
}

func (r *Registry) IsApprovedForAll(owner, operator ledger.Address) bool {
	return r.operators[owner][operator]
}

func (r *Registry) canMove(caller ledger.Address, tok *Token) bool {
	return caller == tok.Owner || caller == tok.Approved || r.IsApprovedForAll(tok.Owner, caller)
}

// Mint creates id for to. Only the minter may mint.
func (r *Registry) Mint(tx *ledger.Tx, to ledger.Address, id TokenID) error {
	if tx.Caller() != r.minter {
		return fmt.Errorf("%w: %s is not the minter", ErrNotAuthorized, tx.Caller().Hex())
	}
	if to == ledger.ZeroAddress {
		return fmt.Errorf("%w: mint target", ErrInvalidAddress)
	}
	if _, ok := r.tokens[id]; ok {
		return fmt.Errorf("%w: %d", ErrTokenExists, id)
	}
	r.put(tx, id, &Token{ID: id, Owner: to})
	r.adjustBalance(tx, to, 1)
	tx.Emit(EventTransfer, TransferEvent{Registry: r.addr, To: to, TokenID: id})
	return nil
}

// Burn destroys id. Locked tokens cannot be burned.
func (r *Registry) Burn(tx *ledger.Tx, id TokenID) error {
	tok, err := r.token(id)
	if err != nil {
		return err
	}
	if tok.LockedForRepo {
		return fmt.Errorf("%w: %d", ErrLockConflict, id)
	}
	if !r.canMove(tx.Caller(), tok) {
		return fmt.Errorf("%w: %s on token %d", ErrNotAuthorized, tx.Caller().Hex(), id)
	}
	r.put(tx, id, nil)
	r.adjustBalance(tx, tok.Owner, -1)
	tx.Emit(EventTransfer, TransferEvent{Registry: r.addr, From: tok.Owner, TokenID: id})
	return nil
}

// Approve installs a plain delegate. The delegate of a locked token belongs to
// the lock holder and only changes through ReleaseRepoAuthority.
func (r *Registry) Approve(tx *ledger.Tx, to ledger.Address, id TokenID) error {
	tok, err := r.token(id)
	if err != nil {
		return err
	}
	if tok.LockedForRepo {
		return fmt.Errorf("%w: %d", ErrLockConflict, id)
	}
	caller := tx.Caller()
	if caller != tok.Owner && !r.IsApprovedForAll(tok.Owner, caller) {
		return fmt.Errorf("%w: %s on token %d", ErrNotAuthorized, caller.Hex(), id)
	}
	next := *tok
	next.Approved = to
	r.put(tx, id, &next)
	tx.Emit(EventApproval, ApprovalEvent{Registry: r.addr, Owner: tok.Owner, Approved: to, TokenID: id})
	return nil
}

func (r *Registry) SetApprovalForAll(tx *ledger.Tx, operator ledger.Address, approved bool) error {
	if operator == ledger.ZeroAddress {
		return fmt.Errorf("%w: operator", ErrInvalidAddress)
	}
	owner := tx.Caller()
	prev, had := r.operators[owner][operator]
	if r.operators[owner] == nil {
		r.operators[owner] = make(map[ledger.Address]bool)
	}
	r.operators[owner][operator] = approved
	tx.OnRevert(func() {
		if had {
			r.operators[owner][operator] = prev
		} else {
			delete(r.operators[owner], operator)
		}
	})
	tx.Emit(EventApprovalForAll, ApprovalForAllEvent{Registry: r.addr, Owner: owner, Operator: operator, Approved: approved})
	return nil
}

// put replaces the stored record for id; nil deletes it. Records are never
// mutated in place so the undo step can restore the previous pointer.
func (r *Registry) put(tx *ledger.Tx, id TokenID, tok *Token) {
	prev, had := r.tokens[id]
	if tok == nil {
		delete(r.tokens, id)
	} else {
		r.tokens[id] = tok
	}
	tx.OnRevert(func() {
		if had {
			r.tokens[id] = prev
		} else {
			delete(r.tokens, id)
		}
	})
}

func (r *Registry) adjustBalance(tx *ledger.Tx, owner ledger.Address, delta int) {
	prev := r.balances[owner]
	next := prev
	if delta < 0 {
		next -= uint64(-delta)
	} else {
		next += uint64(delta)
	}
	if next == 0 {
		delete(r.balances, owner)
	} else {
		r.balances[owner] = next
	}
	tx.OnRevert(func() {
		if prev == 0 {
			delete(r.balances, owner)
		} else {
			r.balances[owner] = prev
		}
	})
}
