package service

import (
	"sharerepo/deal"
	"sharerepo/event"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/store"
)

type tokenKey struct {
	registry ledger.Address
	id       registry.TokenID
}

// changes tracks the deals and tokens a call touched, in first-touch order.
type changes struct {
	deals      []ledger.Address
	tokens     []tokenKey
	seenDeals  map[ledger.Address]struct{}
	seenTokens map[tokenKey]struct{}
}

func newChanges() *changes {
	return &changes{
		seenDeals:  make(map[ledger.Address]struct{}),
		seenTokens: make(map[tokenKey]struct{}),
	}
}

func (c *changes) deal(addr ledger.Address) {
	if _, ok := c.seenDeals[addr]; ok {
		return
	}
	c.seenDeals[addr] = struct{}{}
	c.deals = append(c.deals, addr)
}

func (c *changes) token(reg ledger.Address, id registry.TokenID) {
	k := tokenKey{registry: reg, id: id}
	if _, ok := c.seenTokens[k]; ok {
		return
	}
	c.seenTokens[k] = struct{}{}
	c.tokens = append(c.tokens, k)
}

// collect files every event under its subject and marks the deal or token it
// concerns as touched.
func (c *changes) collect(events []event.Event) []store.SubjectEvent {
	out := make([]store.SubjectEvent, 0, len(events))
	for _, evt := range events {
		var subject string
		switch data := evt.Data.(type) {
		case deal.StateChangedEvent:
			c.deal(data.Deal)
			subject = store.DealSubject(data.Deal)
		case deal.DestroyingEvent:
			c.deal(data.Deal)
			subject = store.DealSubject(data.Deal)
		case deal.LenderTransferredEvent:
			c.deal(data.Deal)
			subject = store.DealSubject(data.Deal)
		case registry.TransferEvent:
			c.token(data.Registry, data.TokenID)
			subject = store.TokenSubject(data.Registry, data.TokenID)
		case registry.ApprovalEvent:
			c.token(data.Registry, data.TokenID)
			subject = store.TokenSubject(data.Registry, data.TokenID)
		case registry.ApprovalForAllEvent:
			subject = data.Registry.Hex()
		default:
			continue
		}
		out = append(out, store.SubjectEvent{Subject: subject, Event: evt})
	}
	return out
}
