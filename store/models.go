package store

import (
	"fmt"
	"time"

	"sharerepo/deal"
	"sharerepo/event"
	"sharerepo/ledger"
	"sharerepo/registry"
)

// TimelineEvent is one committed ledger event attributed to a subject: a deal
// address or a registry token ("<registry>/<token id>").
type TimelineEvent struct {
	ID        int64
	Subject   string
	Seq       uint64
	Index     int
	Type      string
	Actor     string
	Timestamp time.Time
	Payload   []byte
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	OutboxPending   = "pending"
	OutboxProcessed = "processed"
	OutboxDead      = "dead"
)

// SubjectEvent pairs a committed event with the subject it is filed under.
type SubjectEvent struct {
	Subject string
	Event   event.Event
}

// RecordEventsParams enumerates the timeline and outbox writes of one ledger
// call.
type RecordEventsParams struct {
	Seq    uint64
	Actor  ledger.Address
	Events []SubjectEvent
}

// DealFilter narrows ListDeals. A zero Party matches every deal.
type DealFilter struct {
	State            *deal.State
	Party            ledger.Address
	IncludeDestroyed bool
	Limit            int
	Offset           int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PageLimit is Limit clamped to the allowed page size.
func (f DealFilter) PageLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// DealSubject is the timeline subject of a deal.
func DealSubject(addr ledger.Address) string {
	return addr.Hex()
}

// TokenSubject is the timeline subject of one registry token.
func TokenSubject(reg ledger.Address, id registry.TokenID) string {
	return fmt.Sprintf("%s/%d", reg.Hex(), id)
}
