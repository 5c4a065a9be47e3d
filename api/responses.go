package api

import (
	"net/http"
	"time"

	"sharerepo/auth"
	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/service"
	"sharerepo/store"
)

type resultResponse struct {
	Seq      uint64 `json:"seq"`
	Time     string `json:"time"`
	Address  string `json:"address,omitempty"`
	OK       bool   `json:"ok"`
	Replayed bool   `json:"replayed"`
}

func toResultResponse(res service.Result) resultResponse {
	out := resultResponse{
		Seq:      res.Seq,
		OK:       res.OK,
		Replayed: res.Replayed,
	}
	if !res.Time.IsZero() {
		out.Time = res.Time.UTC().Format(time.RFC3339)
	}
	if res.Address != ledger.ZeroAddress {
		out.Address = res.Address.Hex()
	}
	return out
}

// writeResult writes the outcome of a state-changing call. Replays keep the
// original status but are flagged in a header.
func writeResult(w http.ResponseWriter, status int, res service.Result) {
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, toResultResponse(res))
}

type accountResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Address   string `json:"address"`
	CreatedAt string `json:"createdAt"`
}

func toAccountResponse(a auth.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		Email:     a.Email,
		FullName:  a.FullName,
		Address:   a.Address.Hex(),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type dealResponse struct {
	Address         string `json:"address"`
	Admin           string `json:"admin"`
	Borrower        string `json:"borrower"`
	Lender          string `json:"lender"`
	Registry        string `json:"registry"`
	TokenID         uint64 `json:"tokenId"`
	Principal       string `json:"principal"`
	Repayment       string `json:"repayment"`
	CooldownSeconds int64  `json:"cooldownSeconds"`
	TimeoutSeconds  int64  `json:"timeoutSeconds"`
	PhaseClock      string `json:"phaseClock,omitempty"`
	State           string `json:"state"`
	Balance         string `json:"balance"`
}

func toDealResponse(info deal.Info) dealResponse {
	out := dealResponse{
		Address:         info.Address.Hex(),
		Admin:           info.Admin.Hex(),
		Borrower:        info.Borrower.Hex(),
		Lender:          info.Lender.Hex(),
		Registry:        info.Registry.Hex(),
		TokenID:         uint64(info.TokenID),
		Principal:       info.Principal.String(),
		Repayment:       info.Repayment.String(),
		CooldownSeconds: int64(info.Cooldown / time.Second),
		TimeoutSeconds:  int64(info.Timeout / time.Second),
		State:           info.State.String(),
		Balance:         info.Balance.String(),
	}
	if !info.PhaseClock.IsZero() {
		out.PhaseClock = info.PhaseClock.UTC().Format(time.RFC3339)
	}
	return out
}

type tokenResponse struct {
	Registry      string `json:"registry"`
	ID            uint64 `json:"id"`
	Owner         string `json:"owner"`
	Approved      string `json:"approved,omitempty"`
	LockedForRepo bool   `json:"lockedForRepo"`
}

func toTokenResponse(reg string, tok registry.Token) tokenResponse {
	out := tokenResponse{
		Registry:      reg,
		ID:            uint64(tok.ID),
		Owner:         tok.Owner.Hex(),
		LockedForRepo: tok.LockedForRepo,
	}
	if tok.Approved != ledger.ZeroAddress {
		out.Approved = tok.Approved.Hex()
	}
	return out
}

type timelineResponse struct {
	Seq       uint64 `json:"seq"`
	Index     int    `json:"index"`
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

func toTimelineResponse(ev store.TimelineEvent) timelineResponse {
	return timelineResponse{
		Seq:       ev.Seq,
		Index:     ev.Index,
		Type:      ev.Type,
		Actor:     ev.Actor,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Payload:   rawJSON(ev.Payload),
	}
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
