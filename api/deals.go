package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/service"
	"sharerepo/store"
)

type deployDealRequest struct {
	Registry        hexAddress      `json:"registry"`
	Lender          hexAddress      `json:"lender"`
	TokenID         uint64          `json:"tokenId"`
	Principal       decimal.Decimal `json:"principal"`
	Fee             decimal.Decimal `json:"fee"`
	CooldownSeconds int64           `json:"cooldownSeconds"`
}

func (req deployDealRequest) params() (deal.Params, error) {
	reg, err := req.Registry.parse("registry")
	if err != nil {
		return deal.Params{}, err
	}
	lender, err := req.Lender.parse("lender")
	if err != nil {
		return deal.Params{}, err
	}
	if req.CooldownSeconds < 0 {
		return deal.Params{}, badRequest("cooldownSeconds must not be negative")
	}
	return deal.Params{
		Registry:  reg,
		Lender:    lender,
		TokenID:   registry.TokenID(req.TokenID),
		Principal: req.Principal,
		Fee:       req.Fee,
		Cooldown:  time.Duration(req.CooldownSeconds) * time.Second,
	}, nil
}

func (s *Server) handleDeployDeal(w http.ResponseWriter, r *http.Request) {
	c, ok := call(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req deployDealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := req.params()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.DeployDeal(r.Context(), c, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	f, err := dealFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	infos, err := s.svc.Deals(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]dealResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, toDealResponse(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": out})
}

func dealFilter(r *http.Request) (store.DealFilter, error) {
	q := r.URL.Query()
	var f store.DealFilter
	if raw := q.Get("state"); raw != "" {
		st, err := deal.ParseState(raw)
		if err != nil {
			return f, badRequest("%v", err)
		}
		f.State = &st
	}
	if raw := q.Get("party"); raw != "" {
		party, err := hexAddress(raw).parse("party")
		if err != nil {
			return f, err
		}
		f.Party = party
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, badRequest("invalid limit %q", raw)
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, badRequest("invalid offset %q", raw)
		}
		f.Offset = n
	}
	f.IncludeDestroyed = q.Get("destroyed") == "true"
	return f, nil
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.svc.Deal(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(info))
}

// dealCall is the shape shared by every deal operation without a body.
func (s *Server) dealCall(w http.ResponseWriter, r *http.Request, status int, fn func(c service.Call, addr ledger.Address) (service.Result, error)) {
	c, ok := call(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	addr, err := pathAddress(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := fn(c, addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, status, res)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.dealCall(w, r, http.StatusOK, func(c service.Call, addr ledger.Address) (service.Result, error) {
		return s.svc.Terminate(r.Context(), c, addr)
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.dealCall(w, r, http.StatusOK, func(c service.Call, addr ledger.Address) (service.Result, error) {
		return s.svc.ConfirmHandoff(r.Context(), c, addr)
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.dealCall(w, r, http.StatusOK, func(c service.Call, addr ledger.Address) (service.Result, error) {
		return s.svc.Poll(r.Context(), c, addr)
	})
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dealCall(w, r, http.StatusOK, func(c service.Call, addr ledger.Address) (service.Result, error) {
		return s.svc.Deposit(r.Context(), c, addr, req.Amount)
	})
}

type lenderRequest struct {
	Lender hexAddress `json:"lender"`
}

func (s *Server) handleTransferLender(w http.ResponseWriter, r *http.Request) {
	var req lenderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lender, err := req.Lender.parse("lender")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.dealCall(w, r, http.StatusOK, func(c service.Call, addr ledger.Address) (service.Result, error) {
		return s.svc.TransferLenderRights(r.Context(), c, addr, lender)
	})
}

type timeoutRequest struct {
	Seconds int64 `json:"seconds"`
}

func (s *Server) handleChangeTimeout(w http.ResponseWriter, r *http.Request) {
	var req timeoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	period := time.Duration(req.Seconds) * time.Second
	s.dealCall(w, r, http.StatusOK, func(c service.Call, addr ledger.Address) (service.Result, error) {
		return s.svc.ChangeTimeout(r.Context(), c, addr, period)
	})
}

func (s *Server) handleDealTimeline(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	events, err := s.svc.Timeline(r.Context(), store.DealSubject(addr), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]timelineResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toTimelineResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
