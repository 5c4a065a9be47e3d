package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"sharerepo/ledger"
	"sharerepo/registry"
	"sharerepo/service"
)

// hexAddress decodes a JSON address field; empty and malformed values are
// rejected.
type hexAddress string

func (h hexAddress) parse(field string) (ledger.Address, error) {
	if !common.IsHexAddress(string(h)) {
		return ledger.ZeroAddress, badRequest("invalid %s address %q", field, string(h))
	}
	return common.HexToAddress(string(h)), nil
}

func pathTokenID(r *http.Request) (registry.TokenID, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, badRequest("invalid token id %q", r.PathValue("id"))
	}
	return registry.TokenID(id), nil
}

type deployRegistryRequest struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

func (s *Server) handleDeployRegistry(w http.ResponseWriter, r *http.Request) {
	c, ok := call(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req deployRegistryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "name and symbol are required")
		return
	}
	res, err := s.svc.DeployRegistry(r.Context(), c, req.Name, req.Symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

type mintRequest struct {
	To      hexAddress `json:"to"`
	TokenID uint64     `json:"tokenId"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	c, reg, ok := s.registryCall(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := req.To.parse("to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Mint(r.Context(), c, reg, to, registry.TokenID(req.TokenID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	reg, err := pathAddress(r, "reg")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := pathTokenID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tok, err := s.svc.Token(r.Context(), reg, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(reg.Hex(), tok))
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	c, reg, ok := s.registryCall(w, r)
	if !ok {
		return
	}
	id, err := pathTokenID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Burn(r.Context(), c, reg, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

type approveRequest struct {
	To hexAddress `json:"to"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	c, reg, ok := s.registryCall(w, r)
	if !ok {
		return
	}
	id, err := pathTokenID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// an empty "to" clears the approval
	to := ledger.ZeroAddress
	if req.To != "" {
		if to, err = req.To.parse("to"); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	res, err := s.svc.Approve(r.Context(), c, reg, to, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

type transferRequest struct {
	From hexAddress `json:"from"`
	To   hexAddress `json:"to"`
	Safe bool       `json:"safe"`
}

func (s *Server) handleTransferToken(w http.ResponseWriter, r *http.Request) {
	c, reg, ok := s.registryCall(w, r)
	if !ok {
		return
	}
	id, err := pathTokenID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from := c.Caller
	if req.From != "" {
		if from, err = req.From.parse("from"); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	to, err := req.To.parse("to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.TransferToken(r.Context(), c, reg, from, to, id, req.Safe)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

type grantRequest struct {
	Deal hexAddress `json:"deal"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	c, reg, ok := s.registryCall(w, r)
	if !ok {
		return
	}
	id, err := pathTokenID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dealAddr, err := req.Deal.parse("deal")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.GrantRepoAuthority(r.Context(), c, reg, dealAddr, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

type operatorRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	c, reg, ok := s.registryCall(w, r)
	if !ok {
		return
	}
	operator, err := pathAddress(r, "operator")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req operatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.SetApprovalForAll(r.Context(), c, reg, operator, req.Approved)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

// registryCall resolves the caller and the {reg} path segment, writing the
// error response itself when either is missing.
func (s *Server) registryCall(w http.ResponseWriter, r *http.Request) (c service.Call, reg ledger.Address, ok bool) {
	c, ok = call(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return c, reg, false
	}
	reg, err := pathAddress(r, "reg")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return c, reg, false
	}
	return c, reg, true
}
