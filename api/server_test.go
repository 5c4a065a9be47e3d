package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"sharerepo/auth"
	"sharerepo/deal"
	"sharerepo/ledger"
	"sharerepo/service"
)

var (
	issuer   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	borrower = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	lender   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// stubAccounts treats the bearer token as a key into a fixed address book.
type stubAccounts struct {
	tokens      map[string]ledger.Address
	registerErr error
}

func (s *stubAccounts) Register(_ context.Context, req auth.RegisterRequest) (*auth.Account, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &auth.Account{ID: "u1", Email: req.Email, FullName: req.FullName, Address: borrower}, nil
}

func (s *stubAccounts) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{}, auth.ErrInvalidCredentials
}

// Account ids are "user-" plus the token.
func (s *stubAccounts) Account(_ context.Context, id string) (auth.Account, error) {
	addr, ok := s.tokens[strings.TrimPrefix(id, "user-")]
	if !ok {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	return auth.Account{ID: id, Email: id + "@example.com", Address: addr}, nil
}

func (s *stubAccounts) VerifyToken(token string) (auth.Session, error) {
	addr, ok := s.tokens[token]
	if !ok {
		return auth.Session{}, auth.ErrInvalidToken
	}
	return auth.Session{AccountID: "user-" + token, Address: addr}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t       *testing.T
	clk     *clock
	ledger  *ledger.Ledger
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.Config{Clock: clk.Now})
	svc := service.New(service.Config{Ledger: l})
	server := New(Config{
		Service: svc,
		Accounts: &stubAccounts{tokens: map[string]ledger.Address{
			"issuer":   issuer,
			"borrower": borrower,
			"lender":   lender,
		}},
	})
	return &harness{t: t, clk: clk, ledger: l, handler: server.Handler()}
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) expect(rec *httptest.ResponseRecorder, status int, out any) {
	h.t.Helper()
	if rec.Code != status {
		h.t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	var resp map[string]any
	h.expect(h.do(http.MethodGet, "/healthz", "", nil), http.StatusOK, &resp)
	if resp["status"] != "ok" || resp["persistent"] != false {
		t.Fatalf("unexpected health payload: %+v", resp)
	}
}

func TestRequireAuth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = h.do(http.MethodGet, "/api/me", "stranger", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}

	var me struct {
		Account accountResponse `json:"account"`
		Balance string          `json:"balance"`
	}
	h.expect(h.do(http.MethodGet, "/api/me", "lender", nil), http.StatusOK, &me)
	if me.Account.ID != "user-lender" || common.HexToAddress(me.Account.Address) != lender {
		t.Fatalf("unexpected me payload: %+v", me)
	}
}

func TestRegisterMapsErrors(t *testing.T) {
	h := newHarness(t)
	server := New(Config{
		Service:  service.New(service.Config{}),
		Accounts: &stubAccounts{registerErr: auth.ErrDuplicateEmail},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
		bytes.NewBufferString(`{"email":"a@b.c","password":"longenough","full_name":"A"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = h.do(http.MethodPost, "/api/auth/register", "", map[string]any{"email": "a@b.c", "extra": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", rec.Code)
	}
}

func TestDealFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	for _, addr := range []ledger.Address{borrower, lender} {
		if err := h.ledger.Credit(addr, decimal.NewFromInt(500)); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	var reg resultResponse
	h.expect(h.do(http.MethodPost, "/api/registries", "issuer",
		map[string]string{"name": "Acme Shares", "symbol": "ACME"}), http.StatusCreated, &reg)
	regPath := "/api/registries/" + reg.Address

	h.expect(h.do(http.MethodPost, regPath+"/tokens", "issuer",
		map[string]any{"to": borrower.Hex(), "tokenId": 7}), http.StatusCreated, nil)

	var dl resultResponse
	h.expect(h.do(http.MethodPost, "/api/deals", "borrower", map[string]any{
		"registry":        reg.Address,
		"lender":          lender.Hex(),
		"tokenId":         7,
		"principal":       "100",
		"fee":             "5",
		"cooldownSeconds": 60,
	}), http.StatusCreated, &dl)
	dealPath := "/api/deals/" + dl.Address

	// only the admin may shorten the timeout
	rec := h.do(http.MethodPut, dealPath+"/timeout", "lender", map[string]int{"seconds": 600})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin timeout change, got %d", rec.Code)
	}
	h.expect(h.do(http.MethodPut, dealPath+"/timeout", "borrower", map[string]int{"seconds": 600}), http.StatusOK, nil)

	h.expect(h.do(http.MethodPost, dealPath+"/deposit", "lender", map[string]string{"amount": "100"}), http.StatusOK, nil)

	var confirm resultResponse
	h.expect(h.do(http.MethodPost, dealPath+"/confirm", "borrower", nil), http.StatusOK, &confirm)
	if confirm.OK {
		t.Fatalf("expected confirm to wait for the lock")
	}
	h.expect(h.do(http.MethodPost, regPath+"/tokens/7/grant", "borrower",
		map[string]string{"deal": dl.Address}), http.StatusOK, nil)
	h.expect(h.do(http.MethodPost, dealPath+"/confirm", "borrower", nil), http.StatusOK, &confirm)
	if !confirm.OK {
		t.Fatalf("expected handoff to complete")
	}

	var tok tokenResponse
	h.expect(h.do(http.MethodGet, regPath+"/tokens/7", "borrower", nil), http.StatusOK, &tok)
	if common.HexToAddress(tok.Owner) != lender || !tok.LockedForRepo {
		t.Fatalf("expected the locked token with the lender, got %+v", tok)
	}
	rec = h.do(http.MethodPost, regPath+"/tokens/7/transfer", "lender",
		map[string]any{"to": issuer.Hex()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected locked token transfer to conflict, got %d: %s", rec.Code, rec.Body.String())
	}

	h.clk.advance(61 * time.Second)
	var poll resultResponse
	h.expect(h.do(http.MethodPost, dealPath+"/poll", "issuer", nil), http.StatusOK, &poll)
	if !poll.OK {
		t.Fatalf("expected poll to open phase two")
	}
	h.expect(h.do(http.MethodPost, dealPath+"/deposit", "borrower", map[string]string{"amount": "105"}), http.StatusOK, nil)

	var info dealResponse
	h.expect(h.do(http.MethodGet, dealPath, "lender", nil), http.StatusOK, &info)
	if info.State != "PhaseTwoCompleted" || info.TimeoutSeconds != 600 || info.CooldownSeconds != 60 {
		t.Fatalf("unexpected deal: %+v", info)
	}

	var list struct {
		Deals []dealResponse `json:"deals"`
	}
	h.expect(h.do(http.MethodGet, "/api/deals?state=PhaseTwoCompleted&party="+lender.Hex(), "lender", nil), http.StatusOK, &list)
	if len(list.Deals) != 1 || list.Deals[0].Address != dl.Address {
		t.Fatalf("expected the completed deal in the listing, got %+v", list.Deals)
	}

	var bal map[string]string
	h.expect(h.do(http.MethodGet, "/api/balances/"+lender.Hex(), "lender", nil), http.StatusOK, &bal)
	if bal["balance"] != "505" {
		t.Fatalf("expected lender balance 505, got %s", bal["balance"])
	}

	h.expect(h.do(http.MethodDelete, dealPath, "borrower", nil), http.StatusOK, nil)
	rec = h.do(http.MethodGet, dealPath, "borrower", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after terminate, got %d", rec.Code)
	}
}

func TestBadInput(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad deal address", http.MethodGet, "/api/deals/nope", nil, http.StatusBadRequest},
		{"unknown state filter", http.MethodGet, "/api/deals?state=Closed", nil, http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/api/deals?limit=-1", nil, http.StatusBadRequest},
		{"bad token id", http.MethodGet, "/api/registries/" + issuer.Hex() + "/tokens/x", nil, http.StatusBadRequest},
		{"missing registry", http.MethodGet, "/api/registries/" + issuer.Hex() + "/tokens/1", nil, http.StatusNotFound},
		{"empty deposit", http.MethodPost, "/api/deals/" + issuer.Hex() + "/deposit", map[string]string{"amount": "0"}, http.StatusBadRequest},
		{"bad lender", http.MethodPost, "/api/deals", map[string]any{"registry": issuer.Hex(), "lender": "0x12"}, http.StatusBadRequest},
		{"registry is not a contract", http.MethodPost, "/api/deals", map[string]any{
			"registry": issuer.Hex(), "lender": lender.Hex(), "tokenId": 1, "principal": "100", "fee": "5", "cooldownSeconds": 60,
		}, http.StatusUnprocessableEntity},
		{"timeline without database", http.MethodGet, "/api/deals/" + issuer.Hex() + "/timeline", nil, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(tc.method, tc.path, "borrower", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(fmt.Errorf("wrapped: %w", auth.ErrInvalidCredentials)); got != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got)
	}
	if got := statusFor(fmt.Errorf("%w: %w", deal.ErrUnsupportedCollateral, ledger.ErrNoContract)); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a registry address without a contract, got %d", got)
	}
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}
