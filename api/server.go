// Package api exposes the service over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"sharerepo/auth"
	"sharerepo/ledger"
	"sharerepo/service"
)

type ctxKey string

const (
	ctxKeySession ctxKey = "session"
)

const maxBodyBytes = 1 << 20

// Accounts is the slice of auth.Service the API needs.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Account(ctx context.Context, id string) (auth.Account, error)
	VerifyToken(token string) (auth.Session, error)
}

type Config struct {
	Service  *service.Service
	Accounts Accounts
	Logger   *slog.Logger
}

type Server struct {
	svc      *service.Service
	accounts Accounts
	logger   *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		svc:      cfg.Service,
		accounts: cfg.Accounts,
		logger:   logger,
	}
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAuth(h))
	}
	authed("GET /api/me", s.handleMe)
	authed("GET /api/balances/{addr}", s.handleBalance)

	authed("POST /api/registries", s.handleDeployRegistry)
	authed("POST /api/registries/{reg}/tokens", s.handleMint)
	authed("GET /api/registries/{reg}/tokens/{id}", s.handleToken)
	authed("DELETE /api/registries/{reg}/tokens/{id}", s.handleBurn)
	authed("POST /api/registries/{reg}/tokens/{id}/approve", s.handleApprove)
	authed("POST /api/registries/{reg}/tokens/{id}/transfer", s.handleTransferToken)
	authed("POST /api/registries/{reg}/tokens/{id}/grant", s.handleGrant)
	authed("PUT /api/registries/{reg}/operators/{operator}", s.handleSetOperator)

	authed("POST /api/deals", s.handleDeployDeal)
	authed("GET /api/deals", s.handleListDeals)
	authed("GET /api/deals/{addr}", s.handleDeal)
	authed("DELETE /api/deals/{addr}", s.handleTerminate)
	authed("POST /api/deals/{addr}/deposit", s.handleDeposit)
	authed("POST /api/deals/{addr}/confirm", s.handleConfirm)
	authed("POST /api/deals/{addr}/poll", s.handlePoll)
	authed("POST /api/deals/{addr}/lender", s.handleTransferLender)
	authed("PUT /api/deals/{addr}/timeout", s.handleChangeTimeout)
	authed("GET /api/deals/{addr}/timeline", s.handleDealTimeline)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info(
			"http request",
			"component", "api",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sess, err := s.accounts.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeySession, sess)))
	})
}

func session(r *http.Request) (auth.Session, bool) {
	sess, ok := r.Context().Value(ctxKeySession).(auth.Session)
	return sess, ok
}

// call builds the service call for the authenticated caller of r.
func call(r *http.Request) (service.Call, bool) {
	sess, ok := session(r)
	if !ok || sess.Address == ledger.ZeroAddress {
		return service.Call{}, false
	}
	return service.Call{
		Caller:         sess.Address,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}, true
}

func pathAddress(r *http.Request, name string) (ledger.Address, error) {
	raw := r.PathValue(name)
	if !common.IsHexAddress(raw) {
		return ledger.ZeroAddress, fmt.Errorf("invalid %s address %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"persistent": s.svc.Persistent(),
	})
}
