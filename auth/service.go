// Package auth registers accounts, each bound to its own ledger address, and
// issues the bearer tokens the API trusts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"sharerepo/ledger"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrWeakPassword       = errors.New("auth: password must be at least 8 characters")
	ErrMissingFields      = errors.New("auth: email and full_name are required")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

const (
	tokenIssuer       = "sharerepo"
	defaultTokenTTL   = 24 * time.Hour
	minPasswordLength = 8
	// attempts at drawing an unused address before giving up
	addressAttempts = 3
)

// Faucet credits new accounts. *ledger.Ledger satisfies it.
type Faucet interface {
	Credit(addr ledger.Address, amount decimal.Decimal) error
}

type Option func(*Service)

// WithStartingCredit credits every newly registered account with amount.
func WithStartingCredit(f Faucet, amount decimal.Decimal) Option {
	return func(s *Service) {
		s.faucet = f
		s.credit = amount
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

type Service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	faucet Faucet
	credit decimal.Decimal
	now    func() time.Time
}

type LoginResult struct {
	Token   string
	Account Account
}

// sessionClaims carries the account id as the subject.
type sessionClaims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		secret: []byte(jwtSecret),
		ttl:    defaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account bound to a freshly generated ledger address.
// The ledger trusts the authenticated session, so the key itself is dropped.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.FullName)
	if email == "" || name == "" {
		return nil, ErrMissingFields
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	var acct Account
	for attempt := 0; ; attempt++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("auth: generate account key: %w", err)
		}
		acct, err = s.repo.CreateAccount(ctx, NewAccount{
			Email:        email,
			FullName:     name,
			PasswordHash: string(hash),
			Address:      crypto.PubkeyToAddress(key.PublicKey),
		})
		if errors.Is(err, ErrDuplicateAddress) && attempt+1 < addressAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	if s.faucet != nil && s.credit.IsPositive() {
		if err := s.faucet.Credit(acct.Address, s.credit); err != nil {
			return nil, fmt.Errorf("auth: starting credit: %w", err)
		}
	}
	return &acct, nil
}

// Login checks the password and issues a session token. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	acct, err := s.repo.AccountByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, ErrAccountNotFound) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.issue(acct)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Account: acct}, nil
}

func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	return s.repo.AccountByID(ctx, id)
}

func (s *Service) issue(acct Account) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Address: acct.Address.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken checks signature, issuer and expiry and returns the session the
// token vouches for.
func (s *Service) VerifyToken(token string) (Session, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !common.IsHexAddress(claims.Address) {
		return Session{}, fmt.Errorf("%w: bad address %q", ErrInvalidToken, claims.Address)
	}
	return Session{
		AccountID: claims.Subject,
		Address:   common.HexToAddress(claims.Address),
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
