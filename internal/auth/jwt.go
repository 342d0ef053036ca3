// Package auth signs and verifies API tokens and webhook payloads. Tokens
// are HS256 JWTs with a short TTL; webhooks use an HMAC-SHA256 signature
// over a versioned base string with a freshness window.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the issued-token lifetime.
const DefaultTokenTTL = 15 * time.Minute

// Issuers accepted on inbound tokens.
const (
	IssuerLocal = "osa"
	IssuerSDK   = "miosa-sdk"
)

var (
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth: no secret configured")

	// ErrInvalidToken is returned for any token that fails verification.
	// Deliberately unspecific; details go to logs, not callers.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims are the token claims. UserID is required on every token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTTL overrides the token lifetime. Default: 15m.
func WithTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService builds a token helper. An empty secret disables auth;
// Generate and Verify then return ErrAuthDisabled.
func NewTokenService(secret string, opts ...TokenOption) *TokenService {
	s := &TokenService{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether a secret is configured.
func (s *TokenService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Generate issues a token for userID with the local issuer.
func (s *TokenService) Generate(userID string) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id required")
	}

	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    IssuerLocal,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token, returning the user ID. Only HMAC
// signing methods are accepted; the library compares signatures in
// constant time.
func (s *TokenService) Verify(token string) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	switch claims.Issuer {
	case IssuerLocal, IssuerSDK:
	default:
		return "", ErrInvalidToken
	}
	return userID, nil
}
