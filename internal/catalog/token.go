package catalog

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource mints short-lived HS256 service tokens for the Catalog API.
type TokenSource struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// NewTokenSource returns nil when secret is empty, meaning no auth header.
func NewTokenSource(secret, issuer string, ttl time.Duration) *TokenSource {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSource{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Token returns a cached token, minting a new one a minute before expiry.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Before(s.expiry.Add(-time.Minute)) {
		return s.cached, nil
	}

	expiry := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   "collector",
		Audience:  jwt.ClaimStrings{"catalog-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.cached, s.expiry = signed, expiry
	return signed, nil
}
