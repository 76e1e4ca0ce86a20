// Package auth issues and checks session tokens and decides which roles may
// run which operation.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenService signs stateless HS256 tokens. Validity depends only on the
// signature and the exp claim; there is no revocation list.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock returns a copy of s that reads time from now.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

func (s *TokenService) TTL() time.Duration { return s.ttl }

// tokenClaims carries the exact expiry next to the standard exp. JWT dates
// are whole seconds, so exp is rounded up and exn decides.
type tokenClaims struct {
	jwt.RegisteredClaims
	ExpiresNano int64 `json:"exn,omitempty"`
}

func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

// Issue signs a token for identity that expires TTL after issuance.
func (s *TokenService) Issue(identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("auth.Issue: empty identity")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(exp)),
		},
		ExpiresNano: exp.UnixNano(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth.Issue: %w", err)
	}
	return tok, nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (any, error) {
	return s.secret, nil
}

func (s *TokenService) parse(token string, checkClaims bool) (*tokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if checkClaims {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &tokenClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, s.keyFunc, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if checkClaims && claims.ExpiresNano != 0 && !s.now().Before(time.Unix(0, claims.ExpiresNano)) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, jwt.ErrTokenExpired)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// ExtractIdentity verifies the signature and returns the subject. Expired
// tokens still yield their identity.
func (s *TokenService) ExtractIdentity(token string) (string, error) {
	claims, err := s.parse(token, false)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IsValid reports whether token is signed, unexpired and issued for identity.
func (s *TokenService) IsValid(token, identity string) bool {
	claims, err := s.parse(token, true)
	if err != nil {
		return false
	}
	return claims.Subject == identity
}

// Validate checks signature and expiry without a known identity.
func (s *TokenService) Validate(token string) bool {
	_, err := s.parse(token, true)
	return err == nil
}

// ExpiresAt returns the exp claim of a signed token.
func (s *TokenService) ExpiresAt(token string) (time.Time, error) {
	claims, err := s.parse(token, false)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresNano != 0 {
		return time.Unix(0, claims.ExpiresNano).UTC(), nil
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}

// Refresh issues a new token for identity if token is currently valid for it.
func (s *TokenService) Refresh(token, identity string) (string, error) {
	if !s.IsValid(token, identity) {
		return "", ErrInvalidToken
	}
	return s.Issue(identity)
}
