// Package auth issues and validates the bearer tokens of the HTTP sink.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes a token can carry
const (
	ScopeChangesWrite   = "changes:write"
	ScopeDocumentsWrite = "documents:write"
	ScopeGraphRead      = "graph:read"
)

// AllScopes lists every known scope
var AllScopes = []string{ScopeChangesWrite, ScopeDocumentsWrite, ScopeGraphRead}

var (
	// ErrInvalidToken is wrapped by every validation failure
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret is returned when the signing secret is empty
	ErrEmptySecret = errors.New("auth: empty signing secret")
)

// Claims are the claims of a sink token
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenService signs and validates HS256 tokens
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenService creates a token service. A zero ttl issues tokens that
// never expire; issuer, when set, is required on validation.
func NewTokenService(secret string, ttl time.Duration, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, issuer: issuer, now: time.Now}, nil
}

// GenerateToken signs a token for subject with the given scopes
func (s *TokenService) GenerateToken(subject string, scopes []string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: token subject is required")
	}
	for _, scope := range scopes {
		if !slices.Contains(AllScopes, scope) {
			return "", fmt.Errorf("auth: unknown scope %q", scope)
		}
	}

	now := s.now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken checks the signature, expiry and issuer of a token
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
