// Package auth verifies bearer credentials and produces the Principal the
// engine consumes. Token issuance and password storage live elsewhere; this
// package only validates.
package auth

import (
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Well-known scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// Principal is an authenticated caller with a set of scopes.
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// Anonymous is the principal used for unauthenticated read access.
func Anonymous() Principal {
	return Principal{Subject: "anonymous", Scopes: []string{ScopeRead}}
}

// HasScope reports whether the principal carries the scope. Admin implies
// every scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, ScopeAdmin)
}

// Claims is the JWT payload shape issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Verifier validates HS256-signed bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the principal it carries.
func (v *Verifier) Verify(tokenStr string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%v: %w", err, ErrInvalidToken)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}

	return Principal{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}
