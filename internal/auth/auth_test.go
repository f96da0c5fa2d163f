package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, subject string, scopes []string, expiry time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
		Scopes: scopes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerify(t *testing.T) {
	v := NewVerifier("test-secret")

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, "test-secret", "alice", []string{ScopeRead, ScopeWrite}, time.Hour)
		p, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "alice", p.Subject)
		assert.True(t, p.HasScope(ScopeWrite))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", "alice", []string{ScopeRead}, time.Hour)
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token := signToken(t, "test-secret", "alice", []string{ScopeRead}, -time.Hour)
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signToken(t, "test-secret", "", []string{ScopeRead}, time.Hour)
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestScopes(t *testing.T) {
	reader := Principal{Subject: "r", Scopes: []string{ScopeRead}}
	assert.True(t, reader.HasScope(ScopeRead))
	assert.False(t, reader.HasScope(ScopeWrite))

	admin := Principal{Subject: "a", Scopes: []string{ScopeAdmin}}
	assert.True(t, admin.HasScope(ScopeRead))
	assert.True(t, admin.HasScope(ScopeWrite))

	anon := Anonymous()
	assert.Equal(t, "anonymous", anon.Subject)
	assert.True(t, anon.HasScope(ScopeRead))
	assert.False(t, anon.HasScope(ScopeWrite))
}
