package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-1"}
	if !expiresAt.IsZero() {
		claims["exp"] = expiresAt.Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider("")
	_, err := p.CurrentToken()
	require.ErrorIs(t, err, ErrNoToken)

	p.SetToken("opaque-token")
	tok, err := p.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
}

func TestJWTProviderFreshToken(t *testing.T) {
	raw := signToken(t, time.Now().Add(time.Hour))
	p, err := NewJWTProvider(raw, 5*time.Minute)
	require.NoError(t, err)

	tok, err := p.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, raw, tok)
}

func TestJWTProviderInsideRefreshBuffer(t *testing.T) {
	// Valid for another 2 minutes, but the buffer is 5 — must be refused.
	raw := signToken(t, time.Now().Add(2*time.Minute))
	p, err := NewJWTProvider(raw, 5*time.Minute)
	require.NoError(t, err)

	_, err = p.CurrentToken()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestJWTProviderNoExpClaim(t *testing.T) {
	raw := signToken(t, time.Time{})
	p, err := NewJWTProvider(raw, 5*time.Minute)
	require.NoError(t, err)

	_, err = p.CurrentToken()
	assert.NoError(t, err, "tokens without exp never expire locally")
}

func TestJWTProviderGarbageToken(t *testing.T) {
	_, err := NewJWTProvider("not-a-jwt", time.Minute)
	assert.Error(t, err)
}

func TestJWTProviderSetToken(t *testing.T) {
	p, err := NewJWTProvider(signToken(t, time.Now().Add(time.Minute)), 5*time.Minute)
	require.NoError(t, err)
	_, err = p.CurrentToken()
	require.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, p.SetToken(signToken(t, time.Now().Add(time.Hour))))
	_, err = p.CurrentToken()
	assert.NoError(t, err)
}
