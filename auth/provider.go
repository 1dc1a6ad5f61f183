// Package auth abstracts the authentication collaborator that issues bearer
// tokens for the transport login. The session treats a missing or expiring
// token as a fatal precondition for connect and reconnect.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no usable token is available.
var ErrNoToken = errors.New("auth: no valid token available")

// TokenProvider supplies the current bearer token. CurrentToken returns
// ErrNoToken when the token is absent or too close to expiry to be worth
// handing to the transport.
type TokenProvider interface {
	CurrentToken() (string, error)
}

// StaticProvider wraps a fixed opaque token. An empty token means
// unauthenticated.
type StaticProvider struct {
	mu    sync.RWMutex
	token string
}

// NewStaticProvider creates a provider returning token until SetToken changes it.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// SetToken replaces the stored token. Empty clears it.
func (p *StaticProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// CurrentToken returns the stored token or ErrNoToken when empty.
func (p *StaticProvider) CurrentToken() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}

// JWTProvider wraps a JWT bearer token and refuses to hand it out once it is
// within RefreshBuffer of its exp claim. The signature is not verified here —
// that is the provider backend's job; the client only needs the expiry.
type JWTProvider struct {
	mu            sync.RWMutex
	token         string
	expiresAt     time.Time
	refreshBuffer time.Duration
	now           func() time.Time
}

// NewJWTProvider parses token's exp claim and returns a provider that treats
// the token as unavailable within refreshBuffer of expiry. Tokens without an
// exp claim never expire locally.
func NewJWTProvider(token string, refreshBuffer time.Duration) (*JWTProvider, error) {
	p := &JWTProvider{refreshBuffer: refreshBuffer, now: time.Now}
	if err := p.set(token); err != nil {
		return nil, err
	}
	return p, nil
}

// SetToken replaces the stored token after parsing its expiry.
func (p *JWTProvider) SetToken(token string) error {
	return p.set(token)
}

func (p *JWTProvider) set(token string) error {
	claims := jwt.MapClaims{}
	// ParseUnverified: the transport backend validates the signature; we only
	// extract exp to decide when the token needs refreshing.
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("auth: parse token: %w", err)
	}
	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	p.mu.Lock()
	p.token = token
	p.expiresAt = expiresAt
	p.mu.Unlock()
	return nil
}

// CurrentToken returns the token unless it expires within the refresh buffer.
func (p *JWTProvider) CurrentToken() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoToken
	}
	if !p.expiresAt.IsZero() && p.now().Add(p.refreshBuffer).After(p.expiresAt) {
		return "", fmt.Errorf("%w: token expires at %s", ErrNoToken, p.expiresAt.Format(time.RFC3339))
	}
	return p.token, nil
}
