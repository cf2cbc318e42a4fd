package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the bearer credential and the identity it belongs to.
// Token may be called before every connection attempt and mutating request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Identity() Identity
}

// invalidator is implemented by providers that can drop a credential the
// server rejected.
type invalidator interface {
	Invalidate()
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ============================================================================
// StaticTokenProvider
// ============================================================================

// StaticTokenProvider serves a fixed token.
type StaticTokenProvider struct {
	token    string
	identity Identity
}

func NewStaticTokenProvider(token string, identity Identity) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, identity: identity}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", &AuthRejectionError{Reason: "no token configured"}
	}
	if exp, ok := TokenExpiry(p.token); ok && time.Now().After(exp) {
		return "", &AuthRejectionError{Reason: "token expired at " + exp.Format(time.RFC3339)}
	}
	return p.token, nil
}

func (p *StaticTokenProvider) Identity() Identity { return p.identity }

// ============================================================================
// RefreshingTokenProvider
// ============================================================================

// RefreshFunc obtains a fresh token from the identity provider.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshingTokenProvider caches a token and refreshes it when it is within
// skew of its expiry, or after Invalidate.
type RefreshingTokenProvider struct {
	mu       sync.Mutex
	token    string
	identity Identity
	refresh  RefreshFunc
	skew     time.Duration
	now      func() time.Time
}

func NewRefreshingTokenProvider(identity Identity, refresh RefreshFunc, skew time.Duration) *RefreshingTokenProvider {
	if skew <= 0 {
		skew = time.Minute
	}
	return &RefreshingTokenProvider{
		identity: identity,
		refresh:  refresh,
		skew:     skew,
		now:      time.Now,
	}
}

func (p *RefreshingTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && !p.expiringLocked() {
		return p.token, nil
	}
	if p.refresh == nil {
		return "", errors.New("token refresh not configured")
	}
	tok, err := p.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	p.token = tok
	return tok, nil
}

func (p *RefreshingTokenProvider) expiringLocked() bool {
	exp, ok := TokenExpiry(p.token)
	if !ok {
		return false
	}
	return p.now().Add(p.skew).After(exp)
}

func (p *RefreshingTokenProvider) Identity() Identity { return p.identity }

// Invalidate forces a refresh on the next Token call.
func (p *RefreshingTokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}
