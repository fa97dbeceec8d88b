// Package mock provides a test double for the upstream provider in the
// Func-field style: every method delegates to an overridable function and
// counts its calls.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-bridge/upstream"
)

// Provider is a configurable mock upstream provider.
type Provider struct {
	NameFunc             func() string
	CapabilitiesFunc     func() upstream.Capabilities
	AuthorizationURLFunc func(state, codeChallenge, codeChallengeMethod string) string
	ExchangeFunc         func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	RefreshFunc          func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeFunc           func(ctx context.Context, token string) error
	ResolveIdentityFunc  func(ctx context.Context, token *oauth2.Token) (*upstream.Identity, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var (
	_ upstream.Provider         = (*Provider)(nil)
	_ upstream.IdentityResolver = (*Provider)(nil)
)

// New creates a mock provider with working defaults: every exchange succeeds
// and yields a fixed identity.
func New() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		CapabilitiesFunc: func() upstream.Capabilities {
			return upstream.Capabilities{}
		},
		AuthorizationURLFunc: func(state, codeChallenge, codeChallengeMethod string) string {
			return fmt.Sprintf("https://upstream.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=%s",
				state, codeChallenge, codeChallengeMethod)
		},
		ExchangeFunc: func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "upstream-access-token",
				RefreshToken: "upstream-refresh-token",
				TokenType:    "Bearer",
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken: "upstream-access-token-2",
				TokenType:   "Bearer",
			}, nil
		},
		RevokeFunc: func(ctx context.Context, token string) error {
			return nil
		},
		ResolveIdentityFunc: func(ctx context.Context, token *oauth2.Token) (*upstream.Identity, error) {
			return &upstream.Identity{Subject: "upstream-user-1", Email: "user@example.com"}, nil
		},
	}
}

func (p *Provider) record(method string) {
	p.mu.Lock()
	p.callCounts[method]++
	p.mu.Unlock()
}

// Calls returns how many times a method was invoked.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCounts[method]
}

// Name implements upstream.Provider.
func (p *Provider) Name() string {
	p.record("Name")
	return p.NameFunc()
}

// Capabilities implements upstream.Provider.
func (p *Provider) Capabilities() upstream.Capabilities {
	p.record("Capabilities")
	return p.CapabilitiesFunc()
}

// AuthorizationURL implements upstream.Provider.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	p.record("AuthorizationURL")
	return p.AuthorizationURLFunc(state, codeChallenge, codeChallengeMethod)
}

// Exchange implements upstream.Provider.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	p.record("Exchange")
	return p.ExchangeFunc(ctx, code, codeVerifier)
}

// Refresh implements upstream.Provider.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.record("Refresh")
	return p.RefreshFunc(ctx, refreshToken)
}

// Revoke implements upstream.Provider.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	p.record("Revoke")
	return p.RevokeFunc(ctx, token)
}

// ResolveIdentity implements upstream.IdentityResolver.
func (p *Provider) ResolveIdentity(ctx context.Context, token *oauth2.Token) (*upstream.Identity, error) {
	p.record("ResolveIdentity")
	return p.ResolveIdentityFunc(ctx, token)
}
