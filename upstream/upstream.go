// Package upstream implements the bridge's client side of the upstream
// identity provider: building authorization URLs, exchanging codes, and
// refreshing tokens against the operator's single static application
// credential.
package upstream

import (
	"context"

	"golang.org/x/oauth2"
)

// AuthStyle selects how the static credential is presented at the upstream
// token endpoint.
type AuthStyle int

const (
	// AuthStyleAuto probes and caches the style the endpoint accepts.
	AuthStyleAuto AuthStyle = iota

	// AuthStyleBasic sends client_id/client_secret via HTTP Basic auth.
	AuthStyleBasic

	// AuthStyleBody sends the credentials in the request body.
	AuthStyleBody
)

// Capabilities describes upstream provider quirks as data rather than as
// branches in the orchestrator. ForwardsClientPKCE is an explicit operator
// switch: provider PKCE support is never probed at runtime.
type Capabilities struct {
	// ForwardsClientPKCE makes the bridge forward the client's own PKCE
	// challenge upstream instead of substituting a freshly generated pair of
	// its own, for providers that bind the grant to the end client's PKCE.
	// Because the client's verifier only arrives at the bridge's token
	// endpoint, the upstream exchange is deferred until then. The client's
	// pair is validated locally either way.
	ForwardsClientPKCE bool

	// RotatesRefreshTokens records whether the provider is expected to
	// rotate refresh tokens on use. Informational; the bridge detects
	// rotation from the refresh response either way.
	RotatesRefreshTokens bool
}

// Provider is the bridge's view of the upstream identity provider.
type Provider interface {
	// Name returns the provider name for logging.
	Name() string

	// Capabilities returns the provider's declared quirks.
	Capabilities() Capabilities

	// AuthorizationURL builds the URL to send the user agent to. The state
	// is the bridge's transaction ID, never the client's state. The
	// challenge is the bridge's own generated one, or the client's when
	// ForwardsClientPKCE.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// Exchange redeems an upstream authorization code. The verifier is the
	// bridge's own PKCE verifier, or the client's when ForwardsClientPKCE.
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// Refresh obtains a fresh upstream access token. The returned token's
	// RefreshToken is empty when the provider did not rotate.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Revoke revokes a token at the provider (RFC 7009). Providers without
	// a revocation endpoint return nil.
	Revoke(ctx context.Context, token string) error
}

// Identity is the upstream identity extracted from an exchange, passed
// through to clients unchanged.
type Identity struct {
	// Subject is the provider's unique subject identifier.
	Subject string

	// Email is the subject's email address, if the provider supplies one.
	Email string
}

// IdentityResolver is implemented by providers that can resolve the identity
// behind an upstream access token, typically via an OIDC userinfo endpoint.
// Providers without one leave the subject empty and the bridge falls back to
// the reference ID.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error)
}
