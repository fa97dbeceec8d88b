package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxUserInfoResponseSize caps userinfo responses to prevent memory
// exhaustion from a misbehaving provider.
const maxUserInfoResponseSize = 1 << 20

// Config holds the operator's single static upstream application credential
// and endpoint set.
type Config struct {
	// Name identifies the provider in logs (e.g. "github", "corp-idp").
	Name string

	// ClientID and ClientSecret are the pre-registered upstream credential
	// shared by every logical client of the bridge.
	ClientID     string
	ClientSecret string

	// AuthorizeURL and TokenURL are the provider endpoints (required).
	AuthorizeURL string
	TokenURL     string

	// RevokeURL is the RFC 7009 revocation endpoint (optional).
	RevokeURL string

	// UserInfoURL is an OIDC-style userinfo endpoint used to resolve the
	// authenticated subject after an exchange (optional).
	UserInfoURL string

	// RedirectURL is the bridge's fixed callback URL registered upstream.
	RedirectURL string

	// Scopes are the scopes requested upstream when the client asks for
	// none of its own.
	Scopes []string

	// AuthStyle selects Basic vs body credentials at the token endpoint.
	AuthStyle AuthStyle

	// Capabilities declares provider quirks (PKCE forwarding, rotation).
	Capabilities Capabilities

	// Timeout bounds every upstream HTTP call. Default 30s.
	Timeout time.Duration

	// HTTPClient overrides the HTTP client used for upstream calls.
	HTTPClient *http.Client
}

// Remote is the Provider implementation backed by golang.org/x/oauth2.
type Remote struct {
	name       string
	oauth      *oauth2.Config
	revokeURL  string
	userInfo   string
	caps       Capabilities
	timeout    time.Duration
	httpClient *http.Client
}

var (
	_ Provider         = (*Remote)(nil)
	_ IdentityResolver = (*Remote)(nil)
)

// New creates a Remote provider from the operator configuration.
func New(cfg *Config) (*Remote, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("upstream client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("upstream client secret is required")
	}
	if cfg.AuthorizeURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("upstream authorize and token URLs are required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("upstream redirect URL is required")
	}

	name := cfg.Name
	if name == "" {
		name = "upstream"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	var authStyle oauth2.AuthStyle
	switch cfg.AuthStyle {
	case AuthStyleBasic:
		authStyle = oauth2.AuthStyleInHeader
	case AuthStyleBody:
		authStyle = oauth2.AuthStyleInParams
	default:
		authStyle = oauth2.AuthStyleAutoDetect
	}

	return &Remote{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: authStyle,
			},
		},
		revokeURL:  cfg.RevokeURL,
		userInfo:   cfg.UserInfoURL,
		caps:       cfg.Capabilities,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (r *Remote) Name() string {
	return r.name
}

// Capabilities returns the declared provider quirks.
func (r *Remote) Capabilities() Capabilities {
	return r.caps
}

// AuthorizationURL builds the upstream authorization URL.
func (r *Remote) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return r.oauth.AuthCodeURL(state, opts...)
}

// Exchange redeems an upstream authorization code for tokens.
func (r *Remote) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := r.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}
	return token, nil
}

// Refresh obtains a fresh upstream token. The TokenSource is seeded with an
// already-expired token so it always hits the refresh endpoint.
func (r *Remote) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream refresh failed: %w", err)
	}

	// TokenSource copies the old refresh token into the result when the
	// provider did not rotate; blank it so callers see rotation only when
	// the provider actually issued a new one.
	if token.RefreshToken == refreshToken {
		token.RefreshToken = ""
	}
	return token, nil
}

// Revoke revokes a token at the provider per RFC 7009. A provider without a
// revocation endpoint is a no-op.
func (r *Remote) Revoke(ctx context.Context, token string) error {
	if r.revokeURL == "" {
		return nil
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	form := url.Values{
		"token":         {token},
		"client_id":     {r.oauth.ClientID},
		"client_secret": {r.oauth.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream revocation failed: %w", err)
	}
	defer resp.Body.Close()

	// RFC 7009 Section 2.2: 200 means revoked or already invalid.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream revocation returned status %d", resp.StatusCode)
	}
	return nil
}

// ResolveIdentity fetches the authenticated subject from the userinfo
// endpoint. Without a configured endpoint it returns an empty identity.
func (r *Remote) ResolveIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	if r.userInfo == "" {
		return &Identity{}, nil
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.userInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	var info struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	subject := info.Sub
	if subject == "" {
		subject = info.ID
	}
	return &Identity{Subject: subject, Email: info.Email}, nil
}

// callContext applies the per-call timeout and routes oauth2's internal HTTP
// through the configured client.
func (r *Remote) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	return context.WithTimeout(ctx, r.timeout)
}
