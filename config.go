// Package oauthbridge is the HTTP surface of the OAuth bridge: an
// authorization proxy that lets dynamically registered clients run full
// OAuth 2.0 authorization code flows against an upstream identity provider
// through the operator's single static upstream credential. Clients hold
// only bridge-issued tokens; upstream tokens stay server-side, encrypted at
// rest, keyed by an opaque reference.
package oauthbridge

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/server"
	"github.com/giantswarm/oauth-bridge/upstream"
)

// Config is the bridge's environment-based configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"BRIDGE_LISTEN_ADDR" envDefault:":8080"`

	// Issuer is the bridge's externally visible base URL. It is the token
	// issuer claim and the base of every advertised endpoint.
	Issuer string `env:"BRIDGE_ISSUER" envDefault:"http://localhost:8080"`

	// SigningKey signs bridge tokens (HS256). At least 32 bytes.
	SigningKey string `env:"BRIDGE_SIGNING_KEY"`

	// EncryptionKey is the base64-encoded AES-256 key for upstream tokens
	// at rest. Empty disables encryption. EncryptionKeyFallbacks accepts
	// previous keys during rotation, comma separated.
	EncryptionKey          string   `env:"BRIDGE_ENCRYPTION_KEY"`
	EncryptionKeyFallbacks []string `env:"BRIDGE_ENCRYPTION_KEY_FALLBACKS" envSeparator:","`

	// Upstream provider credential and endpoints. One static credential
	// serves every logical client of the bridge.
	UpstreamName         string   `env:"BRIDGE_UPSTREAM_NAME" envDefault:"upstream"`
	UpstreamClientID     string   `env:"BRIDGE_UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret string   `env:"BRIDGE_UPSTREAM_CLIENT_SECRET"`
	UpstreamAuthorizeURL string   `env:"BRIDGE_UPSTREAM_AUTHORIZE_URL"`
	UpstreamTokenURL     string   `env:"BRIDGE_UPSTREAM_TOKEN_URL"`
	UpstreamRevokeURL    string   `env:"BRIDGE_UPSTREAM_REVOKE_URL"`
	UpstreamUserInfoURL  string   `env:"BRIDGE_UPSTREAM_USERINFO_URL"`
	UpstreamScopes       []string `env:"BRIDGE_UPSTREAM_SCOPES" envSeparator:","`

	// UpstreamForwardsClientPKCE forwards the client's own PKCE challenge
	// upstream instead of the bridge's generated pair, deferring the
	// upstream exchange to the token endpoint. Only for providers that bind
	// the grant to the end client's PKCE.
	UpstreamForwardsClientPKCE bool `env:"BRIDGE_UPSTREAM_FORWARDS_CLIENT_PKCE"`

	// ValkeyAddress selects the Valkey storage backend. Empty runs the
	// bridge on the in-process store (single instance only).
	ValkeyAddress  string `env:"BRIDGE_VALKEY_ADDR"`
	ValkeyPassword string `env:"BRIDGE_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"BRIDGE_VALKEY_DB"`

	// Token and flow lifetimes.
	AccessTokenTTL       time.Duration `env:"BRIDGE_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL      time.Duration `env:"BRIDGE_REFRESH_TOKEN_TTL" envDefault:"720h"`
	TransactionTTL       time.Duration `env:"BRIDGE_TRANSACTION_TTL" envDefault:"10m"`
	AuthorizationCodeTTL time.Duration `env:"BRIDGE_CODE_TTL" envDefault:"60s"`

	// SupportedScopes limits what clients may request. Empty allows all.
	SupportedScopes []string `env:"BRIDGE_SUPPORTED_SCOPES" envSeparator:","`

	// AllowedRedirectPatterns is the operator redirect allowlist, applied
	// on top of the exact declared-URI match.
	AllowedRedirectPatterns []string `env:"BRIDGE_REDIRECT_PATTERNS" envSeparator:","`

	// ProductionMode requires HTTPS for the issuer and for non-loopback
	// redirect URIs.
	ProductionMode bool `env:"BRIDGE_PRODUCTION_MODE"`

	// Registration policy.
	AllowPublicClientRegistration bool   `env:"BRIDGE_PUBLIC_REGISTRATION" envDefault:"true"`
	RegistrationAccessToken       string `env:"BRIDGE_REGISTRATION_TOKEN"`
	MaxClientsPerIP               int    `env:"BRIDGE_MAX_CLIENTS_PER_IP" envDefault:"10"`

	// Per-IP rate limit across all endpoints. Zero disables.
	RateLimitPerSecond int `env:"BRIDGE_RATE_LIMIT" envDefault:"10"`
	RateLimitBurst     int `env:"BRIDGE_RATE_LIMIT_BURST" envDefault:"30"`

	// TrustProxy enables X-Forwarded-For / X-Real-IP handling. Only behind
	// a trusted reverse proxy.
	TrustProxy        bool `env:"BRIDGE_TRUST_PROXY"`
	TrustedProxyCount int  `env:"BRIDGE_TRUSTED_PROXY_COUNT"`

	// AuditLogging enables the structured security audit log.
	AuditLogging bool `env:"BRIDGE_AUDIT_LOG" envDefault:"true"`

	// OTelEnabled binds metrics and traces to the process-global
	// OpenTelemetry providers.
	OTelEnabled bool `env:"BRIDGE_OTEL_ENABLED"`
}

// ConfigFromEnv reads the bridge configuration from environment variables.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("BRIDGE_SIGNING_KEY must be at least 32 bytes")
	}
	if c.UpstreamClientID == "" || c.UpstreamClientSecret == "" {
		return fmt.Errorf("BRIDGE_UPSTREAM_CLIENT_ID and BRIDGE_UPSTREAM_CLIENT_SECRET are required")
	}
	if c.UpstreamAuthorizeURL == "" || c.UpstreamTokenURL == "" {
		return fmt.Errorf("BRIDGE_UPSTREAM_AUTHORIZE_URL and BRIDGE_UPSTREAM_TOKEN_URL are required")
	}
	return nil
}

// serverConfig translates the environment configuration into the
// orchestrator's config.
func (c *Config) serverConfig() *server.Config {
	return &server.Config{
		Issuer:                        c.Issuer,
		TransactionTTL:                c.TransactionTTL,
		AuthorizationCodeTTL:          c.AuthorizationCodeTTL,
		AccessTokenTTL:                c.AccessTokenTTL,
		RefreshTokenTTL:               c.RefreshTokenTTL,
		RequirePKCE:                   true,
		SupportedScopes:               c.SupportedScopes,
		AllowedRedirectPatterns:       c.AllowedRedirectPatterns,
		AllowLocalhostRedirectURIs:    true,
		ProductionMode:                c.ProductionMode,
		MaxClientsPerIP:               c.MaxClientsPerIP,
		AllowPublicClientRegistration: c.AllowPublicClientRegistration,
		RegistrationAccessToken:       c.RegistrationAccessToken,
	}
}

// upstreamConfig translates the environment configuration into the upstream
// provider config. The callback URL is fixed at <issuer>/callback and is
// what the operator registers with the provider.
func (c *Config) upstreamConfig() *upstream.Config {
	return &upstream.Config{
		Name:         c.UpstreamName,
		ClientID:     c.UpstreamClientID,
		ClientSecret: c.UpstreamClientSecret,
		AuthorizeURL: c.UpstreamAuthorizeURL,
		TokenURL:     c.UpstreamTokenURL,
		RevokeURL:    c.UpstreamRevokeURL,
		UserInfoURL:  c.UpstreamUserInfoURL,
		RedirectURL:  c.Issuer + "/callback",
		Scopes:       c.UpstreamScopes,
		Capabilities: upstream.Capabilities{ForwardsClientPKCE: c.UpstreamForwardsClientPKCE},
	}
}

// encryptor builds the at-rest encryptor from the configured keys, or nil
// when encryption is off.
func (c *Config) encryptor() (*security.Encryptor, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}

	primary, err := security.KeyFromBase64(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("BRIDGE_ENCRYPTION_KEY: %w", err)
	}

	fallbacks := make([][]byte, 0, len(c.EncryptionKeyFallbacks))
	for i, encoded := range c.EncryptionKeyFallbacks {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("BRIDGE_ENCRYPTION_KEY_FALLBACKS[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, key)
	}

	return security.NewEncryptor(primary, fallbacks...)
}
