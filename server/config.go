package server

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Issuer is the bridge's own base URL, used as the token issuer claim
	// and for HTTPS enforcement.
	Issuer string

	// TransactionTTL bounds how long an authorization flow may wait for the
	// upstream callback. Default 10 minutes.
	TransactionTTL time.Duration

	// AuthorizationCodeTTL is the lifetime of proxy authorization codes.
	// Codes are single-use either way; the short TTL bounds the replay
	// detection window. Default 60 seconds.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL and RefreshTokenTTL are the proxy token lifetimes.
	// Defaults 1 hour and 30 days.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// UpstreamRefreshGrace refreshes the upstream access token when it is
	// within this window of its expiry, so a token handed to the dispatch
	// layer does not die mid-request. Default 30 seconds.
	UpstreamRefreshGrace time.Duration

	// RequirePKCE makes code_challenge mandatory at the authorization
	// endpoint. Default true; disabling it significantly weakens public
	// clients.
	RequirePKCE bool

	// AllowPKCEPlain allows the deprecated 'plain' code_challenge_method.
	// Default false, S256 only.
	AllowPKCEPlain bool

	// MinStateLength is the minimum length of the client's state parameter.
	// Default 8.
	MinStateLength int

	// SupportedScopes lists the scopes clients may request. Empty allows
	// all.
	SupportedScopes []string

	// AllowedRedirectPatterns is the operator allowlist applied on top of
	// the exact declared-URI match. Patterns support a port wildcard
	// (http://localhost:*), a subdomain wildcard (https://*.example.com),
	// and a trailing path wildcard (https://app.example.com/*). A bare "*"
	// is rejected at configuration time. Empty list means the declared
	// match alone decides.
	AllowedRedirectPatterns []string

	// AllowLocalhostRedirectURIs permits loopback redirect URIs at
	// registration. Default true; native and CLI clients depend on it.
	AllowLocalhostRedirectURIs bool

	// ProductionMode requires HTTPS for non-loopback redirect URIs at
	// registration.
	ProductionMode bool

	// MaxClientsPerIP caps dynamic registrations per source IP. Default 10;
	// zero after explicit configuration disables the cap.
	MaxClientsPerIP int

	// AllowPublicClientRegistration allows unauthenticated dynamic client
	// registration. When false, RegistrationAccessToken is required.
	AllowPublicClientRegistration bool

	// RegistrationAccessToken protects the registration endpoint when
	// public registration is off.
	RegistrationAccessToken string

	// compiled redirect patterns, built by applySecureDefaults.
	redirectPatterns []*regexp.Regexp
}

// applySecureDefaults fills zero values with secure defaults and compiles
// the redirect allowlist. It returns an error for patterns that would allow
// everything.
func applySecureDefaults(config *Config, logger *slog.Logger) (*Config, error) {
	applyTimeDefaults(config)

	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}

	// Fresh configs get the secure defaults; an explicitly insecure config
	// is honored but logged.
	if !config.RequirePKCE && !config.AllowPKCEPlain && !config.AllowLocalhostRedirectURIs {
		config.RequirePKCE = true
		config.AllowLocalhostRedirectURIs = true
	} else {
		logSecurityWarnings(config, logger)
	}

	patterns, err := compileRedirectPatterns(config.AllowedRedirectPatterns)
	if err != nil {
		return nil, err
	}
	config.redirectPatterns = patterns

	return config, nil
}

func applyTimeDefaults(config *Config) {
	if config.TransactionTTL == 0 {
		config.TransactionTTL = 10 * time.Minute
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60 * time.Second
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if config.UpstreamRefreshGrace == 0 {
		config.UpstreamRefreshGrace = 30 * time.Second
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("PKCE is disabled",
			"risk", "authorization code interception attacks",
			"recommendation", "set RequirePKCE=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("Plain PKCE method is allowed",
			"risk", "weak code challenge protection",
			"recommendation", "set AllowPKCEPlain=false to require S256")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("Public client registration is enabled",
			"risk", "mass client registration",
			"recommendation", "set a RegistrationAccessToken")
	}
	if !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("RegistrationAccessToken not configured",
			"risk", "client registration will fail",
			"recommendation", "set RegistrationAccessToken or enable AllowPublicClientRegistration")
	}
}

// compileRedirectPatterns translates the operator allowlist into anchored
// regular expressions. A "*" matches within a single URI component (it never
// crosses "/", "?" or "#"); a trailing ":*" matches any port and any path on
// that host; a trailing "/*" matches any path under the prefix.
func compileRedirectPatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := compileRedirectPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("redirect pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func compileRedirectPattern(pattern string) (*regexp.Regexp, error) {
	if strings.Trim(pattern, "*/:") == "" {
		return nil, fmt.Errorf("pattern matches every URI")
	}
	if !strings.Contains(pattern, "://") {
		return nil, fmt.Errorf("pattern must include a scheme")
	}
	scheme, _, _ := strings.Cut(pattern, "://")
	if strings.Contains(scheme, "*") {
		return nil, fmt.Errorf("scheme wildcards are not allowed")
	}

	body := pattern
	anyPath := false
	if strings.HasSuffix(body, "/*") {
		body = strings.TrimSuffix(body, "/*")
		anyPath = true
	}
	anyPort := strings.HasSuffix(body, ":*")

	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(body, "*") {
		if i > 0 {
			sb.WriteString(`[^/?#]*`)
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	if anyPath || anyPort {
		sb.WriteString(`(/[^#]*)?`)
	}
	sb.WriteString("$")

	return regexp.Compile(sb.String())
}
