// Package server implements the bridge's authorization orchestrator: the
// register/authorize/callback/token/refresh state machine over pluggable
// storage, the upstream provider client, and the bridge's own token issuer.
package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/storage"
	"github.com/giantswarm/oauth-bridge/tokens"
	"github.com/giantswarm/oauth-bridge/upstream"
)

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used to keep identifier prefixes out of full view in logs.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server coordinates the bridge's authorization flows. It holds no per-flow
// state of its own; everything lives in the stores so multiple processes can
// share the work.
type Server struct {
	provider     upstream.Provider
	clients      storage.ClientStore
	transactions storage.TransactionStore
	codes        storage.CodeStore
	records      storage.TokenStore
	issuer       *tokens.Issuer

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
	Config      *Config
}

// New creates a bridge server. All stores, the provider, and the token
// issuer are required.
func New(
	provider upstream.Provider,
	clients storage.ClientStore,
	transactions storage.TransactionStore,
	codes storage.CodeStore,
	records storage.TokenStore,
	issuer *tokens.Issuer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("upstream provider is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if transactions == nil {
		return nil, fmt.Errorf("transaction store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if records == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config, err := applySecureDefaults(config, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		provider:     provider,
		clients:      clients,
		transactions: transactions,
		codes:        codes,
		records:      records,
		issuer:       issuer,
		Config:       config,
		Logger:       logger,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter used by the HTTP layer.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// Provider returns the configured upstream provider.
func (s *Server) Provider() upstream.Provider {
	return s.provider
}

// generateRandomToken generates a cryptographically secure random token.
// Alias for oauth2.GenerateVerifier, which produces a URL-safe base64 string
// suitable for transaction IDs, authorization codes, and client IDs.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
