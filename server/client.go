package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/storage"
)

// Client type constants.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// RegisterClient registers a logical client of the bridge. Every client
// shares the operator's single upstream credential; the registration really
// establishes the client's redirect URI set and, for confidential clients,
// a secret. The plaintext secret is returned exactly once.
//
// tokenEndpointAuthMethod selects the client type per RFC 7591 Section 2:
// "none" registers a public PKCE-only client, "client_secret_basic" and
// "client_secret_post" register confidential clients.
func (s *Server) RegisterClient(ctx context.Context, clientName, clientType, tokenEndpointAuthMethod string, redirectURIs, scopes []string, clientIP string) (*storage.Client, string, error) {
	if err := s.clients.CheckIPLimit(ctx, clientIP, s.Config.MaxClientsPerIP); err != nil {
		return nil, "", err
	}

	if err := s.validateRedirectURIsWithAudit(redirectURIs, clientIP); err != nil {
		return nil, "", err
	}

	clientID := generateRandomToken()
	clientType, tokenEndpointAuthMethod = resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod)
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		RedirectURIs:            redirectURIs,
		ClientName:              clientName,
		Scopes:                  scopes,
		CreatedAt:               time.Now(),
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.clients.TrackClientIP(ctx, clientIP)
	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	s.Logger.Info("Registered new client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

func (s *Server) validateRedirectURIsWithAudit(redirectURIs []string, clientIP string) error {
	if err := s.ValidateRedirectURIsForRegistration(redirectURIs); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRejected,
			IPAddress: clientIP,
			Details: map[string]any{
				"reason":   "redirect_uri_validation_failed",
				"category": RedirectURIErrorCategory(err),
			},
		})
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return fmt.Errorf("invalid_redirect_uri: %w", err)
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines client type and auth method per
// RFC 7591 Section 2.
func resolveClientTypeAndAuthMethod(clientType, tokenEndpointAuthMethod string) (string, string) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	}
	if clientType == "" {
		// The default registration is a public PKCE-only client; a secret
		// method opts into confidential.
		if tokenEndpointAuthMethod == "" {
			clientType = ClientTypePublic
		} else {
			clientType = ClientTypeConfidential
		}
	}

	if tokenEndpointAuthMethod == "" {
		if clientType == ClientTypeConfidential {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodBasic
		} else {
			tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
		}
	}

	return clientType, tokenEndpointAuthMethod
}

func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a client registration.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// ValidateClientCredentials validates a confidential client's secret at the
// token endpoint.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
}

// AddRedirectURIs grows a client's declared redirect URI set. This is the
// registry's only mutation and is reserved for explicit operator action;
// each URI passes the same screening as at registration.
func (s *Server) AddRedirectURIs(ctx context.Context, clientID string, uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range uris {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	if err := s.clients.AddRedirectURIs(ctx, clientID, uris); err != nil {
		return err
	}

	s.Logger.Info("Grew client redirect URI set",
		"client_id", clientID,
		"added", len(uris))
	return nil
}
