package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/storage"
	"github.com/giantswarm/oauth-bridge/tokens"
	"github.com/giantswarm/oauth-bridge/upstream"
)

// OAuth 2.0 error codes from RFC 6749. Duplicated from the root package to
// avoid an import cycle (the root package imports server).
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidScope   = "invalid_scope"
	ErrorCodeAccessDenied   = "access_denied"
	ErrorCodeServerError    = "server_error"
)

// TokenGrant is the result of a successful code exchange or refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scope        string
}

// Principal is the authenticated identity behind a verified access token,
// handed to the dispatch layer by the authentication middleware.
type Principal struct {
	// ReferenceID is the opaque key into the upstream token store.
	ReferenceID string

	// Subject is the upstream identity, passed through unchanged. Falls
	// back to ReferenceID for providers without identity resolution.
	Subject string

	// Email is the upstream email, if the provider supplied one.
	Email string

	// Scopes are the scopes granted to the token.
	Scopes []string
}

// StartAuthorization validates an authorization request and returns the
// upstream authorization URL to redirect the user agent to. The state sent
// upstream is the transaction ID, never the client's own state; the client
// state travels inside the transaction and resurfaces only on the final
// redirect back to the client.
func (s *Server) StartAuthorization(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, clientState string) (string, error) {
	if err := s.validateStateParameter(clientState); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_state_parameter")
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	if err := s.validateChallengeMethod(codeChallenge, codeChallengeMethod); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_pkce_parameters")
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", ErrorCodeInvalidClient)
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidClient, err)
	}

	// Redirect validation happens before anything is stored. The failure
	// never redirects; a URI we refuse to send codes to is equally unfit
	// for error parameters.
	if err := s.ValidateRedirectURI(client, redirectURI); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_redirect_uri")
		s.Logger.Warn("Authorization rejected: redirect URI validation failed",
			"client_id", clientID,
			"category", RedirectURIErrorCategory(err),
			"uri", sanitizeURIForLogging(redirectURI))
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	if err := s.validateScopes(scope); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", ErrorCodeInvalidScope)
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", ErrorCodeInvalidScope)
		return "", fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}

	// The transaction ID doubles as the state parameter sent upstream.
	txnID := generateRandomToken()

	// Bridge-side PKCE toward the upstream, independent of the client's
	// pair. The client's challenge is validated locally at the token
	// endpoint; the bridge's verifier never leaves the process boundary.
	proxyVerifier := oauth2.GenerateVerifier()
	proxyChallenge := oauth2.S256ChallengeFromVerifier(proxyVerifier)

	upstreamChallenge, upstreamMethod := proxyChallenge, PKCEMethodS256
	if s.provider.Capabilities().ForwardsClientPKCE {
		// The provider sees the client's own challenge. The matching
		// verifier only arrives at the token endpoint, which is where the
		// upstream exchange then happens.
		upstreamChallenge, upstreamMethod = codeChallenge, codeChallengeMethod
	}

	now := time.Now()
	txn := &storage.Transaction{
		ID:                        txnID,
		ClientID:                  clientID,
		ClientState:               clientState,
		ClientRedirectURI:         redirectURI,
		ClientCodeChallenge:       codeChallenge,
		ClientCodeChallengeMethod: codeChallengeMethod,
		Scope:                     scope,
		ProxyCodeVerifier:         proxyVerifier,
		ProxyCodeChallenge:        proxyChallenge,
		CreatedAt:                 now,
		ExpiresAt:                 now.Add(s.Config.TransactionTTL),
	}
	if err := s.transactions.SaveTransaction(ctx, txn); err != nil {
		return "", fmt.Errorf("%s: failed to save transaction: %w", ErrorCodeServerError, err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationStarted,
		ClientID: clientID,
		Details: map[string]any{
			"scope":                 scope,
			"code_challenge_method": codeChallengeMethod,
			"txn_id":                safeTruncate(txnID, 8),
		},
	})

	return s.provider.AuthorizationURL(txnID, upstreamChallenge, upstreamMethod), nil
}

// HandleUpstreamCallback processes the upstream provider's callback. On
// success it returns the redirect to the client's recorded URI carrying a
// fresh proxy authorization code and the client's original state. Upstream
// failures return an error redirect to that same recorded URI with a
// standard OAuth error parameter; the URI is never re-read from request
// input. Only an unknown or expired state returns an error with no
// redirect, since there is no trusted URI to send the user agent to.
func (s *Server) HandleUpstreamCallback(ctx context.Context, upstreamState, upstreamCode, upstreamError string) (string, error) {
	// Consuming is destructive: a duplicate or late callback finds nothing.
	txn, err := s.transactions.ConsumeTransaction(ctx, upstreamState)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type: security.EventAuthFailure,
			Details: map[string]any{
				"reason": "unknown_or_expired_transaction",
				"stage":  "upstream_callback",
			},
		})
		s.Logger.Warn("Upstream callback with unknown or expired state",
			"state_prefix", safeTruncate(upstreamState, 8),
			"error", err)
		return "", fmt.Errorf("%s: authorization request not found or expired", ErrorCodeAccessDenied)
	}

	if upstreamError != "" {
		s.Logger.Warn("Upstream provider returned an error",
			"client_id", txn.ClientID,
			"upstream_error", upstreamError)
		return errorRedirect(txn, ErrorCodeAccessDenied), nil
	}
	if upstreamCode == "" {
		return errorRedirect(txn, ErrorCodeInvalidRequest), nil
	}

	// When the client's own PKCE pair was forwarded upstream, the exchange
	// must wait for the client's verifier at the token endpoint; the
	// upstream code rides along on the proxy code instead.
	var referenceID, subject, pendingUpstreamCode string
	if s.provider.Capabilities().ForwardsClientPKCE {
		pendingUpstreamCode = upstreamCode
	} else {
		upstreamToken, err := s.provider.Exchange(ctx, upstreamCode, txn.ProxyCodeVerifier)
		if err != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventUpstreamExchangeFailed,
				ClientID: txn.ClientID,
				Details:  map[string]any{"provider": s.provider.Name()},
			})
			s.Logger.Error("Upstream code exchange failed",
				"client_id", txn.ClientID,
				"provider", s.provider.Name(),
				"error", err)
			return errorRedirect(txn, ErrorCodeServerError), nil
		}

		rec, err := s.persistUpstreamGrant(ctx, upstreamToken, txn.Scope)
		if err != nil {
			s.Logger.Error("Failed to store upstream token record", "error", err)
			return errorRedirect(txn, ErrorCodeServerError), nil
		}
		referenceID = rec.ReferenceID
		subject = rec.Subject
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            txn.ClientID,
		ReferenceID:         referenceID,
		UpstreamCode:        pendingUpstreamCode,
		RedirectURI:         txn.ClientRedirectURI,
		Scope:               txn.Scope,
		CodeChallenge:       txn.ClientCodeChallenge,
		CodeChallengeMethod: txn.ClientCodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.codes.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to store authorization code", "error", err)
		return errorRedirect(txn, ErrorCodeServerError), nil
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventCallbackProcessed,
		Subject:  subject,
		ClientID: txn.ClientID,
		Details:  map[string]any{"scope": txn.Scope},
	})

	return successRedirect(txn, code.Code), nil
}

// persistUpstreamGrant resolves the identity behind a freshly exchanged
// upstream token and stores the token material under a new reference ID.
func (s *Server) persistUpstreamGrant(ctx context.Context, upstreamToken *oauth2.Token, scope string) (*storage.UpstreamTokenRecord, error) {
	identity := &upstream.Identity{}
	if resolver, ok := s.provider.(upstream.IdentityResolver); ok {
		resolved, err := resolver.ResolveIdentity(ctx, upstreamToken)
		if err != nil {
			// The flow still completes; the principal falls back to the
			// reference ID.
			s.Logger.Warn("Failed to resolve upstream identity",
				"provider", s.provider.Name(),
				"error", err)
		} else {
			identity = resolved
		}
	}

	rec := &storage.UpstreamTokenRecord{
		ReferenceID:  uuid.NewString(),
		AccessToken:  upstreamToken.AccessToken,
		RefreshToken: upstreamToken.RefreshToken,
		TokenType:    upstreamToken.TokenType,
		Expiry:       upstreamToken.Expiry,
		Scope:        scope,
		Subject:      identity.Subject,
		Email:        identity.Email,
		CreatedAt:    time.Now(),
	}
	if err := s.records.PutUpstreamToken(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ExchangeAuthorizationCode redeems a proxy authorization code for bridge
// tokens. The redemption is atomic: exactly one concurrent caller wins, and
// a replay revokes the code's reference ID defensively before returning the
// same generic invalid_grant everyone else gets.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*TokenGrant, error) {
	authCode, err := s.codes.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeAlreadyUsed) && authCode != nil {
			s.Logger.Error("Authorization code replay detected, revoking reference",
				"client_id", clientID,
				"reference_id", safeTruncate(authCode.ReferenceID, 8),
				"code_prefix", safeTruncate(code, 8))
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventCodeReplayDetected,
				ClientID: clientID,
				Details: map[string]any{
					"reference_id": safeTruncate(authCode.ReferenceID, 8),
					"action":       "reference_revoked",
				},
			})
			// A replayed code whose upstream exchange never happened has no
			// reference to revoke.
			if authCode.ReferenceID != "" {
				s.revokeReference(ctx, authCode.ReferenceID)
			}
		} else {
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", clientID,
				"code_prefix", safeTruncate(code, 8))
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		}
		// Generic error per RFC 6749 regardless of the internal reason.
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID)
		s.Auditor.LogAuthFailure("", clientID, "", "client_id_mismatch")
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID)
		s.Auditor.LogAuthFailure("", clientID, "", "redirect_uri_mismatch")
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "pkce_validation_failed")
		s.Logger.Debug("PKCE validation failed",
			"client_id", clientID,
			"reason", err.Error())
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidGrant, err)
	}

	var rec *storage.UpstreamTokenRecord
	if authCode.UpstreamCode != "" {
		// The client's PKCE pair was forwarded upstream, so the upstream
		// exchange deferred to here, where the client's verifier is known.
		upstreamToken, err := s.provider.Exchange(ctx, authCode.UpstreamCode, codeVerifier)
		if err != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventUpstreamExchangeFailed,
				ClientID: clientID,
				Details:  map[string]any{"provider": s.provider.Name()},
			})
			s.Logger.Error("Upstream code exchange failed",
				"client_id", clientID,
				"provider", s.provider.Name(),
				"error", err)
			return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
		rec, err = s.persistUpstreamGrant(ctx, upstreamToken, authCode.Scope)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to store upstream tokens: %w", ErrorCodeServerError, err)
		}
		authCode.ReferenceID = rec.ReferenceID
	} else {
		rec, err = s.records.GetUpstreamToken(ctx, authCode.ReferenceID)
		if err != nil {
			// Revoked between callback and exchange.
			s.Logger.Debug("Upstream token record missing at exchange",
				"client_id", clientID,
				"reference_id", safeTruncate(authCode.ReferenceID, 8))
			return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
	}

	scopes := splitScope(authCode.Scope)
	accessToken, expiry, err := s.issuer.IssueAccess(authCode.ReferenceID, scopes)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to issue access token: %w", ErrorCodeServerError, err)
	}
	refreshToken, jti, err := s.issuer.IssueRefresh(authCode.ReferenceID, scopes)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to issue refresh token: %w", ErrorCodeServerError, err)
	}

	// Recording the jti is what makes the refresh token live; a failed
	// write must not hand out a token that can never refresh.
	rec.RefreshJTI = jti
	if err := s.updateRecordWithRetry(ctx, rec); err != nil {
		return nil, fmt.Errorf("%s: failed to bind refresh token: %w", ErrorCodeServerError, err)
	}

	s.Auditor.LogTokenIssued(rec.Subject, clientID, authCode.Scope)

	return &TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
		Scope:        authCode.Scope,
	}, nil
}

// Refresh redeems a bridge refresh token for a fresh access token. The
// upstream token is refreshed only when it is actually near expiry, under a
// per-reference conditional update so concurrent refreshes across processes
// call upstream once. The bridge refresh token rotates only when the
// upstream rotated its own.
func (s *Server) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenGrant, error) {
	claims, err := s.issuer.VerifyUse(refreshToken, tokens.UseRefresh)
	if err != nil {
		s.Logger.Debug("Refresh token verification failed", "error", err)
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	rec, err := s.records.GetUpstreamToken(ctx, claims.ReferenceID)
	if err != nil {
		// Deleted record = revoked; the signature still verifies but the
		// token no longer resolves.
		s.Logger.Debug("Refresh for revoked or unknown reference",
			"reference_id", safeTruncate(claims.ReferenceID, 8))
		s.Auditor.LogAuthFailure("", clientID, "", "refresh_reference_revoked")
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if subtle.ConstantTimeCompare([]byte(rec.RefreshJTI), []byte(claims.JTI)) != 1 {
		// A superseded refresh token. Reuse after rotation indicates theft;
		// revoke the whole reference.
		s.Logger.Error("Rotated refresh token reuse detected, revoking reference",
			"reference_id", safeTruncate(claims.ReferenceID, 8),
			"client_id", clientID)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthFailure,
			Subject:  rec.Subject,
			ClientID: clientID,
			Details: map[string]any{
				"reason": "rotated_refresh_token_reuse",
				"action": "reference_revoked",
			},
		})
		s.revokeReference(ctx, claims.ReferenceID)
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	rotated := false
	if s.upstreamNeedsRefresh(rec) {
		rec, rotated, err = s.refreshUpstream(ctx, rec, claims, clientID)
		if err != nil {
			return nil, err
		}
	}

	scopes := claims.Scopes
	accessToken, expiry, err := s.issuer.IssueAccess(claims.ReferenceID, scopes)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to issue access token: %w", ErrorCodeServerError, err)
	}

	newRefreshToken := refreshToken
	if rotated {
		var jti string
		newRefreshToken, jti, err = s.issuer.IssueRefresh(claims.ReferenceID, scopes)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to issue refresh token: %w", ErrorCodeServerError, err)
		}
		rec.RefreshJTI = jti
		if err := s.updateRecordWithRetry(ctx, rec); err != nil {
			return nil, fmt.Errorf("%s: failed to rotate refresh token: %w", ErrorCodeServerError, err)
		}
	}

	s.Auditor.LogTokenRefreshed(rec.Subject, clientID, rotated)

	return &TokenGrant{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// upstreamNeedsRefresh reports whether the stored upstream access token is
// expired or about to expire. A zero expiry means the provider issued a
// non-expiring token.
func (s *Server) upstreamNeedsRefresh(rec *storage.UpstreamTokenRecord) bool {
	if rec.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(s.Config.UpstreamRefreshGrace).After(rec.Expiry)
}

// refreshUpstream calls the upstream refresh grant and writes the new token
// material back under the record's version. A version conflict means a
// concurrent refresh already did the work; the loser re-reads and uses the
// winner's result instead of calling upstream twice.
func (s *Server) refreshUpstream(ctx context.Context, rec *storage.UpstreamTokenRecord, claims *tokens.Claims, clientID string) (*storage.UpstreamTokenRecord, bool, error) {
	if rec.RefreshToken == "" {
		// Upstream never issued a refresh token; the session ends with the
		// upstream access token.
		s.Logger.Warn("Upstream access token expired with no refresh token",
			"reference_id", safeTruncate(rec.ReferenceID, 8))
		s.revokeReference(ctx, rec.ReferenceID)
		return nil, false, fmt.Errorf("%s: re-authentication required", ErrorCodeInvalidGrant)
	}

	upstreamToken, err := s.provider.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		// Upstream rejected the refresh: the grant is gone (user revoked
		// consent, credential rotated upstream). Invalidate the local
		// mapping so the client re-authenticates rather than retrying.
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventUpstreamRefreshFailed,
			Subject:  rec.Subject,
			ClientID: clientID,
			Details:  map[string]any{"provider": s.provider.Name()},
		})
		s.Logger.Error("Upstream refresh failed, invalidating reference",
			"reference_id", safeTruncate(rec.ReferenceID, 8),
			"provider", s.provider.Name(),
			"error", err)
		if delErr := s.records.DeleteUpstreamToken(ctx, rec.ReferenceID); delErr != nil {
			s.Logger.Warn("Failed to delete record after upstream rejection", "error", delErr)
		}
		return nil, false, fmt.Errorf("%s: re-authentication required", ErrorCodeInvalidGrant)
	}

	rotated := upstreamToken.RefreshToken != ""

	rec.AccessToken = upstreamToken.AccessToken
	rec.TokenType = upstreamToken.TokenType
	rec.Expiry = upstreamToken.Expiry
	if rotated {
		rec.RefreshToken = upstreamToken.RefreshToken
	}

	err = s.records.UpdateUpstreamToken(ctx, rec)
	if errors.Is(err, storage.ErrVersionConflict) {
		// Lost the race. The winner's record already carries fresh
		// upstream material.
		fresh, readErr := s.records.GetUpstreamToken(ctx, rec.ReferenceID)
		if readErr != nil {
			return nil, false, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
		if subtle.ConstantTimeCompare([]byte(fresh.RefreshJTI), []byte(claims.JTI)) != 1 {
			// The winner also rotated the bridge refresh token; this one
			// is superseded.
			s.Logger.Debug("Refresh superseded by concurrent rotation",
				"reference_id", safeTruncate(rec.ReferenceID, 8))
			return nil, false, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
		return fresh, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: failed to store refreshed token: %w", ErrorCodeServerError, err)
	}
	return rec, rotated, nil
}

// Authenticate verifies a bridge access token and resolves the principal
// behind it. The collaborator interface for the dispatch layer.
func (s *Server) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.issuer.VerifyUse(accessToken, tokens.UseAccess)
	if err != nil {
		return nil, err
	}

	rec, err := s.records.GetUpstreamToken(ctx, claims.ReferenceID)
	if err != nil {
		// A verified signature over a deleted record means the grant was
		// revoked.
		return nil, fmt.Errorf("%w: reference revoked", tokens.ErrTokenInvalid)
	}

	subject := rec.Subject
	if subject == "" {
		subject = claims.ReferenceID
	}

	return &Principal{
		ReferenceID: claims.ReferenceID,
		Subject:     subject,
		Email:       rec.Email,
		Scopes:      claims.Scopes,
	}, nil
}

// revokeReference deletes an upstream token record and best-effort revokes
// the upstream tokens themselves. Deleting the record is the revocation;
// upstream revocation is hygiene.
func (s *Server) revokeReference(ctx context.Context, referenceID string) {
	rec, err := s.records.GetUpstreamToken(ctx, referenceID)
	if err == nil {
		if rec.AccessToken != "" {
			if err := s.provider.Revoke(ctx, rec.AccessToken); err != nil {
				s.Logger.Warn("Failed to revoke upstream access token",
					"reference_id", safeTruncate(referenceID, 8),
					"error", err)
			}
		}
		if rec.RefreshToken != "" {
			if err := s.provider.Revoke(ctx, rec.RefreshToken); err != nil {
				s.Logger.Warn("Failed to revoke upstream refresh token",
					"reference_id", safeTruncate(referenceID, 8),
					"error", err)
			}
		}
	}

	if err := s.records.DeleteUpstreamToken(ctx, referenceID); err != nil {
		s.Logger.Warn("Failed to delete upstream token record",
			"reference_id", safeTruncate(referenceID, 8),
			"error", err)
	}
}

// updateRecordWithRetry performs a conditional record update, re-reading
// and retrying once on a version conflict. Used for jti binding, where the
// caller's change must land regardless of concurrent upstream refreshes.
func (s *Server) updateRecordWithRetry(ctx context.Context, rec *storage.UpstreamTokenRecord) error {
	err := s.records.UpdateUpstreamToken(ctx, rec)
	if !errors.Is(err, storage.ErrVersionConflict) {
		return err
	}

	fresh, readErr := s.records.GetUpstreamToken(ctx, rec.ReferenceID)
	if readErr != nil {
		return readErr
	}
	fresh.RefreshJTI = rec.RefreshJTI
	return s.records.UpdateUpstreamToken(ctx, fresh)
}

func successRedirect(txn *storage.Transaction, code string) string {
	return redirectWithParams(txn.ClientRedirectURI, url.Values{
		"code":  {code},
		"state": {txn.ClientState},
	})
}

func errorRedirect(txn *storage.Transaction, errorCode string) string {
	return redirectWithParams(txn.ClientRedirectURI, url.Values{
		"error": {errorCode},
		"state": {txn.ClientState},
	})
}

// redirectWithParams merges params into the URI's existing query instead of
// appending a second query string, so redirect URIs registered with their own
// query parameters keep them.
func redirectWithParams(rawURI string, params url.Values) string {
	u, err := url.Parse(rawURI)
	if err != nil {
		// Screened at registration and matched byte-identically at
		// authorization, so this does not happen for stored URIs.
		return rawURI
	}
	query := u.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
