package oauthbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-bridge/instrumentation"
	"github.com/giantswarm/oauth-bridge/security"
	"github.com/giantswarm/oauth-bridge/server"
	"github.com/giantswarm/oauth-bridge/storage"
)

// maxRegistrationBodySize bounds registration request bodies.
const maxRegistrationBodySize = 64 << 10

// Handler is the bridge's HTTP surface over the authorization orchestrator.
type Handler struct {
	server *server.Server
	logger *slog.Logger

	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	trustProxy        bool
	trustedProxyCount int
}

// NewHandler creates the HTTP handler.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: srv, logger: logger}
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the
// handler. Without it the handler records nothing.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
}

// SetProxyTrust configures client IP extraction behind a reverse proxy.
func (h *Handler) SetProxyTrust(trustProxy bool, trustedProxyCount int) {
	h.trustProxy = trustProxy
	h.trustedProxyCount = trustedProxyCount
}

// Routes registers the bridge's endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/callback", h.ServeCallback)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "bridge.http.register")
	defer h.endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	clientIP := security.ClientIP(r, h.trustProxy, h.trustedProxyCount)

	if !h.checkRateLimit(ctx, w, "register", clientIP) {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if !h.server.Config.AllowPublicClientRegistration {
		if !h.validRegistrationToken(r.Header.Get("Authorization")) {
			h.logger.Warn("Client registration rejected: missing or invalid registration token",
				"client_ip", clientIP)
			h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusUnauthorized, startTime)
			instrumentation.SetSpanError(span, "registration token invalid")
			h.writeError(w, ErrorCodeInvalidClient, "Registration requires authorization", http.StatusUnauthorized)
			return
		}
	}

	var req ClientRegistrationRequest
	body := http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "malformed request body")
		h.writeError(w, ErrorCodeInvalidClientMetadata, "Malformed registration request", http.StatusBadRequest)
		return
	}
	if len(req.RedirectURIs) == 0 {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "redirect_uris missing")
		h.writeError(w, ErrorCodeInvalidRedirectURI, "redirect_uris is required", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx,
		req.ClientName, req.ClientType, req.TokenEndpointAuthMethod,
		req.RedirectURIs, strings.Fields(req.Scope), clientIP)
	if err != nil {
		h.handleRegistrationError(ctx, w, err, clientIP, r.Method, startTime, span)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordClientRegistered(ctx, client.ClientType)
	}
	h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusCreated, startTime)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType))
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
	})
}

func (h *Handler) validRegistrationToken(authHeader string) bool {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || h.server.Config.RegistrationAccessToken == "" {
		return false
	}
	return token == h.server.Config.RegistrationAccessToken
}

func (h *Handler) handleRegistrationError(ctx context.Context, w http.ResponseWriter, err error, clientIP, method string, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	switch {
	case errors.Is(err, storage.ErrIPLimitExceeded):
		h.recordHTTPMetrics(ctx, "register", method, http.StatusTooManyRequests, startTime)
		h.writeError(w, ErrorCodeInvalidClientMetadata, "Too many registrations from this address", http.StatusTooManyRequests)
	case server.RedirectURIErrorCategory(err) != "" || strings.HasPrefix(err.Error(), ErrorCodeInvalidRedirectURI):
		h.recordHTTPMetrics(ctx, "register", method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRedirectURI, "One or more redirect URIs were rejected", http.StatusBadRequest)
	default:
		h.logger.Error("Client registration failed", "client_ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "register", method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Registration failed", http.StatusInternalServerError)
	}
}

// ServeAuthorization handles the authorization endpoint. On success the user
// agent is redirected to the upstream provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "bridge.http.authorize")
	defer h.endSpan(span)

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	clientIP := security.ClientIP(r, h.trustProxy, h.trustedProxyCount)
	if !h.checkRateLimit(ctx, w, "authorize", clientIP) {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	responseType := q.Get("response_type")

	if clientID == "" {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}
	if responseType != "code" {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, ErrorCodeUnsupportedResponseType, "Only response_type=code is supported", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, q.Get("code_challenge_method")))

	authURL, err := h.server.StartAuthorization(ctx,
		clientID, q.Get("redirect_uri"), q.Get("scope"),
		q.Get("code_challenge"), q.Get("code_challenge_method"), q.Get("state"))
	if err != nil {
		oauthErr := flowError(err)
		h.logger.Warn("Authorization request rejected",
			"client_id", clientID,
			"client_ip", clientIP,
			"error", err)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordFlowStarted(ctx, clientID)
	}
	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the upstream provider's redirect back to the bridge.
// The state parameter here is the bridge's transaction ID.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "bridge.http.callback")
	defer h.endSpan(span)

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	q := r.URL.Query()
	redirect, err := h.server.HandleUpstreamCallback(ctx, q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		// No transaction, so no trusted client URI to redirect to.
		oauthErr := flowError(err)
		if h.metrics != nil {
			h.metrics.RecordCallbackProcessed(ctx, false)
		}
		h.recordHTTPMetrics(ctx, "callback", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCallbackProcessed(ctx, true)
	}
	h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q is not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "bridge.http.token_exchange")
	defer h.endSpan(span)

	clientIP := security.ClientIP(r, h.trustProxy, h.trustedProxyCount)
	if !h.checkRateLimit(ctx, w, "token", clientIP) {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "code is required", http.StatusBadRequest)
		return
	}

	client, authErr := h.authenticateClient(ctx, r, clientIP)
	if authErr != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, authErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, authErr.Code, authErr.Description, authErr.Status)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"))

	grant, err := h.server.ExchangeAuthorizationCode(ctx,
		code, client.ClientID, r.FormValue("redirect_uri"), r.FormValue("code_verifier"))
	if err != nil {
		oauthErr := flowError(err)
		h.logger.Warn("Code exchange failed",
			"client_id", client.ClientID,
			"client_ip", clientIP,
			"error", err)
		h.recordHTTPMetrics(ctx, "token", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCodeExchanged(ctx, client.ClientID)
	}
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "bridge.http.token_refresh")
	defer h.endSpan(span)

	clientIP := security.ClientIP(r, h.trustProxy, h.trustedProxyCount)
	if !h.checkRateLimit(ctx, w, "token", clientIP) {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, authErr := h.authenticateClient(ctx, r, clientIP)
	if authErr != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, authErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, authErr.Code, authErr.Description, authErr.Status)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, "refresh_token"))

	grant, err := h.server.Refresh(ctx, refreshToken, client.ClientID)
	if err != nil {
		oauthErr := flowError(err)
		h.logger.Warn("Token refresh failed",
			"client_id", client.ClientID,
			"client_ip", clientIP,
			"error", err)
		h.recordHTTPMetrics(ctx, "token", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	rotated := grant.RefreshToken != refreshToken
	if h.metrics != nil {
		h.metrics.RecordTokenRefreshed(ctx, client.ClientID, rotated)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRotated, rotated))
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

// authenticateClient authenticates the caller at the token endpoint.
// Confidential clients present their secret via client_secret_basic or
// client_secret_post; public clients identify by client_id alone and are
// held to PKCE instead.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (*storage.Client, *Error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	if clientID == "" {
		return nil, NewError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	}

	client, err := h.server.GetClient(ctx, clientID)
	if err != nil {
		h.auditAuthFailure(clientID, clientIP, "unknown_client")
		return nil, NewError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	}

	if client.ClientType == server.ClientTypeConfidential {
		if clientSecret == "" {
			h.auditAuthFailure(clientID, clientIP, "missing_client_secret")
			return nil, NewError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		}
		if err := h.server.ValidateClientCredentials(ctx, clientID, clientSecret); err != nil {
			h.auditAuthFailure(clientID, clientIP, "invalid_client_secret")
			return nil, NewError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		}
	}

	return client, nil
}

func (h *Handler) auditAuthFailure(clientID, clientIP, reason string) {
	h.logger.Warn("Client authentication failed",
		"client_id", clientID,
		"client_ip", clientIP,
		"reason", reason)
	h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
}

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.server.Config.Issuer
	metadata := &AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		ScopesSupported:       h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodNone,
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
		},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
	}
	if h.server.Config.AllowPKCEPlain {
		metadata.CodeChallengeMethodsSupported = append(metadata.CodeChallengeMethodsSupported, server.PKCEMethodPlain)
	}
	if h.server.Config.AllowPublicClientRegistration || h.server.Config.RegistrationAccessToken != "" {
		metadata.RegistrationEndpoint = issuer + "/register"
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, metadata)
}

// principalKey is the context key the middleware stores the authenticated
// principal under.
type principalKey struct{}

// PrincipalFromContext returns the principal placed on the context by
// Middleware.
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*server.Principal)
	return p, ok
}

// Middleware authenticates bearer tokens and passes the resolved principal
// to the next handler via the request context. Requests without a valid
// bridge access token get a 401 with a WWW-Authenticate challenge.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.writeUnauthorized(w, "Authorization required")
			return
		}

		principal, err := h.server.Authenticate(r.Context(), token)
		if err != nil {
			h.writeUnauthorized(w, "Invalid or expired access token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("Bearer error=%q, error_description=%q", ErrorCodeInvalidToken, description))
	h.writeError(w, ErrorCodeInvalidToken, description, http.StatusUnauthorized)
}

func (h *Handler) checkRateLimit(ctx context.Context, w http.ResponseWriter, endpoint, clientIP string) bool {
	rl := h.server.RateLimiter
	if rl == nil || rl.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "client_ip", clientIP)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(ctx, endpoint)
	}
	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrorCodeInvalidRequest, "Too many requests", http.StatusTooManyRequests)
	return false
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	expiresIn := int64(time.Until(grant.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	// RFC 6749 Section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, status, &ErrorResponse{Error: code, ErrorDescription: description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}

func (h *Handler) endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
}
