package oauthbridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-bridge/internal/testutil"
	"github.com/giantswarm/oauth-bridge/server"
	"github.com/giantswarm/oauth-bridge/storage/memory"
	"github.com/giantswarm/oauth-bridge/tokens"
	"github.com/giantswarm/oauth-bridge/upstream/mock"
)

const testRedirectURI = "http://localhost:8085/callback"

type httpEnv struct {
	handler  *Handler
	mux      *http.ServeMux
	provider *mock.Provider
	store    *memory.Store
}

func newHTTPEnv(t *testing.T, mutate ...func(*server.Config)) *httpEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.NewWithInterval(0)
	t.Cleanup(store.Stop)
	store.SetLogger(logger)

	provider := mock.New()

	issuer, err := tokens.NewIssuer(testutil.SigningKey(), tokens.Options{Issuer: "http://localhost:8080"})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	config := &server.Config{
		Issuer:                        "http://localhost:8080",
		AllowPublicClientRegistration: true,
	}
	for _, fn := range mutate {
		fn(config)
	}

	srv, err := server.New(provider, store, store, store, store, issuer, config, logger)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	handler := NewHandler(srv, logger)
	mux := http.NewServeMux()
	handler.Routes(mux)

	return &httpEnv{handler: handler, mux: mux, provider: provider, store: store}
}

func (e *httpEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// register runs a registration request and returns the parsed response.
func (e *httpEnv) register(t *testing.T, body string) ClientRegistrationResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("registration status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp ClientRegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse registration response: %v", err)
	}
	return resp
}

// runToCode walks a registered client through /authorize and /callback and
// returns the proxy authorization code.
func (e *httpEnv) runToCode(t *testing.T, clientID, challenge, state string) string {
	t.Helper()

	authReq := httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode(), nil)
	authRec := e.do(t, authReq)
	if authRec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", authRec.Code, authRec.Body.String())
	}

	upstreamURL, err := url.Parse(authRec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse upstream redirect: %v", err)
	}
	upstreamState := upstreamURL.Query().Get("state")
	if upstreamState == "" {
		t.Fatal("upstream redirect has no state")
	}
	if upstreamState == state {
		t.Fatal("client state leaked upstream")
	}

	cbReq := httptest.NewRequest(http.MethodGet,
		"/callback?state="+url.QueryEscape(upstreamState)+"&code=upstream-code", nil)
	cbRec := e.do(t, cbReq)
	if cbRec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body %s", cbRec.Code, cbRec.Body.String())
	}

	clientRedirect, err := url.Parse(cbRec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse client redirect: %v", err)
	}
	if got := clientRedirect.Query().Get("state"); got != state {
		t.Errorf("client state = %q, want %q", got, state)
	}
	code := clientRedirect.Query().Get("code")
	if code == "" {
		t.Fatal("client redirect has no code")
	}
	return code
}

func (e *httpEnv) exchange(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

func TestServeClientRegistrationPublic(t *testing.T) {
	env := newHTTPEnv(t)

	resp := env.register(t, `{"redirect_uris":["http://localhost:8085/callback"],"token_endpoint_auth_method":"none","client_name":"cli"}`)
	if resp.ClientID == "" {
		t.Error("no client_id issued")
	}
	if resp.ClientSecret != "" {
		t.Errorf("public client got a secret: %q", resp.ClientSecret)
	}
	if resp.ClientType != server.ClientTypePublic {
		t.Errorf("client_type = %q, want public", resp.ClientType)
	}
	if resp.TokenEndpointAuthMethod != server.TokenEndpointAuthMethodNone {
		t.Errorf("auth method = %q, want none", resp.TokenEndpointAuthMethod)
	}
}

func TestServeClientRegistrationConfidential(t *testing.T) {
	env := newHTTPEnv(t)

	resp := env.register(t, `{"redirect_uris":["https://app.example.com/cb"],"token_endpoint_auth_method":"client_secret_basic"}`)
	if resp.ClientSecret == "" {
		t.Error("confidential client got no secret")
	}
	if resp.ClientType != server.ClientTypeConfidential {
		t.Errorf("client_type = %q, want confidential", resp.ClientType)
	}
}

func TestRegistrationRequiresToken(t *testing.T) {
	env := newHTTPEnv(t, func(c *server.Config) {
		c.AllowPublicClientRegistration = false
		c.RegistrationAccessToken = "operator-token"
	})

	body := `{"redirect_uris":["http://localhost:8085/callback"]}`

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	if rec := env.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated registration status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer operator-token")
	if rec := env.do(t, req); rec.Code != http.StatusCreated {
		t.Errorf("authenticated registration status = %d, want 201", rec.Code)
	}
}

func TestRegistrationRejectsDangerousRedirect(t *testing.T) {
	env := newHTTPEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/register",
		strings.NewReader(`{"redirect_uris":["javascript:alert(1)"]}`))
	rec := env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if resp.Error != ErrorCodeInvalidRedirectURI {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidRedirectURI)
	}
}

func TestEndToEndAuthorizationFlow(t *testing.T) {
	env := newHTTPEnv(t)
	client := env.register(t, `{"redirect_uris":["http://localhost:8085/callback"],"token_endpoint_auth_method":"none"}`)

	verifier, challenge := testutil.PKCEPair()
	state := testutil.RandomState()
	code := env.runToCode(t, client.ClientID, challenge, state)

	rec := env.exchange(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("token response Cache-Control = %q, want no-store", cc)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("failed to parse token response: %v", err)
	}
	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" {
		t.Fatal("missing tokens in response")
	}
	if tokenResp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", tokenResp.TokenType)
	}
	if tokenResp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want positive", tokenResp.ExpiresIn)
	}
	// Bridge tokens are not the upstream's.
	if strings.Contains(tokenResp.AccessToken, "upstream") {
		t.Error("upstream token leaked to client")
	}

	// The issued access token authenticates through the middleware.
	var principal *server.Principal
	protected := env.handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	protReq := httptest.NewRequest(http.MethodGet, "/api", nil)
	protReq.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)
	protRec := httptest.NewRecorder()
	protected.ServeHTTP(protRec, protReq)
	if protRec.Code != http.StatusOK {
		t.Fatalf("protected status = %d", protRec.Code)
	}
	if principal == nil || principal.Subject != "upstream-user-1" {
		t.Errorf("principal = %+v, want subject upstream-user-1", principal)
	}

	// Refresh grant issues a fresh access token.
	refreshRec := env.exchange(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokenResp.RefreshToken},
		"client_id":     {client.ClientID},
	})
	if refreshRec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", refreshRec.Code, refreshRec.Body.String())
	}

	var refreshed TokenResponse
	if err := json.Unmarshal(refreshRec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("failed to parse refresh response: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.AccessToken == tokenResp.AccessToken {
		t.Error("refresh did not issue a fresh access token")
	}
}

func TestConfidentialClientTokenAuth(t *testing.T) {
	env := newHTTPEnv(t)
	client := env.register(t, `{"redirect_uris":["http://localhost:8085/callback"],"token_endpoint_auth_method":"client_secret_basic"}`)

	verifier, challenge := testutil.PKCEPair()
	code := env.runToCode(t, client.ClientID, challenge, testutil.RandomState())

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}

	// Wrong secret is rejected before the code is touched.
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(client.ClientID, "wrong-secret")
	if rec := env.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(client.ClientID, client.ClientSecret)
	if rec := env.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("correct secret status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestServeTokenValidation(t *testing.T) {
	env := newHTTPEnv(t)
	client := env.register(t, `{"redirect_uris":["http://localhost:8085/callback"],"token_endpoint_auth_method":"none"}`)

	tests := []struct {
		name      string
		form      url.Values
		wantCode  int
		wantError string
	}{
		{
			name:      "unsupported grant type",
			form:      url.Values{"grant_type": {"password"}, "client_id": {client.ClientID}},
			wantCode:  http.StatusBadRequest,
			wantError: ErrorCodeUnsupportedGrantType,
		},
		{
			name:      "missing code",
			form:      url.Values{"grant_type": {"authorization_code"}, "client_id": {client.ClientID}},
			wantCode:  http.StatusBadRequest,
			wantError: ErrorCodeInvalidRequest,
		},
		{
			name:      "missing refresh token",
			form:      url.Values{"grant_type": {"refresh_token"}, "client_id": {client.ClientID}},
			wantCode:  http.StatusBadRequest,
			wantError: ErrorCodeInvalidRequest,
		},
		{
			name:      "unknown client",
			form:      url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_id": {"nope"}},
			wantCode:  http.StatusUnauthorized,
			wantError: ErrorCodeInvalidClient,
		},
		{
			name:      "bogus code",
			form:      url.Values{"grant_type": {"authorization_code"}, "code": {"bogus"}, "client_id": {client.ClientID}, "redirect_uri": {testRedirectURI}, "code_verifier": {strings.Repeat("a", 43)}},
			wantCode:  http.StatusBadRequest,
			wantError: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.exchange(t, tt.form)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse error response: %v", err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestServeAuthorizationValidation(t *testing.T) {
	env := newHTTPEnv(t)
	client := env.register(t, `{"redirect_uris":["http://localhost:8085/callback"],"token_endpoint_auth_method":"none"}`)
	_, challenge := testutil.PKCEPair()

	tests := []struct {
		name     string
		query    url.Values
		wantCode int
	}{
		{
			name:     "missing client_id",
			query:    url.Values{"response_type": {"code"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "wrong response type",
			query:    url.Values{"response_type": {"token"}, "client_id": {client.ClientID}},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "undeclared redirect",
			query: url.Values{
				"response_type":         {"code"},
				"client_id":             {client.ClientID},
				"redirect_uri":          {"http://evil.example.com/cb"},
				"state":                 {testutil.RandomState()},
				"code_challenge":        {challenge},
				"code_challenge_method": {"S256"},
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "missing PKCE",
			query: url.Values{
				"response_type": {"code"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {testRedirectURI},
				"state":         {testutil.RandomState()},
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authorize?"+tt.query.Encode(), nil)
			rec := env.do(t, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestServeCallbackUnknownState(t *testing.T) {
	env := newHTTPEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/callback?state=never-seen&code=x", nil)
	rec := env.do(t, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Errorf("unknown state must not redirect, got %q", loc)
	}
}

func TestServeAuthorizationServerMetadata(t *testing.T) {
	env := newHTTPEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := env.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &metadata); err != nil {
		t.Fatalf("failed to parse metadata: %v", err)
	}
	if metadata.Issuer != "http://localhost:8080" {
		t.Errorf("issuer = %q", metadata.Issuer)
	}
	if metadata.AuthorizationEndpoint != "http://localhost:8080/authorize" {
		t.Errorf("authorization_endpoint = %q", metadata.AuthorizationEndpoint)
	}
	if metadata.TokenEndpoint != "http://localhost:8080/token" {
		t.Errorf("token_endpoint = %q", metadata.TokenEndpoint)
	}
	if metadata.RegistrationEndpoint != "http://localhost:8080/register" {
		t.Errorf("registration_endpoint = %q", metadata.RegistrationEndpoint)
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", metadata.CodeChallengeMethodsSupported)
	}
}

func TestMiddlewareRejectsInvalidTokens(t *testing.T) {
	env := newHTTPEnv(t)

	protected := env.handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without valid token")
	}))

	for _, header := range []string{"", "Bearer ", "Bearer not-a-jwt", "Basic dXNlcg=="} {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
		if challenge := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(challenge, "Bearer ") {
			t.Errorf("header %q: WWW-Authenticate = %q", header, challenge)
		}
	}
}

func TestRefreshTokenRejectedAsAccessToken(t *testing.T) {
	env := newHTTPEnv(t)
	client := env.register(t, `{"redirect_uris":["http://localhost:8085/callback"],"token_endpoint_auth_method":"none"}`)

	verifier, challenge := testutil.PKCEPair()
	code := env.runToCode(t, client.ClientID, challenge, testutil.RandomState())
	rec := env.exchange(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	var tokenResp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("failed to parse token response: %v", err)
	}

	protected := env.handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh token accepted as access token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer "+tokenResp.RefreshToken)
	protRec := httptest.NewRecorder()
	protected.ServeHTTP(protRec, req)
	if protRec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", protRec.Code)
	}
}
