package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/giantswarm/oauth-bridge/storage"
)

func TestRegisterClientPublicByDefault(t *testing.T) {
	e := newTestEnv(t)

	client, secret, err := e.srv.RegisterClient(context.Background(),
		"cli", "", "", []string{testRedirectURI}, nil, "10.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if client.ClientType != ClientTypePublic {
		t.Errorf("ClientType = %q, want public", client.ClientType)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		t.Errorf("auth method = %q, want none", client.TokenEndpointAuthMethod)
	}
	if secret != "" {
		t.Errorf("public client got secret %q", secret)
	}
	if client.ClientID == "" {
		t.Error("no client ID generated")
	}
}

func TestRegisterClientTypeResolution(t *testing.T) {
	tests := []struct {
		name           string
		clientType     string
		authMethod     string
		wantType       string
		wantAuthMethod string
	}{
		{"none forces public", ClientTypeConfidential, TokenEndpointAuthMethodNone, ClientTypePublic, TokenEndpointAuthMethodNone},
		{"basic implies confidential", "", TokenEndpointAuthMethodBasic, ClientTypeConfidential, TokenEndpointAuthMethodBasic},
		{"post implies confidential", "", TokenEndpointAuthMethodPost, ClientTypeConfidential, TokenEndpointAuthMethodPost},
		{"confidential defaults to basic", ClientTypeConfidential, "", ClientTypeConfidential, TokenEndpointAuthMethodBasic},
		{"explicit public", ClientTypePublic, "", ClientTypePublic, TokenEndpointAuthMethodNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			client, secret, err := e.srv.RegisterClient(context.Background(),
				"c", tt.clientType, tt.authMethod, []string{testRedirectURI}, nil, "10.0.0.1")
			if err != nil {
				t.Fatalf("RegisterClient failed: %v", err)
			}
			if client.ClientType != tt.wantType {
				t.Errorf("ClientType = %q, want %q", client.ClientType, tt.wantType)
			}
			if client.TokenEndpointAuthMethod != tt.wantAuthMethod {
				t.Errorf("auth method = %q, want %q", client.TokenEndpointAuthMethod, tt.wantAuthMethod)
			}
			if (tt.wantType == ClientTypeConfidential) != (secret != "") {
				t.Errorf("secret = %q for client type %q", secret, tt.wantType)
			}
		})
	}
}

func TestRegisterClientSecretIsHashed(t *testing.T) {
	e := newTestEnv(t)

	client, secret, err := e.srv.RegisterClient(context.Background(),
		"app", "", TokenEndpointAuthMethodBasic, []string{testRedirectURI}, nil, "10.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if client.ClientSecretHash == secret {
		t.Fatal("plaintext secret stored")
	}

	if err := e.srv.ValidateClientCredentials(context.Background(), client.ClientID, secret); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if err := e.srv.ValidateClientCredentials(context.Background(), client.ClientID, "wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
}

func TestRegisterClientRejectsBadRedirects(t *testing.T) {
	e := newTestEnv(t)

	for _, uri := range []string{"javascript:alert(1)", "https://app.example.com/cb#frag", "not-a-uri"} {
		_, _, err := e.srv.RegisterClient(context.Background(),
			"c", "", "", []string{uri}, nil, "10.0.0.1")
		if err == nil {
			t.Errorf("registration with %q succeeded", uri)
		}
	}
}

func TestRegisterClientIPLimit(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MaxClientsPerIP = 2 })

	for i := 0; i < 2; i++ {
		if _, _, err := e.srv.RegisterClient(context.Background(),
			fmt.Sprintf("c%d", i), "", "", []string{testRedirectURI}, nil, "10.0.0.9"); err != nil {
			t.Fatalf("registration %d failed: %v", i, err)
		}
	}

	_, _, err := e.srv.RegisterClient(context.Background(),
		"c2", "", "", []string{testRedirectURI}, nil, "10.0.0.9")
	if !errors.Is(err, storage.ErrIPLimitExceeded) {
		t.Errorf("err = %v, want ErrIPLimitExceeded", err)
	}

	// Other addresses are unaffected.
	if _, _, err := e.srv.RegisterClient(context.Background(),
		"c3", "", "", []string{testRedirectURI}, nil, "10.0.0.10"); err != nil {
		t.Errorf("registration from fresh IP failed: %v", err)
	}
}

func TestAddRedirectURIs(t *testing.T) {
	e := newTestEnv(t)

	client, _, err := e.srv.RegisterClient(context.Background(),
		"c", "", "", []string{testRedirectURI}, nil, "10.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	if err := e.srv.AddRedirectURIs(context.Background(), client.ClientID, []string{"https://app.example.com/cb"}); err != nil {
		t.Fatalf("AddRedirectURIs failed: %v", err)
	}

	got, err := e.srv.GetClient(context.Background(), client.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if len(got.RedirectURIs) != 2 {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}

	if err := e.srv.AddRedirectURIs(context.Background(), client.ClientID, nil); err == nil {
		t.Error("empty URI list accepted")
	}
	if err := e.srv.AddRedirectURIs(context.Background(), client.ClientID, []string{"javascript:x"}); err == nil {
		t.Error("dangerous URI accepted")
	}
	if err := e.srv.AddRedirectURIs(context.Background(), "unknown", []string{"https://app.example.com/other"}); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("err = %v, want ErrClientNotFound", err)
	}
}
