package security

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "http://localhost:8080")

	headers := rec.Header()
	if headers.Get("X-Frame-Options") != "DENY" {
		t.Errorf("X-Frame-Options = %q", headers.Get("X-Frame-Options"))
	}
	if headers.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", headers.Get("X-Content-Type-Options"))
	}
	if !strings.Contains(headers.Get("Cache-Control"), "no-store") {
		t.Errorf("Cache-Control = %q", headers.Get("Cache-Control"))
	}
	if headers.Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set for a plain HTTP issuer")
	}
}

func TestSetSecurityHeadersHSTSOverHTTPS(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://bridge.example.com")

	if hsts := rec.Header().Get("Strict-Transport-Security"); !strings.Contains(hsts, "max-age=") {
		t.Errorf("Strict-Transport-Security = %q", hsts)
	}
}
