package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-bridge/storage"
)

// RedirectURIError is a redirect URI validation failure carrying a detailed
// internal reason for operators and a generic message safe for clients.
type RedirectURIError struct {
	// Category is the error category for logging and metrics.
	Category string
	// URI is the offending URI, sanitized for logging.
	URI string
	// Reason is the internal reason. Logged, never returned to clients.
	Reason string
	// ClientMessage is the message safe to return to clients.
	ClientMessage string
}

func (e *RedirectURIError) Error() string {
	return e.ClientMessage
}

// Redirect URI error categories.
const (
	RedirectURIErrorCategoryNotDeclared    = "not_declared"
	RedirectURIErrorCategoryNotAllowlisted = "not_allowlisted"
	RedirectURIErrorCategoryBlockedScheme  = "blocked_scheme"
	RedirectURIErrorCategoryFragment       = "fragment_not_allowed"
	RedirectURIErrorCategoryInvalidFormat  = "invalid_format"
	RedirectURIErrorCategoryLoopback       = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed = "http_not_allowed"
)

// dangerousSchemes are never allowed in redirect URIs.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// loopbackHosts are the recognized loopback hostnames.
var loopbackHosts = []string{"localhost", "127.0.0.1", "::1", "[::1]"}

// ValidateRedirectURI decides whether a redirect URI may be used at
// authorization time. The URI must byte-identically match one of the
// client's declared URIs, and when an allowlist is configured it must also
// match at least one pattern. Prefix or fuzzy matching against declarations
// is never performed.
func (s *Server) ValidateRedirectURI(client *storage.Client, redirectURI string) error {
	declared := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			declared = true
			break
		}
	}
	if !declared {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryNotDeclared,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI not in client's declared redirect URI set",
			ClientMessage: "redirect_uri is not registered for this client",
		}
	}

	if len(s.Config.redirectPatterns) > 0 {
		matched := false
		for _, re := range s.Config.redirectPatterns {
			if re.MatchString(redirectURI) {
				matched = true
				break
			}
		}
		if !matched {
			return &RedirectURIError{
				Category:      RedirectURIErrorCategoryNotAllowlisted,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        "URI matches no operator allowlist pattern",
				ClientMessage: "redirect_uri is not permitted by server policy",
			}
		}
	}

	return nil
}

// ValidateRedirectURIForRegistration screens a single redirect URI at
// registration time: format, fragments, dangerous schemes, and the loopback
// and HTTPS policies.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("URL parse error: %v", err),
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// OAuth 2.0 Security BCP Section 4.1.3: no fragments in redirect URIs.
	if parsed.Fragment != "" {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains a fragment",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI has no scheme",
			ClientMessage: "redirect_uri: absolute URI required",
		}
	}
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return &RedirectURIError{
				Category:      RedirectURIErrorCategoryBlockedScheme,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        fmt.Sprintf("scheme %q is blocked", scheme),
				ClientMessage: fmt.Sprintf("redirect_uri: scheme %q is not allowed", scheme),
			}
		}
	}

	if scheme != "http" && scheme != "https" {
		// Custom schemes for native apps pass the dangerous-scheme screen
		// above and are otherwise accepted.
		return nil
	}

	hostname := parsed.Hostname()
	if isLoopbackHost(hostname) {
		if !s.Config.AllowLocalhostRedirectURIs {
			return &RedirectURIError{
				Category:      RedirectURIErrorCategoryLoopback,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        "loopback URIs disabled via AllowLocalhostRedirectURIs=false",
				ClientMessage: "redirect_uri: loopback addresses are not allowed",
			}
		}
		// RFC 8252 Section 7.3 allows plain HTTP for loopback.
		return nil
	}

	if s.Config.ProductionMode && scheme == "http" {
		return &RedirectURIError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "ProductionMode requires HTTPS for non-loopback URIs",
			ClientMessage: "redirect_uri: HTTPS is required (HTTP only allowed for localhost)",
		}
	}

	return nil
}

// ValidateRedirectURIsForRegistration screens every redirect URI in a
// registration request, failing on the first invalid one.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uris: at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

func isLoopbackHost(hostname string) bool {
	hostname = strings.Trim(strings.TrimSpace(hostname), "[]")
	for _, loopback := range loopbackHosts {
		if hostname == strings.Trim(loopback, "[]") {
			return true
		}
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// sanitizeURIForLogging strips query, fragment, and userinfo from a URI so
// logs keep context without leaking credentials or tokens.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// RedirectURIErrorCategory returns the category of a RedirectURIError, or
// the empty string for other errors.
func RedirectURIErrorCategory(err error) string {
	if secErr, ok := err.(*RedirectURIError); ok {
		return secErr.Category
	}
	return ""
}
