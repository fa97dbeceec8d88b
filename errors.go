package oauthbridge

import (
	"fmt"
	"net/http"
	"strings"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
)

// Error is an OAuth 2.0 error response with its HTTP status.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates an Error with an explicit HTTP status.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// statusForCode maps an OAuth error code to the HTTP status the endpoint
// returns with it.
func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// flowError converts an orchestrator error into a client-facing Error. Flow
// errors are formatted "code: description" with an RFC 6749 code; anything
// else becomes an opaque server_error so internals never leak.
func flowError(err error) *Error {
	code, description, ok := strings.Cut(err.Error(), ": ")
	if !ok || !isKnownErrorCode(code) {
		return NewError(ErrorCodeServerError, "internal error", http.StatusInternalServerError)
	}
	return NewError(code, description, statusForCode(code))
}

func isKnownErrorCode(code string) bool {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidClient, ErrorCodeInvalidGrant,
		ErrorCodeInvalidScope, ErrorCodeAccessDenied, ErrorCodeServerError:
		return true
	}
	return false
}
