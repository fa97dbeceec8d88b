package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types. Constants keep event names consistent across the
// codebase and grep-able in log pipelines.
const (
	// Flow lifecycle events

	// EventAuthorizationStarted is logged when an authorization flow begins.
	EventAuthorizationStarted = "authorization_started"

	// EventCallbackProcessed is logged when the upstream callback completes
	// and a proxy authorization code is issued.
	EventCallbackProcessed = "callback_processed"

	// EventTokenIssued is logged when proxy tokens are issued for a code.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a proxy access token is refreshed.
	EventTokenRefreshed = "token_refreshed"

	// Security events

	// EventCodeReplayDetected is logged when a used authorization code is
	// redeemed again. The associated reference ID is revoked defensively.
	EventCodeReplayDetected = "code_replay_detected"

	// EventUpstreamExchangeFailed is logged when the upstream provider
	// rejects a code exchange.
	EventUpstreamExchangeFailed = "upstream_exchange_failed"

	// EventUpstreamRefreshFailed is logged when the upstream provider
	// rejects a refresh; the local mapping is invalidated.
	EventUpstreamRefreshFailed = "upstream_refresh_failed"

	// EventAuthFailure is logged for any authentication failure.
	EventAuthFailure = "auth_failure"

	// Registration events

	// EventClientRegistered is logged when a new client registers.
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration is
	// refused, typically for redirect URI violations.
	EventClientRegistrationRejected = "client_registration_rejected"
)

// Auditor emits structured security events with PII protection: subject
// identifiers are hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. When disabled, all logging calls are no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit event.
type Event struct {
	Type      string
	Subject   string // upstream subject, hashed before logging
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthFailure logs an authentication failure with its reason.
func (a *Auditor) LogAuthFailure(subject, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued logs successful token issuance.
func (a *Auditor) LogTokenIssued(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		Subject:  subject,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh, noting whether the refresh token rotated.
func (a *Auditor) LogTokenRefreshed(subject, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		Subject:  subject,
		ClientID: clientID,
		Details:  map[string]any{"rotated": rotated},
	})
}

// LogClientRegistered logs a new client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// hashForLogging hashes an identifier so audit logs correlate events without
// carrying raw PII. Empty input stays empty.
func hashForLogging(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
