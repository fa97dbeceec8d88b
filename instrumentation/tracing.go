package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. These carry metadata only; never set them to token,
// code, secret, or verifier values.
const (
	AttrClientID    = "oauth.client_id"
	AttrClientType  = "oauth.client_type"
	AttrScope       = "oauth.scope"
	AttrGrantType   = "oauth.grant_type"
	AttrPKCEMethod  = "oauth.pkce.method"
	AttrReferenceID = "oauth.reference_id"
	AttrRotated     = "oauth.token.rotated"
	AttrError       = "oauth.error"

	AttrUpstreamProvider  = "upstream.provider"
	AttrUpstreamOperation = "upstream.operation"

	AttrClientIP = "security.client_ip"
)

// RecordError records an error on a span with error status. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span successful. Nil-safe.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span. Nil-safe.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span. Nil-safe.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds the common authorization flow attributes. Empty
// values are skipped. Nil-safe.
func AddFlowAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddUpstreamAttributes adds upstream provider call attributes. Nil-safe.
func AddUpstreamAttributes(span trace.Span, provider, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrUpstreamProvider, provider),
		attribute.String(AttrUpstreamOperation, operation),
	)
}

// AddClientIPAttribute adds the client IP to a span. Callers gate this on
// Instrumentation.ShouldLogClientIPs; IPs can be PII. Nil-safe.
func AddClientIPAttribute(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
