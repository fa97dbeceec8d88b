package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	// HTTP surface
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flows
	FlowsStarted       metric.Int64Counter
	CallbacksProcessed metric.Int64Counter
	CodesExchanged     metric.Int64Counter
	TokensRefreshed    metric.Int64Counter
	ClientsRegistered  metric.Int64Counter

	// Security signals
	CodeReplayDetected    metric.Int64Counter
	RefreshReuseDetected  metric.Int64Counter
	PKCEValidationFailed  metric.Int64Counter
	RateLimitExceeded     metric.Int64Counter
	ReferencesRevoked     metric.Int64Counter

	// Upstream provider
	UpstreamCallsTotal  metric.Int64Counter
	UpstreamCallErrors  metric.Int64Counter
	UpstreamCallLatency metric.Float64Histogram
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	upstreamMeter := inst.Meter("upstream")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"bridge.http.requests.total",
		metric.WithDescription("Total HTTP requests by endpoint and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"bridge.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.FlowsStarted, err = serverMeter.Int64Counter(
		"bridge.flows.started",
		metric.WithDescription("Authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flows.started counter: %w", err)
	}

	m.CallbacksProcessed, err = serverMeter.Int64Counter(
		"bridge.callbacks.processed",
		metric.WithDescription("Upstream callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbacks.processed counter: %w", err)
	}

	m.CodesExchanged, err = serverMeter.Int64Counter(
		"bridge.codes.exchanged",
		metric.WithDescription("Authorization codes redeemed for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.exchanged counter: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"bridge.tokens.refreshed",
		metric.WithDescription("Bridge tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.refreshed counter: %w", err)
	}

	m.ClientsRegistered, err = serverMeter.Int64Counter(
		"bridge.clients.registered",
		metric.WithDescription("Dynamic client registrations"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients.registered counter: %w", err)
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"bridge.code.replay_detected",
		metric.WithDescription("Authorization code replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay_detected counter: %w", err)
	}

	m.RefreshReuseDetected, err = securityMeter.Int64Counter(
		"bridge.refresh.reuse_detected",
		metric.WithDescription("Superseded refresh token reuse attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.reuse_detected counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"bridge.pkce.validation_failed",
		metric.WithDescription("PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"bridge.rate_limit.exceeded",
		metric.WithDescription("Rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.ReferencesRevoked, err = securityMeter.Int64Counter(
		"bridge.references.revoked",
		metric.WithDescription("Upstream token references revoked"),
		metric.WithUnit("{reference}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create references.revoked counter: %w", err)
	}

	m.UpstreamCallsTotal, err = upstreamMeter.Int64Counter(
		"bridge.upstream.calls.total",
		metric.WithDescription("Upstream provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.calls.total counter: %w", err)
	}

	m.UpstreamCallErrors, err = upstreamMeter.Int64Counter(
		"bridge.upstream.calls.errors",
		metric.WithDescription("Failed upstream provider calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.calls.errors counter: %w", err)
	}

	m.UpstreamCallLatency, err = upstreamMeter.Float64Histogram(
		"bridge.upstream.call.duration",
		metric.WithDescription("Upstream provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.call.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one HTTP request against the surface metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordFlowStarted records the start of an authorization flow.
func (m *Metrics) RecordFlowStarted(ctx context.Context, clientID string) {
	m.FlowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCallbackProcessed records one upstream callback, successful or not.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	m.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordCodeExchanged records a successful code redemption.
func (m *Metrics) RecordCodeExchanged(ctx context.Context, clientID string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefreshed records a refresh grant, noting rotation.
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, clientID string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordClientRegistered records a dynamic client registration.
func (m *Metrics) RecordClientRegistered(ctx context.Context, clientType string) {
	m.ClientsRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordCodeReplayDetected records a replayed authorization code.
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records reuse of a superseded refresh token.
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordPKCEValidationFailed records a PKCE validation failure.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordReferenceRevoked records a revoked upstream token reference.
func (m *Metrics) RecordReferenceRevoked(ctx context.Context, reason string) {
	m.ReferencesRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordUpstreamCall records one upstream provider call.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	)
	m.UpstreamCallsTotal.Add(ctx, 1, attrs)
	m.UpstreamCallLatency.Record(ctx, durationMs, attrs)
	if err != nil {
		m.UpstreamCallErrors.Add(ctx, 1, attrs)
	}
}
