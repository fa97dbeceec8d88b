package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

// The span helpers must tolerate nil spans; handlers call them without
// checking whether tracing is configured.
func TestSpanHelpersNilSafe(t *testing.T) {
	RecordError(nil, errors.New("boom"))
	RecordError(nil, nil)
	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddFlowAttributes(nil, "client-1", "openid email")
	AddFlowAttributes(nil, "", "")
	AddUpstreamAttributes(nil, "mock", "exchange")
	AddClientIPAttribute(nil, "192.0.2.1")
	AddClientIPAttribute(nil, "")
}

func TestSpanHelpersWithRealSpan(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, span := inst.Tracer("server").Start(context.Background(), "test")
	defer span.End()

	RecordError(span, errors.New("boom"))
	SetSpanError(span, "failed")
	SetSpanSuccess(span)
	AddFlowAttributes(span, "client-1", "openid")
	AddUpstreamAttributes(span, "mock", "refresh")
	AddClientIPAttribute(span, "192.0.2.1")
}
