// Package instrumentation provides OpenTelemetry metrics and tracing for the
// bridge: counters and histograms for the authorization flows, replay and
// reuse detections, upstream provider calls, and the HTTP surface, plus
// nil-safe span helpers so callers never branch on whether tracing is on.
//
// When disabled (or never configured) everything is backed by no-op
// providers and costs nothing. When enabled, instruments are created from
// the process-global OpenTelemetry providers; wiring an SDK with real
// exporters is the embedding application's job.
//
// Never record credential values (tokens, codes, secrets, verifiers) as
// attributes; traces outlive requests and travel further than logs.
package instrumentation
