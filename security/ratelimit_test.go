package security

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, rps, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(rps, burst, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst allowed")
	}
}

func TestAllowIsPerIdentifier(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first identifier denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("first identifier not exhausted")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second identifier shares the first's budget")
	}
}

func TestCleanupDropsIdleEntries(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	rl.mu.Lock()
	rl.limiters["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.limiters["10.0.0.1"]; ok {
		t.Error("idle entry survived cleanup")
	}
	if _, ok := rl.limiters["10.0.0.2"]; !ok {
		t.Error("active entry was removed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	rl.Stop()
	rl.Stop()
}
