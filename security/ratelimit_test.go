package security

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 5, testLogger())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("203.0.113.1") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiterIsolatesIdentifiers(t *testing.T) {
	rl := NewRateLimiter(1, 1, testLogger())
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Fatal("first identifier should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("first identifier should be exhausted")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("second identifier should have its own bucket")
	}
}

func TestRateLimiterEvictsLRU(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, testLogger())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("identifier-%d", i))
	}
	if got := rl.ActiveLimiters(); got != 3 {
		t.Errorf("ActiveLimiters() = %d, want 3", got)
	}

	// The evicted identifier gets a fresh bucket and is allowed again.
	if !rl.Allow("identifier-0") {
		t.Error("evicted identifier should start over with a fresh bucket")
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, testLogger())
	rl.Stop()
	rl.Stop()
}
