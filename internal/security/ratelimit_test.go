package security

import (
	"testing"
	"time"
)

func TestRateLimiter_ImmediateBurst(t *testing.T) {
	rl := NewRateLimiter(5, 60.0)
	for i := 0; i < 5; i++ {
		if !rl.Allow("21CS042") {
			t.Fatalf("burst request %d refused", i)
		}
	}
	if rl.Allow("21CS042") {
		t.Fatal("request after the burst should be refused")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	if !rl.Allow("a") {
		t.Fatal("first request for a refused")
	}
	if !rl.Allow("b") {
		t.Fatal("b should not share a's bucket")
	}
	if rl.Allow("a") {
		t.Fatal("a should be throttled")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(1, 60.0) // one per second
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") {
		t.Fatal("first request refused")
	}
	if rl.Allow("a") {
		t.Fatal("second request in the same instant should be refused")
	}
	now = now.Add(1100 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("bucket should have refilled")
	}
}

func TestRateLimiter_SweepsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, 60.0)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	now = now.Add(rateLimiterIdle + time.Minute)
	rl.Allow("c")
	if rl.Len() != 1 {
		t.Fatalf("idle keys should be dropped, tracking %d", rl.Len())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("a") {
			t.Fatal("disabled limiter refused a request")
		}
	}
}
