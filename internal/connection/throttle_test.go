package connection

import (
	"testing"
	"time"
)

// TestBruteForceThrottle reproduces spec.md scenario S5: seven failed
// logins in 40s from one IP yield six "Wrong Password" outcomes and one
// "please try 1 minute later" throttle response, without ever being told
// apart by hash cost (Check happens before any hashing).
func TestBruteForceThrottle(t *testing.T) {
	th := NewThrottle()
	ip := "203.0.113.5"

	for i := 0; i < MaxFailuresPerMinute; i++ {
		blocked, msg := th.Check(ip)
		if blocked {
			t.Fatalf("attempt %d: unexpectedly throttled: %s", i, msg)
		}
		th.RecordFailure(ip)
	}

	blocked, msg := th.Check(ip)
	if !blocked {
		t.Fatal("7th attempt within the minute should be throttled")
	}
	if msg != "Please try 1 minute later" {
		t.Fatalf("unexpected throttle message: %q", msg)
	}
}

func TestLifetimeFailureCeiling(t *testing.T) {
	th := NewThrottle()
	ip := "198.51.100.9"

	// Spread failures across many distinct minute windows so only the
	// lifetime ceiling, not the per-minute one, can trip.
	start := time.Unix(1_700_000_000, 0)
	offset := time.Duration(0)
	th.clock = func() time.Time { return start.Add(offset) }

	for i := 0; i < MaxTotalFailures; i++ {
		blocked, _ := th.Check(ip)
		if blocked {
			t.Fatalf("attempt %d should not yet be throttled", i)
		}
		th.RecordFailure(ip)
		offset += 61 * time.Second // advance past the per-minute window each time
	}

	blocked, msg := th.Check(ip)
	if !blocked || msg != "Too many attempts" {
		t.Fatalf("expected lifetime ceiling to trip, got blocked=%v msg=%q", blocked, msg)
	}
}

func TestResetClearsPerMinuteOnly(t *testing.T) {
	th := NewThrottle()
	ip := "192.0.2.1"

	for i := 0; i < MaxFailuresPerMinute-1; i++ {
		th.RecordFailure(ip)
	}
	th.Reset(ip)

	blocked, _ := th.Check(ip)
	if blocked {
		t.Fatal("expected not throttled after reset")
	}
}
