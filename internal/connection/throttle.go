package connection

import (
	"sync"
	"time"
)

// MaxFailuresPerMinute is the per-minute failed-attempt ceiling from
// spec.md §4.8; the 7th failure inside the same minute is throttled.
const MaxFailuresPerMinute = 6

// MaxTotalFailures is the lifetime-per-IP ceiling past which every
// subsequent attempt is rejected as "too many attempts" regardless of
// timing.
const MaxTotalFailures = 30

const minuteWindow = time.Minute

type ipState struct {
	minuteStart   time.Time
	minuteFails   int
	totalFails    int
}

// Throttle tracks failed login attempts per peer IP, implementing the
// brute-force guard in spec.md §4.8 and its testable property 6 / scenario
// S5.
type Throttle struct {
	mu    sync.Mutex
	byIP  map[string]*ipState
	clock func() time.Time
}

// NewThrottle constructs an empty throttle that reads time.Now. Tests may
// replace the clock field; a nil clock also falls back to time.Now.
func NewThrottle() *Throttle {
	return &Throttle{byIP: make(map[string]*ipState), clock: time.Now}
}

func (t *Throttle) now() time.Time {
	if t.clock != nil {
		return t.clock()
	}
	return time.Now()
}

func (t *Throttle) state(ip string) *ipState {
	s, ok := t.byIP[ip]
	if !ok {
		s = &ipState{minuteStart: t.now()}
		t.byIP[ip] = s
	}
	return s
}

// Check reports whether ip is currently throttled and, if so, the message
// to send back without recomputing any password hash.
func (t *Throttle) Check(ip string) (blocked bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(ip)
	now := t.now()
	if now.Sub(s.minuteStart) >= minuteWindow {
		s.minuteStart = now
		s.minuteFails = 0
	}

	if s.totalFails >= MaxTotalFailures {
		return true, "Too many attempts"
	}
	if s.minuteFails >= MaxFailuresPerMinute {
		return true, "Please try 1 minute later"
	}
	return false, ""
}

// RecordFailure increments both the per-minute and lifetime counters for ip.
func (t *Throttle) RecordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(ip)
	now := t.now()
	if now.Sub(s.minuteStart) >= minuteWindow {
		s.minuteStart = now
		s.minuteFails = 0
	}
	s.minuteFails++
	s.totalFails++
}

// Reset clears the per-minute counter for ip on a successful login. The
// lifetime counter is intentionally NOT reset — spec.md's 30-total ceiling
// is a lifetime ban, not a rolling one.
func (t *Throttle) Reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byIP[ip]; ok {
		s.minuteFails = 0
	}
}
