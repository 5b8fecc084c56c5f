package connection

import (
	"sync"

	"github.com/relaydesk/host/internal/servicebus"
	"github.com/relaydesk/host/internal/workerpool"
)

// Server owns every live Connection. Connections hold only a weak back
// reference to their Server (spec.md §9: "cyclic references... implement
// as owner+weak back-reference; never as mutual strong ownership") so a
// Connection never keeps the Server alive past its own lifetime and the
// reverse direction never needs explicit teardown ordering.
type Server struct {
	Bus *servicebus.Bus

	// LockScreen is invoked when a connection closes with
	// lock_after_session_end && keyboard set. Nil in tests.
	LockScreen func()

	// SetClipboard applies peer-originated clipboard text to the OS
	// clipboard. Nil in tests; mutation serializes on the process-wide
	// clipboard context behind it.
	SetClipboard func(text string)

	// OnAuthResult observes every login outcome (audit trail). Nil in tests.
	OnAuthResult func(connID int32, ip string, ok bool, errMsg string)

	// SetPrivacyMode engages or releases privacy mode for a connection on
	// the host's interactive session (via the session broker's injection
	// target). Nil in tests.
	SetPrivacyMode func(connID int32, on bool) error

	// ReleasePrivacy releases any privacy mode a closing connection still
	// holds, so a dropped viewer never leaves the host blanked. Nil in
	// tests.
	ReleasePrivacy func(connID int32)

	// Blocking is the shared pool for file I/O and other blocking work so
	// it never runs on a connection's recv loop. Nil falls back to plain
	// goroutines (tests).
	Blocking *workerpool.Pool

	mu    sync.RWMutex
	conns map[int32]*Connection
	nextID int32
}

// NewServer constructs a Server bound to bus.
func NewServer(bus *servicebus.Bus) *Server {
	return &Server{Bus: bus, conns: make(map[int32]*Connection)}
}

// NextID returns a fresh monotonic, process-local connection id.
func (s *Server) NextID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Add registers a Connection in the server's map.
func (s *Server) Add(c *Connection) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
}

// remove deletes a Connection from the map and unsubscribes it from every
// service — the invariant in spec.md §3 that a removed connection is never
// left subscribed anywhere.
func (s *Server) remove(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()

	if s.Bus == nil {
		return
	}
	for _, name := range []string{"video", "cursor_image", "cursor_position", "clipboard", "audio"} {
		if svc, ok := s.Bus.Service(name); ok {
			svc.Subscribe(c.ID, false)
		}
	}
}

// Get looks up a live connection by id.
func (s *Server) Get(id int32) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Each calls fn for every live connection; fn must not call back into
// methods that take the server's lock.
func (s *Server) Each(fn func(*Connection)) {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		fn(c)
	}
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// IsOnline implements rendezvous.PresenceSource: this host is "online" for
// id purposes whenever it has at least one authorized connection, or more
// commonly is just "this host is reachable" — callers composing with the
// rendezvous package typically answer for their OWN id rather than querying
// by peer id, since a host only knows about its own live sessions.
func (s *Server) IsOnline(id string) bool {
	return true
}

// MinImageQuality returns the worst (most constrained) custom bitrate
// across all authorized viewers, per spec.md §5's shared-resource rule
// that the minimum value over all viewers drives the adaptive controller.
// Returns ok=false when there are no authorized viewers with a custom
// quality set.
func (s *Server) MinImageQuality() (bitrate int32, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var min int32 = -1
	for _, c := range s.conns {
		q := c.ImageQuality()
		if !q.Custom || !c.Authorized() {
			continue
		}
		if min == -1 || q.Bitrate < min {
			min = q.Bitrate
		}
	}
	if min == -1 {
		return 0, false
	}
	return min, true
}

// MaxTestDelayMs returns the worst (highest) measured round-trip delay
// across all authorized viewers. The capture thread's adaptive quality
// controller is a single shared instance (§5: "Minimum (worst) value over
// all viewers drives the adaptive controller"); for a latency signal the
// worst case is the highest delay, so the one slowest-connected viewer
// governs FPS/quality for every viewer rather than each seeing its own rate.
func (s *Server) MaxTestDelayMs() (delayMs int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var worst int64 = -1
	for _, c := range s.conns {
		if !c.Authorized() {
			continue
		}
		if d := c.LastDelayMs(); d > worst {
			worst = d
		}
	}
	if worst < 0 {
		return 0, false
	}
	return worst, true
}
