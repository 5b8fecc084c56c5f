package sessionbroker

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydesk/host/internal/ipc"
	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("sessionbroker")

// Session represents a connected user helper with verified identity. Beyond
// the framed command transport, it tracks the helper's remote-desktop role:
// which interactive OS session it can inject input into, and whether that
// session is currently held in privacy mode by a remote connection.
type Session struct {
	UID           uint32 // Numeric UID (0 on Windows; kept for logging/compat)
	IdentityKey   string // Platform identity: UID string on Unix, SID on Windows
	Username      string
	DisplayEnv    string
	SessionID     string
	WinSessionID  uint32 // interactive Windows session this helper runs in (0 elsewhere)
	Capabilities  *ipc.Capabilities
	AllowedScopes []string
	ConnectedAt   time.Time
	LastSeen      time.Time

	conn    *ipc.Conn
	mu      sync.Mutex
	pending map[string]chan *ipc.Envelope // command ID -> response channel

	// Privacy mode is owned by at most one remote connection at a time;
	// the helper's echoed PrivacyModeState is authoritative.
	privacyOn     bool
	privacyConnID int32

	injectSeq atomic.Uint64
}

// NewSession creates a new session for a verified user helper connection.
func NewSession(conn *ipc.Conn, uid uint32, identityKey, username, displayEnv, sessionID string, winSessionID uint32, scopes []string) *Session {
	return &Session{
		UID:           uid,
		IdentityKey:   identityKey,
		Username:      username,
		DisplayEnv:    displayEnv,
		SessionID:     sessionID,
		WinSessionID:  winSessionID,
		AllowedScopes: scopes,
		ConnectedAt:   time.Now(),
		LastSeen:      time.Now(),
		conn:          conn,
		pending:       make(map[string]chan *ipc.Envelope),
	}
}

// PrivacyTransitionTimeout bounds one privacy-mode round trip to the helper.
const PrivacyTransitionTimeout = 5 * time.Second

// SetPrivacyMode asks the helper to engage or release privacy mode for
// connID and records the state the helper actually reports back. A second
// connection cannot take privacy mode away from the one holding it.
func (s *Session) SetPrivacyMode(connID int32, on bool) error {
	s.mu.Lock()
	if on && s.privacyOn && s.privacyConnID != connID {
		holder := s.privacyConnID
		s.mu.Unlock()
		return fmt.Errorf("privacy mode already held by connection %d", holder)
	}
	if !on && s.privacyOn && s.privacyConnID != connID {
		holder := s.privacyConnID
		s.mu.Unlock()
		return fmt.Errorf("privacy mode held by connection %d, not %d", holder, connID)
	}
	s.mu.Unlock()

	reqID := fmt.Sprintf("privacy-%d-%d", connID, s.injectSeq.Add(1))
	env, err := s.SendCommand(reqID, ipc.TypeData, &ipc.Data{
		Kind:        ipc.DataPrivacyModeState,
		PrivacyMode: &ipc.PrivacyModeState{ConnID: connID, On: on},
	}, PrivacyTransitionTimeout)
	if err != nil {
		return fmt.Errorf("privacy mode transition: %w", err)
	}

	d, err := ipc.DataFromEnvelope(env)
	if err != nil || d.PrivacyMode == nil {
		return fmt.Errorf("privacy mode transition: malformed helper reply")
	}
	if d.PrivacyMode.On != on {
		return fmt.Errorf("privacy mode transition failed: %s", d.PrivacyMode.Detail)
	}

	s.mu.Lock()
	s.privacyOn = on
	if on {
		s.privacyConnID = connID
	} else {
		s.privacyConnID = 0
	}
	s.mu.Unlock()
	return nil
}

// PrivacyMode reports the helper's current privacy state and which
// connection holds it.
func (s *Session) PrivacyMode() (on bool, connID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privacyOn, s.privacyConnID
}

// InjectKey forwards one viewer key event into the helper's session.
// Requires the desktop scope; injection is fire-and-forget since input
// events are latency-sensitive and never retried.
func (s *Session) InjectKey(code int, down bool) error {
	if !s.HasScope("desktop") {
		return fmt.Errorf("session %s lacks desktop scope", s.SessionID)
	}
	return s.SendNotify(fmt.Sprintf("inject-%d", s.injectSeq.Add(1)), ipc.TypeData, &ipc.Data{
		Kind:     ipc.DataKeyboard,
		Keyboard: &ipc.KeyInject{Code: code, Down: down},
	})
}

// InjectMouse forwards one viewer mouse event into the helper's session.
func (s *Session) InjectMouse(x, y int, buttons uint8, down bool, wheelDY int) error {
	if !s.HasScope("desktop") {
		return fmt.Errorf("session %s lacks desktop scope", s.SessionID)
	}
	return s.SendNotify(fmt.Sprintf("inject-%d", s.injectSeq.Add(1)), ipc.TypeData, &ipc.Data{
		Kind:  ipc.DataMouse,
		Mouse: &ipc.MouseInject{X: x, Y: y, Buttons: buttons, Down: down, WheelDY: wheelDY},
	})
}

// CanInject reports whether this helper can be the injection target: it
// must hold the desktop scope and have reported a capture-capable display.
func (s *Session) CanInject() bool {
	if !s.HasScope("desktop") {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Capabilities != nil && s.Capabilities.CanCapture
}

// SendCommand sends a command to the user helper and waits for a response.
// Returns the response envelope or an error if the timeout is reached.
func (s *Session) SendCommand(id, cmdType string, payload any, timeout time.Duration) (*ipc.Envelope, error) {
	ch := make(chan *ipc.Envelope, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.conn.SendTyped(id, cmdType, payload); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("session closed while waiting for response")
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrCommandTimeout
	}
}

// SendNotify sends a fire-and-forget message (no response expected).
func (s *Session) SendNotify(id, msgType string, payload any) error {
	return s.conn.SendTyped(id, msgType, payload)
}

// HandleResponse routes a received envelope to the pending command channel.
// Returns true if the message was matched to a pending command.
func (s *Session) HandleResponse(env *ipc.Envelope) bool {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	s.mu.Unlock()

	if ok {
		select {
		case ch <- env:
		default:
			log.Warn("response channel full, dropping", "id", env.ID)
		}
		return true
	}
	return false
}

// Touch updates the last-seen timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastSeen = time.Now()
	s.mu.Unlock()
}

// IdleDuration returns how long this session has been idle.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastSeen)
}

// SetCapabilities updates the session's reported capabilities.
func (s *Session) SetCapabilities(caps *ipc.Capabilities) {
	s.mu.Lock()
	s.Capabilities = caps
	s.mu.Unlock()
}

// HasScope checks if this session is authorized for the given scope.
func (s *Session) HasScope(scope string) bool {
	for _, allowed := range s.AllowedScopes {
		if allowed == scope || allowed == "*" {
			return true
		}
	}
	return false
}

// Close closes the underlying connection and cancels all pending commands.
// Privacy mode dies with the helper: a disconnected helper has already torn
// down its blanking window, so the recorded state must not outlive it.
func (s *Session) Close() error {
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.privacyOn = false
	s.privacyConnID = 0
	s.mu.Unlock()
	return s.conn.Close()
}

// SessionInfo is a serializable summary of a session for status reporting.
type SessionInfo struct {
	UID          uint32             `json:"uid"`
	IdentityKey  string             `json:"identityKey"`
	Username     string             `json:"username"`
	DisplayEnv   string             `json:"displayEnv"`
	SessionID    string             `json:"sessionId"`
	WinSessionID uint32             `json:"winSessionId,omitempty"`
	Capabilities *ipc.Capabilities  `json:"capabilities,omitempty"`
	ConnectedAt  time.Time          `json:"connectedAt"`
	LastSeen     time.Time          `json:"lastSeen"`
	PrivacyMode  bool               `json:"privacyMode,omitempty"`
}

// Info returns a serializable summary of this session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		UID:          s.UID,
		IdentityKey:  s.IdentityKey,
		Username:     s.Username,
		DisplayEnv:   s.DisplayEnv,
		SessionID:    s.SessionID,
		WinSessionID: s.WinSessionID,
		Capabilities: s.Capabilities,
		ConnectedAt:  s.ConnectedAt,
		LastSeen:     s.LastSeen,
		PrivacyMode:  s.privacyOn,
	}
}

// RecvLoop reads messages from the connection and dispatches them.
// It calls onMessage for each received envelope.
// Returns when the connection is closed or an error occurs.
func (s *Session) RecvLoop(onMessage func(*Session, *ipc.Envelope)) {
	for {
		env, err := s.conn.Recv()
		if err != nil {
			log.Debug("session recv loop ended", "uid", s.UID, "error", err)
			return
		}
		s.Touch()

		// Try to match to a pending command response first
		if s.HandleResponse(env) {
			continue
		}

		// Otherwise dispatch to the broker's message handler
		onMessage(s, env)
	}
}

// UnmarshalPayload is a helper to decode an envelope's payload into a typed struct.
func UnmarshalPayload[T any](env *ipc.Envelope) (T, error) {
	var result T
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		return result, err
	}
	return result, nil
}
