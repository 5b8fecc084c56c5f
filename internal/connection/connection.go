// Package connection implements the per-client session state machine
// (spec.md component C8): handshake completion, authentication with
// brute-force throttling and optional TOTP, permission fan-out, option
// updates, heartbeat/timeout, and video back-pressure. Grounded on the
// teacher's internal/sessionbroker for the state-machine-with-explicit-
// states idiom and internal/wire for the framed message types.
package connection

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
	"weak"

	"github.com/relaydesk/host/internal/logging"
	"github.com/relaydesk/host/internal/servicebus"
	"github.com/relaydesk/host/internal/wire"
)

var log = logging.L("connection")

// State is one of the Connection lifecycle states from spec.md §4.8.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAwaitingLogin
	StateAuthorizing
	StateAuthorized
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ImageQuality selects the encoder's target quality preset, or a custom
// (bitrate, quantizer) pair when Custom is true.
type ImageQuality struct {
	Preset    string // "best", "balanced", "low" ...
	Custom    bool
	Bitrate   int32
	Quantizer int32
}

// PeerFlags are the peer-requested session flags from spec.md §3, distinct
// from the admin-mutable Permissions carried on wire.Permissions.
type PeerFlags struct {
	DisableClipboard    bool
	DisableAudio        bool
	EnableFileTransfer  bool
	ShowRemoteCursor    bool
	PrivacyMode         bool
	LockAfterSessionEnd bool
	BlockInput          bool
}

// Connection is one in-progress peer session, exclusively owned by this
// package's goroutine loop and destroyed on socket close or explicit Stop.
type Connection struct {
	ID         int32
	PeerAddr   string
	IP         string
	Stream     *wire.Conn
	Salt       string
	Challenge  string
	ConnType   wire.ConnType

	mu           sync.RWMutex
	state        State
	authorized   bool
	permissions  wire.Permissions
	peerFlags    PeerFlags
	imageQuality ImageQuality

	lastTestDelayMs int64
	lastRecvTime    time.Time
	videoAckReq     bool
	videoAckPending bool

	subs map[string]*servicebus.Subscriber

	server weak.Pointer[Server]

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New constructs a Connection bound to an already-handshaken stream. srv may
// be nil in tests that exercise a Connection in isolation.
func New(id int32, stream *wire.Conn, peerAddr, ip string, srv *Server) *Connection {
	salt, challenge := generateSaltChallenge()
	c := &Connection{
		ID:        id,
		PeerAddr:  peerAddr,
		IP:        ip,
		Stream:    stream,
		Salt:      salt,
		Challenge: challenge,
		state:     StateHandshaking,
		lastRecvTime: time.Now(),
		closeCh:   make(chan struct{}),
	}
	if srv != nil {
		c.server = weak.Make(srv)
	}
	return c
}

func generateSaltChallenge() (salt, challenge string) {
	s := make([]byte, 16)
	c := make([]byte, 16)
	rand.Read(s)
	rand.Read(c)
	return hex.EncodeToString(s), hex.EncodeToString(c)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Authorized reports whether this connection has completed login. Per the
// invariant in spec.md §3, an unauthorized connection must never be
// subscribed to capture frames — callers must check this before fan-out.
func (c *Connection) Authorized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authorized
}

// Permissions returns a copy of the current admin-mutable flags.
func (c *Connection) Permissions() wire.Permissions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permissions
}

// PeerFlags returns a copy of the peer-requested session flags.
func (c *Connection) PeerFlags() PeerFlags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerFlags
}

// ImageQuality returns the current encode target.
func (c *Connection) ImageQuality() ImageQuality {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.imageQuality
}

// ClipboardAllowed implements the conjunction precedence decision recorded
// in spec.md §9 Open Questions: both the admin-set permission and the
// absence of a peer-set DisableClipboard must hold.
func (c *Connection) ClipboardAllowed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permissions.Clipboard && !c.peerFlags.DisableClipboard
}

// SendHash sends the post-handshake salt/challenge and moves to
// AwaitingLogin.
func (c *Connection) SendHash() error {
	if err := c.Stream.SendTyped(wire.TypeHash, &wire.Hash{Salt: c.Salt, Challenge: c.Challenge}); err != nil {
		return fmt.Errorf("connection: send hash: %w", err)
	}
	c.setState(StateAwaitingLogin)
	return nil
}

// MarkRecv records that a byte sequence was just received, resetting the
// 30s idle timeout tracked by the heartbeat loop.
func (c *Connection) MarkRecv() {
	c.mu.Lock()
	c.lastRecvTime = time.Now()
	c.mu.Unlock()
}

// IdleFor reports how long it has been since MarkRecv was last called.
func (c *Connection) IdleFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastRecvTime)
}

// Close tears the connection down exactly once, closing the stream and
// unsubscribing from every service bus the server knows about.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)
		c.Stream.Close()
		if srv := c.server.Value(); srv != nil {
			if srv.ReleasePrivacy != nil {
				srv.ReleasePrivacy(c.ID)
			}
			srv.remove(c)
		}
		log.Info("connection closed", "id", c.ID, "reason", reason)

		if reason != "" {
			c.maybeLockScreen()
		}
	})
}

// Done is closed when the connection is torn down; select on it from any
// long-running loop driven by this connection.
func (c *Connection) Done() <-chan struct{} { return c.closeCh }

func (c *Connection) maybeLockScreen() {
	flags := c.PeerFlags()
	perms := c.Permissions()
	if flags.LockAfterSessionEnd && perms.Keyboard {
		if srv := c.server.Value(); srv != nil && srv.LockScreen != nil {
			srv.LockScreen()
		}
	}
}

// publishClipboard applies clipboard text received from the peer to the
// host's OS clipboard through the server's process-wide setter. Gated by
// ClipboardAllowed at the dispatch site.
func (c *Connection) publishClipboard(cb wire.Clipboard) {
	if srv := c.server.Value(); srv != nil && srv.SetClipboard != nil {
		srv.SetClipboard(cb.Text)
	}
}

// subscribeServices is called once authorization succeeds; it wires this
// connection into the server's service-bus subscriptions for every service
// its current permissions allow.
func (c *Connection) subscribeServices() {
	srv := c.server.Value()
	if srv == nil || srv.Bus == nil {
		return
	}
	perms := c.Permissions()
	flags := c.PeerFlags()

	setSubscription(c, srv.Bus, "video", true) // video always flows once authorized
	setSubscription(c, srv.Bus, "cursor_image", true)
	// show_remote_cursor implies cursor_position even with keyboard off —
	// current behavior recorded in spec.md §9 Open Questions.
	setSubscription(c, srv.Bus, "cursor_position", flags.ShowRemoteCursor)
	setSubscription(c, srv.Bus, "clipboard", c.ClipboardAllowed())
	setSubscription(c, srv.Bus, "audio", perms.Audio && !flags.DisableAudio)
}

// setSubscription enables or disables c's subscription to the named
// service, keeping Connection.subs in sync so the outbound pump can drain
// exactly the services c currently belongs to.
func setSubscription(c *Connection, bus *servicebus.Bus, name string, enable bool) {
	svc, ok := bus.Service(name)
	if !ok {
		return
	}
	sub := svc.Subscribe(c.ID, enable)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]*servicebus.Subscriber)
	}
	if enable {
		c.subs[name] = sub
	} else {
		delete(c.subs, name)
	}
}

// Subscribers returns a snapshot of the connection's current per-service
// subscriptions, for the outbound pump to range over.
func (c *Connection) Subscribers() map[string]*servicebus.Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*servicebus.Subscriber, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

// ApplyPermission mutates one admin-set flag and fans it out per spec.md
// §4.8: send PermissionInfo to the peer, and add/remove the service-bus
// subscription it gates.
func (c *Connection) ApplyPermission(name string, enabled bool) error {
	c.mu.Lock()
	switch name {
	case "keyboard":
		c.permissions.Keyboard = enabled
	case "clipboard":
		c.permissions.Clipboard = enabled
	case "audio":
		c.permissions.Audio = enabled
	case "file":
		c.permissions.File = enabled
	case "recording":
		c.permissions.Recording = enabled
	case "restart":
		c.permissions.Restart = enabled
	default:
		c.mu.Unlock()
		return fmt.Errorf("connection: unknown permission %q", name)
	}
	c.mu.Unlock()

	if err := c.Stream.SendTyped(wire.TypeMisc, &wire.Misc{
		PermissionInfo: &wire.PermissionInfo{Permission: name, Enabled: enabled},
	}); err != nil {
		return fmt.Errorf("connection: send permission_info: %w", err)
	}

	srv := c.server.Value()
	if srv == nil || srv.Bus == nil {
		return nil
	}
	switch name {
	case "audio":
		setSubscription(c, srv.Bus, "audio", enabled && !c.PeerFlags().DisableAudio)
	case "clipboard":
		setSubscription(c, srv.Bus, "clipboard", c.ClipboardAllowed())
	}
	return nil
}
