package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("wire")

// MaxMessageSize bounds a single envelope, matching the per-session video
// frame budget (a keyframe at high resolution/quality) with headroom.
const MaxMessageSize = 16 * 1024 * 1024

// ConnectTimeout bounds how long the handshake may take before the host
// closes an unresponsive peer connection.
const ConnectTimeout = 3 * time.Second

// Conn wraps a net.Conn with length-prefixed JSON framing and optional
// secretbox session encryption, generalizing the service's existing IPC
// framing (internal/ipc.Conn) to a network peer rather than a local
// trusted process: the key material here comes from the Curve25519
// handshake, not a shared local secret, and once installed every frame is
// sealed rather than merely signed.
type Conn struct {
	conn       net.Conn
	sessionKey *[32]byte // nil while plaintext (unconfirmed key fallback)
	sendSeq    atomic.Uint64
	recvSeq    atomic.Uint64
	mu         sync.Mutex // serializes writes
}

// NewConn wraps a raw connection in plaintext mode. InstallSessionKey
// switches it to encrypted framing once the handshake completes.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// InstallSessionKey switches the connection to secretbox-encrypted framing.
// Called once, after the handshake's box exchange yields a 32-byte key.
func (c *Conn) InstallSessionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("wire: session key must be 32 bytes, got %d", len(key))
	}
	var k [32]byte
	copy(k[:], key)
	c.mu.Lock()
	c.sessionKey = &k
	c.mu.Unlock()
	return nil
}

// Encrypted reports whether a session key has been installed.
func (c *Conn) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != nil
}

func (c *Conn) Close() error               { return c.conn.Close() }
func (c *Conn) RemoteAddr() net.Addr       { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr        { return c.conn.LocalAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Send marshals an Envelope, optionally seals it with secretbox, and writes
// it as [4-byte BE length][frame].
func (c *Conn) Send(env *Envelope) error {
	env.Seq = c.sendSeq.Add(1)

	plain, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}

	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	frame := plain
	if key != nil {
		var nonce [24]byte
		binary.BigEndian.PutUint64(nonce[16:], env.Seq)
		frame = secretbox.Seal(nonce[:], plain, &nonce, key)
	}

	if len(frame) > MaxMessageSize {
		return fmt.Errorf("wire: message too large: %d > %d", len(frame), MaxMessageSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed frame, opens it if encryption is active,
// and validates the sequence number is strictly increasing (anti-replay).
// A forged or replayed frame — including one injected by a man-in-the-middle
// after a successful handshake — fails to decrypt or fails the sequence
// check and the connection must be closed by the caller.
func (c *Conn) Recv() (*Envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("wire: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("wire: message too large: %d > %d", length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("wire: zero-length message")
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	plain := frame
	if key != nil {
		if len(frame) < 24 {
			return nil, fmt.Errorf("wire: encrypted frame shorter than nonce")
		}
		var nonce [24]byte
		copy(nonce[:], frame[:24])
		opened, ok := secretbox.Open(nil, frame[24:], &nonce, key)
		if !ok {
			return nil, fmt.Errorf("wire: secretbox open failed: forged or corrupt frame")
		}
		plain = opened
	}

	var env Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}

	prevSeq := c.recvSeq.Load()
	if env.Seq <= prevSeq && prevSeq > 0 {
		return nil, fmt.Errorf("wire: sequence %d <= last %d (replay/duplicate)", env.Seq, prevSeq)
	}
	c.recvSeq.Store(env.Seq)

	return &env, nil
}

// SendTyped wraps a typed payload into an Envelope and sends it.
func (c *Conn) SendTyped(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	return c.Send(&Envelope{Type: msgType, Payload: raw})
}

// Unmarshal decodes an envelope's payload into dst.
func Unmarshal(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("wire: empty payload for type %q", env.Type)
	}
	return json.Unmarshal(env.Payload, dst)
}

// PerformHostHandshake runs the host side of the handshake: send SignedId,
// await PublicKey, install the session key (or fall back to plaintext if
// the peer sent no asymmetric value). Returns the negotiated Conn plus
// whether the host's long-lived key was confirmed by this peer.
func PerformHostHandshake(raw net.Conn, id *Identity) (c *Conn, keyConfirmed bool, err error) {
	if err := raw.SetDeadline(time.Now().Add(ConnectTimeout)); err != nil {
		return nil, false, err
	}
	defer raw.SetDeadline(time.Time{})

	hs, err := NewHandshakeState()
	if err != nil {
		return nil, false, err
	}

	c = NewConn(raw)

	sid, err := hs.BuildSignedID(id)
	if err != nil {
		return nil, false, err
	}
	if err := c.SendTyped(TypeHash, sid); err != nil {
		return nil, false, fmt.Errorf("wire: send signed id: %w", err)
	}

	env, err := c.Recv()
	if err != nil {
		return nil, false, fmt.Errorf("wire: recv public key: %w", err)
	}
	var pk PublicKey
	if err := Unmarshal(env, &pk); err != nil {
		return nil, false, fmt.Errorf("wire: decode public key: %w", err)
	}

	if len(pk.AsymmetricValue) == 0 {
		log.Warn("peer sent no asymmetric value, continuing in plaintext", "remote", raw.RemoteAddr())
		return c, false, nil
	}
	if len(pk.AsymmetricValue) != 32 {
		return nil, false, fmt.Errorf("wire: asymmetric value has wrong length %d", len(pk.AsymmetricValue))
	}
	var peerEphemeral [32]byte
	copy(peerEphemeral[:], pk.AsymmetricValue)

	sessionKey, err := OpenSessionKey(pk.SymmetricValue, &peerEphemeral, hs.ephemeralPriv)
	if err != nil {
		return nil, false, fmt.Errorf("wire: open session key: %w", err)
	}
	if err := c.InstallSessionKey(sessionKey); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// PerformPeerHandshake runs the peer (viewer) side: await SignedId, verify
// against the host's known public key, generate a session key, seal it to
// the host's ephemeral key, and reply with PublicKey.
func PerformPeerHandshake(raw net.Conn, hostPub []byte) (c *Conn, err error) {
	if err := raw.SetDeadline(time.Now().Add(ConnectTimeout)); err != nil {
		return nil, err
	}
	defer raw.SetDeadline(time.Time{})

	c = NewConn(raw)

	env, err := c.Recv()
	if err != nil {
		return nil, fmt.Errorf("wire: recv signed id: %w", err)
	}
	var sid SignedID
	if err := Unmarshal(env, &sid); err != nil {
		return nil, fmt.Errorf("wire: decode signed id: %w", err)
	}

	_, hostEphemeral, err := VerifySignedID(&sid, hostPub)
	if err != nil {
		return nil, fmt.Errorf("wire: verify signed id: %w", err)
	}

	ourPub, ourPriv, err := newEphemeralKeypair()
	if err != nil {
		return nil, err
	}

	sessionKey, err := GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	sealed := SealSessionKey(sessionKey, hostEphemeral, ourPriv)

	if err := c.SendTyped(TypeHash, &PublicKey{
		AsymmetricValue: ourPub[:],
		SymmetricValue:  sealed,
	}); err != nil {
		return nil, fmt.Errorf("wire: send public key: %w", err)
	}
	if err := c.InstallSessionKey(sessionKey); err != nil {
		return nil, err
	}
	return c, nil
}
