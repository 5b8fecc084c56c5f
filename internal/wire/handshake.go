package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// Identity is a host's long-lived Ed25519 signing keypair plus its numeric
// short ID. The rendezvous server stores id -> PublicKey bindings attested
// by signatures produced with SecretKey.
type Identity struct {
	ID        string
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// GenerateIdentity creates a fresh signing keypair. The caller is
// responsible for persisting SecretKey and registering PublicKey with the
// rendezvous server via RegisterPk.
func GenerateIdentity(id string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Identity{ID: id, PublicKey: pub, SecretKey: priv}, nil
}

// signedIDPayload is the structure signed and transmitted as the first
// handshake message.
type signedIDPayload struct {
	ID              string `json:"id"`
	EphemeralBoxKey []byte `json:"ephemeral_box_pk"`
}

// SignedID is the host's opening handshake message: its id and a freshly
// generated Curve25519 public key, signed with the long-lived Ed25519 key
// so the peer (and, transitively, anyone who checked the rendezvous
// RegisterPk binding) can trust the ephemeral key belongs to this id.
type SignedID struct {
	Payload   []byte `json:"payload"` // json-encoded signedIDPayload
	Signature []byte `json:"signature"`
}

// PublicKey is the peer's reply to SignedID. If AsymmetricValue is empty the
// host treats its own key as unconfirmed and continues in plaintext.
// Otherwise SymmetricValue is box-sealed to our ephemeral key and, once
// opened, yields the 32-byte secretbox session key.
type PublicKey struct {
	AsymmetricValue []byte `json:"asymmetric_value,omitempty"`
	SymmetricValue  []byte `json:"symmetric_value,omitempty"`
}

// HandshakeState carries the ephemeral keys generated for one connection's
// handshake. It is discarded (except for the derived session key) once the
// handshake completes.
type HandshakeState struct {
	ephemeralPub  *[32]byte
	ephemeralPriv *[32]byte
}

// NewHandshakeState generates a fresh Curve25519 ephemeral keypair for one
// connection attempt. A new state must be created per connection; reusing
// ephemeral keys across connections would let a passive observer correlate
// sessions.
func NewHandshakeState() (*HandshakeState, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box key: %w", err)
	}
	return &HandshakeState{ephemeralPub: pub, ephemeralPriv: priv}, nil
}

// BuildSignedID constructs and signs the opening handshake message.
func (hs *HandshakeState) BuildSignedID(id *Identity) (*SignedID, error) {
	payload, err := json.Marshal(signedIDPayload{
		ID:              id.ID,
		EphemeralBoxKey: hs.ephemeralPub[:],
	})
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(id.SecretKey, payload)
	return &SignedID{Payload: payload, Signature: sig}, nil
}

// VerifySignedID checks that sid was signed by pub and returns the sender's
// id and ephemeral box public key.
func VerifySignedID(sid *SignedID, pub ed25519.PublicKey) (id string, ephemeralPk *[32]byte, err error) {
	if !ed25519.Verify(pub, sid.Payload, sid.Signature) {
		return "", nil, fmt.Errorf("signature verification failed")
	}
	var p signedIDPayload
	if err := json.Unmarshal(sid.Payload, &p); err != nil {
		return "", nil, fmt.Errorf("decode signed id payload: %w", err)
	}
	if len(p.EphemeralBoxKey) != 32 {
		return "", nil, fmt.Errorf("ephemeral box key has wrong length %d", len(p.EphemeralBoxKey))
	}
	var key [32]byte
	copy(key[:], p.EphemeralBoxKey)
	return p.ID, &key, nil
}

// zeroNonce is used for the single box_open of the symmetric key during the
// handshake. It is safe only because each connection uses a fresh ephemeral
// keypair, so the (key, nonce) pair is never reused.
var zeroNonce [24]byte

// SealSessionKey encrypts a freshly generated 32-byte symmetric session key
// to the peer's ephemeral public key, producing the SymmetricValue field of
// a PublicKey reply.
func SealSessionKey(sessionKey []byte, peerEphemeralPk *[32]byte, ourEphemeralSk *[32]byte) []byte {
	return box.Seal(nil, sessionKey, &zeroNonce, peerEphemeralPk, ourEphemeralSk)
}

// OpenSessionKey decrypts a SymmetricValue produced by SealSessionKey using
// our own ephemeral secret key and the peer's ephemeral public key carried
// in the AsymmetricValue of their PublicKey reply.
func OpenSessionKey(sealed []byte, peerEphemeralPk *[32]byte, ourEphemeralSk *[32]byte) ([]byte, error) {
	opened, ok := box.Open(nil, sealed, &zeroNonce, peerEphemeralPk, ourEphemeralSk)
	if !ok {
		return nil, fmt.Errorf("box_open failed: corrupt or forged symmetric value")
	}
	if len(opened) != 32 {
		return nil, fmt.Errorf("opened session key has wrong length %d", len(opened))
	}
	return opened, nil
}

// newEphemeralKeypair generates a standalone Curve25519 keypair for the
// peer side of the handshake, which does not need the full HandshakeState
// bookkeeping since it never sends a SignedId.
func newEphemeralKeypair() (*[32]byte, *[32]byte, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate box key: %w", err)
	}
	return pub, priv, nil
}

// GenerateSessionKey produces a fresh random 32-byte secretbox key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}
