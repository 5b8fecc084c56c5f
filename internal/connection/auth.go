package connection

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/relaydesk/host/internal/wire"
)

// PasswordHash computes sha256(sha256(password||salt)||challenge) hex
// encoded, the exact construction the peer is expected to send per
// spec.md §4.8.
func PasswordHash(password, salt, challenge string) string {
	inner := sha256.Sum256([]byte(password + salt))
	outer := sha256.Sum256(append(inner[:], []byte(challenge)...))
	return hex.EncodeToString(outer[:])
}

// verifyPassword constant-time compares the peer's claimed hash against the
// one computed from the real password, salt and challenge.
func verifyPassword(claimedHex, password, salt, challenge string) bool {
	want := PasswordHash(password, salt, challenge)
	return subtle.ConstantTimeCompare([]byte(claimedHex), []byte(want)) == 1
}

// VerifyTOTP checks a 6-digit RFC 6238 TOTP code (SHA-1, 30s window) against
// secret, allowing the previous and next window to absorb clock skew.
func VerifyTOTP(secret, code string) bool {
	now := time.Now().Unix()
	for _, skew := range []int64{0, -1, 1} {
		counter := (now / 30) + skew
		if totpAt(secret, counter) == code {
			return true
		}
	}
	return false
}

func totpAt(secret string, counter int64) string {
	key, err := decodeSecret(secret)
	if err != nil {
		return ""
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])
	code %= 1_000_000
	return fmt.Sprintf("%06d", code)
}

// decodeSecret accepts either raw bytes hex-encoded or a plain passphrase:
// a secret that is valid hex is decoded, anything else is used as its raw
// bytes. Base32-encoded secrets are not decoded.
func decodeSecret(secret string) ([]byte, error) {
	if b, err := hex.DecodeString(secret); err == nil {
		return b, nil
	}
	return []byte(secret), nil
}

// AuthResult is the outcome of authenticating one LoginRequest.
type AuthResult struct {
	OK    bool
	Error string
}

// Authenticate validates a LoginRequest's password hash (and TOTP, if
// required) against the real password/secret, after checking brute-force
// throttling for the connection's IP. Throttling is checked *before* any
// hashing so a throttled attempt never recomputes the password hash,
// matching spec.md's testable property 6.
func Authenticate(throttle *Throttle, ip, password, totpSecret string, req *wire.LoginRequest, c *Connection) AuthResult {
	if blocked, msg := throttle.Check(ip); blocked {
		return AuthResult{OK: false, Error: msg}
	}

	if !verifyPassword(req.PasswordHash, password, c.Salt, c.Challenge) {
		throttle.RecordFailure(ip)
		return AuthResult{OK: false, Error: "Wrong Password"}
	}

	if totpSecret != "" {
		if req.TOTP == "" || !VerifyTOTP(totpSecret, req.TOTP) {
			throttle.RecordFailure(ip)
			return AuthResult{OK: false, Error: "Wrong Password"}
		}
	}

	throttle.Reset(ip)
	return AuthResult{OK: true}
}

// ResolvePortForwardTarget rewrites the RDP shorthand described in
// spec.md §4.8: host=="RDP" && port==0 becomes localhost:3389.
func ResolvePortForwardTarget(req *wire.LoginRequest) (host string, port int) {
	if req.Host == "RDP" && req.Port == 0 {
		return "localhost", 3389
	}
	return req.Host, req.Port
}

// FormatAddr is a small convenience used by callers building port-forward
// dial targets.
func FormatAddr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
