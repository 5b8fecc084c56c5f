package connection

import (
	"encoding/hex"
	"testing"

	"github.com/relaydesk/host/internal/wire"
)

func TestVerifyPasswordRoundTrip(t *testing.T) {
	salt, challenge := "s4lt", "ch4llenge"
	hash := PasswordHash("correct horse", salt, challenge)

	if !verifyPassword(hash, "correct horse", salt, challenge) {
		t.Fatal("expected matching password to verify")
	}
	if verifyPassword(hash, "wrong", salt, challenge) {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestVerifyTOTPWindow(t *testing.T) {
	secret := hex.EncodeToString([]byte("0123456789abcdef"))
	code := totpAt(secret, 0)
	if code == "" {
		t.Fatal("expected a 6-digit code")
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
}

func TestAuthenticateThrottlesBeforeHashing(t *testing.T) {
	th := NewThrottle()
	ip := "203.0.113.9"
	for i := 0; i < MaxFailuresPerMinute; i++ {
		th.RecordFailure(ip)
	}

	c := &Connection{Salt: "a", Challenge: "b"}
	res := Authenticate(th, ip, "realpassword", "", &wire.LoginRequest{PasswordHash: "whatever"}, c)
	if res.OK {
		t.Fatal("expected throttled attempt to fail")
	}
	if res.Error != "Please try 1 minute later" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestResolvePortForwardTargetRDPShorthand(t *testing.T) {
	host, port := ResolvePortForwardTarget(&wire.LoginRequest{Host: "RDP", Port: 0})
	if host != "localhost" || port != 3389 {
		t.Fatalf("expected localhost:3389, got %s:%d", host, port)
	}

	host, port = ResolvePortForwardTarget(&wire.LoginRequest{Host: "10.0.0.5", Port: 22})
	if host != "10.0.0.5" || port != 22 {
		t.Fatalf("expected passthrough, got %s:%d", host, port)
	}
}
