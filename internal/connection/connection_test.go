package connection

import (
	"testing"
	"time"

	"github.com/relaydesk/host/internal/servicebus"
	"github.com/relaydesk/host/internal/wire"
)

func newTestServer() *Server {
	bus := servicebus.New()
	bus.AddService("video", 4, 4, nil)
	bus.AddService("cursor_image", 0, 4, nil)
	bus.AddService("cursor_position", 0, 4, nil)
	bus.AddService("clipboard", 0, 4, nil)
	bus.AddService("audio", 4, 4, nil)
	return NewServer(bus)
}

func TestUnauthorizedConnectionNeverSubscribed(t *testing.T) {
	srv := newTestServer()
	c := New(1, nil, "peer", "1.2.3.4", srv)
	srv.Add(c)

	if c.Authorized() {
		t.Fatal("fresh connection must start unauthorized")
	}

	// subscribeServices is only ever called from HandleLogin on success, so
	// a connection that never logged in holds no service-bus subscriptions.
	if n := len(c.Subscribers()); n != 0 {
		t.Fatalf("invariant: never subscribe before authorized, got %d subscriptions", n)
	}
}

func TestClipboardConjunction(t *testing.T) {
	c := &Connection{}
	c.permissions.Clipboard = true
	c.peerFlags.DisableClipboard = false
	if !c.ClipboardAllowed() {
		t.Fatal("expected clipboard allowed when both admin and peer permit it")
	}

	c.peerFlags.DisableClipboard = true
	if c.ClipboardAllowed() {
		t.Fatal("expected peer disable to veto even when admin allows")
	}

	c.peerFlags.DisableClipboard = false
	c.permissions.Clipboard = false
	if c.ClipboardAllowed() {
		t.Fatal("expected admin disable to veto even when peer allows")
	}
}

func TestApplyOptionsOnlyExplicitFieldsMutate(t *testing.T) {
	c := &Connection{}
	c.peerFlags.ShowRemoteCursor = true
	c.peerFlags.DisableAudio = true

	c.ApplyOptions(&wire.OptionMessage{
		DisableAudio: wire.TriNo,
		// ShowRemoteCursor left TriNotSet — must not be touched.
	})

	if c.peerFlags.DisableAudio {
		t.Fatal("expected DisableAudio cleared by explicit TriNo")
	}
	if !c.peerFlags.ShowRemoteCursor {
		t.Fatal("expected ShowRemoteCursor untouched by TriNotSet")
	}
}

func TestCustomImageQualityPacking(t *testing.T) {
	c := &Connection{}
	c.ApplyOptions(&wire.OptionMessage{CustomImageQuality: (500 << 8) | 28})
	q := c.ImageQuality()
	if !q.Custom || q.Bitrate != 500 || q.Quantizer != 28 {
		t.Fatalf("unexpected decode: %+v", q)
	}
}

func TestVideoBackpressureWaitsForAck(t *testing.T) {
	c := &Connection{}
	c.SetVideoAckRequired(true)

	if !c.VideoBackpressure() {
		t.Fatal("expected first frame to send")
	}
	if c.VideoBackpressure() {
		t.Fatal("expected second frame blocked pending ack")
	}
	c.OnVideoAck()
	if !c.VideoBackpressure() {
		t.Fatal("expected frame to send again after ack")
	}
}

func TestShouldDropAudioFrameNotVideo(t *testing.T) {
	if ShouldDropAudioFrame(500 * time.Millisecond) {
		t.Fatal("500ms old audio frame should not be dropped")
	}
	if !ShouldDropAudioFrame(1500 * time.Millisecond) {
		t.Fatal("1500ms old audio frame should be dropped")
	}
}

func TestIsBlockedCIDR(t *testing.T) {
	list := []string{"10.0.0.0/8", "203.0.113.5"}
	if !IsBlocked("10.1.2.3", list) {
		t.Fatal("expected CIDR match to block")
	}
	if !IsBlocked("203.0.113.5", list) {
		t.Fatal("expected exact match to block")
	}
	if IsBlocked("8.8.8.8", list) {
		t.Fatal("expected non-matching IP to pass")
	}
}
