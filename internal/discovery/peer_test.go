package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/relaydesk/host/internal/rendezvous"
)

// startResponder binds a Responder on a loopback-reachable ephemeral port
// and returns it with the port it chose.
func startResponder(t *testing.T, hostID string) (*Responder, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	r := &Responder{conn: conn, cfg: PeerConfig{Port: port, HostID: hostID}, done: make(chan struct{})}
	go r.run()
	t.Cleanup(r.Close)
	return r, port
}

func sendDiscovery(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, pd rendezvous.PeerDiscovery) {
	t.Helper()
	raw, err := marshalDiscovery(pd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.WriteToUDP(raw, to); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestResponderAnswersPingWithIdentity(t *testing.T) {
	_, port := startResponder(t, "222")

	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	defer probe.Close()

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	sendDiscovery(t, probe, target, rendezvous.PeerDiscovery{Cmd: "ping", ID: "111"})

	probe.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := probe.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no pong: %v", err)
	}

	env, pd := decodeDiscovery(t, buf[:n])
	if env.Type != rendezvous.TypePeerDiscovery {
		t.Fatalf("wrong envelope type %q", env.Type)
	}
	if pd.Cmd != "pong" || pd.ID != "222" {
		t.Fatalf("unexpected pong: %+v", pd)
	}
	if pd.Hostname == "" {
		t.Fatal("pong missing hostname")
	}
}

func TestResponderIgnoresOwnPing(t *testing.T) {
	_, port := startResponder(t, "222")

	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	defer probe.Close()

	// A ping carrying the responder's own id is its broadcast echo.
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	sendDiscovery(t, probe, target, rendezvous.PeerDiscovery{Cmd: "ping", ID: "222"})

	probe.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 2048)
	if _, _, err := probe.ReadFromUDP(buf); err == nil {
		t.Fatal("expected no reply to own ping")
	}
}

func decodeDiscovery(t *testing.T, raw []byte) (rendezvous.Envelope, rendezvous.PeerDiscovery) {
	t.Helper()
	var env rendezvous.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	var pd rendezvous.PeerDiscovery
	if err := json.Unmarshal(env.Payload, &pd); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	return env, pd
}

func TestWakeOnLANRejectsBadMAC(t *testing.T) {
	if err := WakeOnLAN("not-a-mac"); err == nil {
		t.Fatal("expected error for malformed mac")
	}
}
