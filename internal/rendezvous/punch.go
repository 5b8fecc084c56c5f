package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// reservePort opens a throwaway listener on an OS-assigned port, reads the
// port back, and closes it immediately so the caller can reuse that same
// port for both an outbound dial and a later Accept — the standard
// hole-punch pattern. There is an unavoidable race between the close and
// the caller's reuse; SO_REUSEADDR/SO_REUSEPORT (reusePortControl) narrows
// it to effectively zero in practice.
func reservePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func dialFromPort(ctx context.Context, localPort int, remote string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{
		LocalAddr: &net.TCPAddr{Port: localPort},
		Control:   reusePortControl,
		Timeout:   timeout,
	}
	return d.DialContext(ctx, "tcp", remote)
}

func listenOnPort(localPort int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	return lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", localPort))
}

// handlePunchHole implements spec.md §4.2's PunchHole branch. A symmetric
// peer NAT or an IPv6-only transport can never be punched, so those fall
// straight through to the relay path.
func (m *Mediator) handlePunchHole(p *PunchHole) {
	if p.PeerNatType == NatSymmetric || p.PeerNatType == NatIPv6Only {
		m.handleRequestRelay(&RequestRelay{
			PeerAddr:    p.PeerAddr,
			RelayServer: p.RelayServer,
			UUID:        p.PeerAddr, // correlates this attempt; server assigns the real uuid
			Secure:      true,
		})
		return
	}

	localPort, err := reservePort()
	if err != nil {
		log.Warn("punch: reserve local port failed", "error", err)
		return
	}

	serverHost, _, err := net.SplitHostPort(m.serverHost)
	if err != nil {
		serverHost = m.serverHost
	}
	mediatorAddr := fmt.Sprintf("%s:%d", serverHost, m.cfg.TCPPort)
	mediatorConn, err := dialFromPort(context.Background(), localPort, mediatorAddr, RendezvousTimeout)
	if err != nil {
		log.Warn("punch: dial mediator TCP failed", "error", err)
		return
	}
	defer mediatorConn.Close()

	listener, err := listenOnPort(localPort)
	if err != nil {
		log.Warn("punch: listen on reused port failed", "error", err)
		return
	}
	defer listener.Close()

	// Fire-and-forget direct connect attempt; this is the actual "punch" —
	// it almost always fails locally (the peer hasn't opened its side yet)
	// but it opens the NAT mapping for the return packet to land on.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directConnectTimeout)
		defer cancel()
		if c, err := dialFromPort(ctx, localPort, p.PeerAddr, directConnectTimeout); err == nil {
			m.promote(c, false)
		}
	}()

	myID, _, _ := m.ids.snapshot()
	if err := m.sendTCPEnvelope(mediatorConn, TypePunchHoleSent, PunchHoleSent{
		MyID:        myID,
		RelayServer: p.RelayServer,
		MyNatType:   NatAsymmetric,
	}); err != nil {
		log.Warn("punch: send punch_hole_sent failed", "error", err)
		return
	}

	if tcpL, ok := listener.(*net.TCPListener); ok {
		tcpL.SetDeadline(time.Now().Add(RendezvousTimeout))
	}
	conn, err := listener.Accept()
	if err != nil {
		log.Warn("punch: accept from peer failed", "peer", p.PeerAddr, "error", err)
		return
	}
	m.promote(conn, false)
}

// handleFetchLocalAddr mirrors handlePunchHole for same-LAN peers: instead
// of punching, the mediator simply advertises the host's local address.
func (m *Mediator) handleFetchLocalAddr(f *FetchLocalAddr) {
	localPort, err := reservePort()
	if err != nil {
		log.Warn("fetch-local-addr: reserve port failed", "error", err)
		return
	}
	listener, err := listenOnPort(localPort)
	if err != nil {
		log.Warn("fetch-local-addr: listen failed", "error", err)
		return
	}
	defer listener.Close()

	localAddr := listener.Addr().String()
	if err := m.sendEnvelope(TypeLocalAddr, LocalAddr{LocalAddr: localAddr}); err != nil {
		log.Warn("fetch-local-addr: send reply failed", "error", err)
		return
	}

	if tcpL, ok := listener.(*net.TCPListener); ok {
		tcpL.SetDeadline(time.Now().Add(RendezvousTimeout))
	}
	conn, err := listener.Accept()
	if err != nil {
		log.Warn("fetch-local-addr: accept failed", "peer", f.PeerAddr, "error", err)
		return
	}
	m.promote(conn, false)
}

// handleRequestRelay dials the relay server, requests a relay session, and
// promotes the resulting stream as a host Connection with encryption gated
// by Secure — see spec.md S2 (relay fallback scenario).
func (m *Mediator) handleRequestRelay(r *RequestRelay) {
	d := net.Dialer{Timeout: RendezvousTimeout}
	conn, err := d.Dial("tcp", r.RelayServer)
	if err != nil {
		log.Warn("relay: dial failed", "server", r.RelayServer, "error", err)
		return
	}

	if err := m.sendTCPEnvelope(conn, TypeRequestRelay, RequestRelay{
		LicenceKey: r.LicenceKey,
		UUID:       r.UUID,
	}); err != nil {
		log.Warn("relay: send request_relay failed", "error", err)
		conn.Close()
		return
	}

	m.promote(conn, r.Secure)
}

func (m *Mediator) promote(conn net.Conn, secure bool) {
	if m.cfg.OnPromote == nil {
		conn.Close()
		return
	}
	id, _, _ := m.ids.snapshot()
	m.cfg.OnPromote(conn, secure, id)
}

func (m *Mediator) sendTCPEnvelope(conn net.Conn, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
