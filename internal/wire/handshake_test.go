package wire

import (
	"net"
	"testing"
)

func TestHandshakeEstablishesSharedSessionKey(t *testing.T) {
	hostID, err := GenerateIdentity("123456789")
	if err != nil {
		t.Fatal(err)
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	type hostResult struct {
		c         *Conn
		confirmed bool
		err       error
	}
	hostCh := make(chan hostResult, 1)
	go func() {
		c, confirmed, err := PerformHostHandshake(serverConn, hostID)
		hostCh <- hostResult{c, confirmed, err}
	}()

	peerConn, err := PerformPeerHandshake(clientConn, hostID.PublicKey)
	if err != nil {
		t.Fatalf("peer handshake: %v", err)
	}

	hr := <-hostCh
	if hr.err != nil {
		t.Fatalf("host handshake: %v", hr.err)
	}
	if !hr.confirmed {
		t.Fatal("expected key to be confirmed")
	}
	if !hr.c.Encrypted() || !peerConn.Encrypted() {
		t.Fatal("expected both sides to install a session key")
	}

	go hr.c.SendTyped(TypeTestDelay, TestDelay{Time: 99})
	env, err := peerConn.Recv()
	if err != nil {
		t.Fatalf("recv over handshaked conn: %v", err)
	}
	var td TestDelay
	if err := Unmarshal(env, &td); err != nil {
		t.Fatal(err)
	}
	if td.Time != 99 {
		t.Fatalf("got %d want 99", td.Time)
	}
}

func TestHandshakeRejectsWrongSigningKey(t *testing.T) {
	hostID, err := GenerateIdentity("1")
	if err != nil {
		t.Fatal(err)
	}
	impostorID, err := GenerateIdentity("1")
	if err != nil {
		t.Fatal(err)
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := PerformHostHandshake(serverConn, impostorID)
		errCh <- err
	}()

	// Peer trusts hostID's public key, but the connection is actually
	// signed by impostorID's secret key — verification must fail.
	_, err = PerformPeerHandshake(clientConn, hostID.PublicKey)
	if err == nil {
		t.Fatal("expected handshake to fail against wrong signing key")
	}
	<-errCh
}
