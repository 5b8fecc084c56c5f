package wire

import (
	"io"
	"net"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	msgs := []TestDelay{{Time: 1}, {Time: 2}, {Time: 3}}

	done := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := sc.SendTyped(TypeTestDelay, m); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for _, want := range msgs {
		env, err := cc.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		var got TestDelay
		if err := Unmarshal(env, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}

	sc := NewConn(server)
	cc := NewConn(client)
	if err := sc.InstallSessionKey(key); err != nil {
		t.Fatal(err)
	}
	if err := cc.InstallSessionKey(key); err != nil {
		t.Fatal(err)
	}

	go sc.SendTyped(TypeTestDelay, TestDelay{Time: 42})

	env, err := cc.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var got TestDelay
	if err := Unmarshal(env, &got); err != nil {
		t.Fatal(err)
	}
	if got.Time != 42 {
		t.Fatalf("got %d, want 42", got.Time)
	}
}

func TestReplayedSequenceIsRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	captured := make(chan []byte, 1)
	go func() {
		var hdr [4]byte
		io.ReadFull(server, hdr[:])
		n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
		body := make([]byte, n)
		io.ReadFull(server, body)
		full := append(append([]byte{}, hdr[:]...), body...)
		captured <- full
	}()
	if err := cc.SendTyped(TypeTestDelay, TestDelay{Time: 1}); err != nil {
		t.Fatal(err)
	}
	frame := <-captured

	serverB, clientB := net.Pipe()
	defer serverB.Close()
	defer clientB.Close()
	rc := NewConn(clientB)

	go func() {
		serverB.Write(frame)
		serverB.Write(frame) // replay the identical frame
	}()

	if _, err := rc.Recv(); err != nil {
		t.Fatalf("first recv of legitimate frame: %v", err)
	}
	if _, err := rc.Recv(); err == nil {
		t.Fatal("expected replayed frame with duplicate seq to be rejected")
	}
}

func TestTamperedEncryptedFrameFailsToDecrypt(t *testing.T) {
	serverA, clientA := net.Pipe()
	defer serverA.Close()
	defer clientA.Close()

	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	sc := NewConn(serverA)
	if err := sc.InstallSessionKey(key); err != nil {
		t.Fatal(err)
	}

	// Read the raw frame bytes client-side, tamper with them, and confirm
	// a secretbox peer with the right key rejects the forgery.
	type frame struct {
		header [4]byte
		body   []byte
	}
	fc := make(chan frame, 1)
	go func() {
		var hdr [4]byte
		clientA.Read(hdr[:])
		n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
		body := make([]byte, n)
		clientA.Read(body)
		fc <- frame{header: hdr, body: body}
	}()

	if err := sc.SendTyped(TypeTestDelay, TestDelay{Time: 7}); err != nil {
		t.Fatal(err)
	}
	f := <-fc
	if len(f.body) > 0 {
		f.body[len(f.body)-1] ^= 0xFF
	}

	serverB, clientB := net.Pipe()
	defer serverB.Close()
	defer clientB.Close()
	rc := NewConn(clientB)
	if err := rc.InstallSessionKey(key); err != nil {
		t.Fatal(err)
	}

	go func() {
		serverB.Write(f.header[:])
		serverB.Write(f.body)
	}()

	if _, err := rc.Recv(); err == nil {
		t.Fatal("expected tampered frame to fail to decrypt")
	}
}
