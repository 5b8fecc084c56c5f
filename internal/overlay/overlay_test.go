package overlay

import (
	"net"
	"testing"
	"time"

	"github.com/relaydesk/host/internal/ipc"
	"github.com/relaydesk/host/internal/servicebus"
)

func TestAttachRelaysCursorPosition(t *testing.T) {
	bus := servicebus.New()
	bus.AddService("cursor_position", 0, 4, nil)

	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	defer cliConn.Close()

	ov := New()
	ov.AddClient(ipc.NewConn(srvConn))
	if err := ov.Attach(bus); err != nil {
		t.Fatal(err)
	}

	svc, _ := bus.Service("cursor_position")
	svc.Send(servicebus.Message{Payload: CursorPositionPayload{ConnID: 7, NX: 0.5, NY: 0.25}})

	client := ipc.NewConn(cliConn)
	cliConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeCursorMove {
		t.Fatalf("expected %s, got %s", TypeCursorMove, env.Type)
	}
}

func TestPublishClickBroadcasts(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	defer cliConn.Close()

	ov := New()
	ov.AddClient(ipc.NewConn(srvConn))
	go ov.PublishClick(3, 0.1, 0.2, 1)

	client := ipc.NewConn(cliConn)
	cliConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := client.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeClickRipple {
		t.Fatalf("expected %s, got %s", TypeClickRipple, env.Type)
	}
}
