package rendezvous

import (
	"math"
	"testing"

	"github.com/relaydesk/host/internal/wire"
)

func newTestMediator(t *testing.T) *Mediator {
	t.Helper()
	id, err := wire.GenerateIdentity("111")
	if err != nil {
		t.Fatal(err)
	}
	counter := 0
	m, err := New(Config{
		Server:   "127.0.0.1:0",
		Identity: id,
		UUID:     "uuid-1",
		NewID: func() string {
			counter++
			return "999"
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLatencyEMA(t *testing.T) {
	m := newTestMediator(t)

	m.UpdateLatency(300)
	want := 300.0 / 30
	if got := m.LatencyMs(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("after first sample: want %v got %v", want, got)
	}

	m.UpdateLatency(300)
	want = 300.0/30 + want*29/30
	if got := m.LatencyMs(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("after second sample: want %v got %v", want, got)
	}
}

func TestUUIDMismatchRegeneratesID(t *testing.T) {
	m := newTestMediator(t)

	beforeID, _, beforeConfirmed := m.ids.snapshot()
	if beforeID != "111" || beforeConfirmed {
		t.Fatalf("unexpected initial state: id=%s confirmed=%v", beforeID, beforeConfirmed)
	}

	m.handleRegisterPkResponse(RegisterUUIDMismatch)

	afterID, _, afterConfirmed := m.ids.snapshot()
	if afterID != "999" {
		t.Fatalf("expected regenerated id 999, got %s", afterID)
	}
	if afterConfirmed {
		t.Fatal("regenerated id must start unconfirmed")
	}
}

func TestRegisterOKConfirmsKey(t *testing.T) {
	m := newTestMediator(t)
	m.handleRegisterPkResponse(RegisterOK)
	_, _, confirmed := m.ids.snapshot()
	if !confirmed {
		t.Fatal("expected key confirmed after RegisterOK")
	}
}
