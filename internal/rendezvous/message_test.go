package rendezvous

import "testing"

func TestPackUnpackOnlineStatesRoundTrip(t *testing.T) {
	cases := [][]bool{
		{},
		{true},
		{false},
		{true, false, true, false, true, false, true, false},
		{true, true, true, true, true, true, true, true, true},
		{false, false, true, false, false, false, false, false, false, false, true},
	}
	for _, online := range cases {
		packed := PackOnlineStates(online)
		got := UnpackOnlineStates(packed, len(online))
		for i := range online {
			if got[i] != online[i] {
				t.Fatalf("case %v: bit %d mismatch: got %v", online, i, got[i])
			}
		}
	}
}

func TestPackOnlineStatesMSBFirst(t *testing.T) {
	// bit 0 (id[0]) is online -> must land in the MSB of the first byte.
	packed := PackOnlineStates([]bool{true, false, false, false, false, false, false, false})
	if len(packed) != 1 || packed[0] != 0x80 {
		t.Fatalf("expected MSB-first packing 0x80, got %#v", packed)
	}
}

type fakePresence map[string]bool

func (f fakePresence) IsOnline(id string) bool { return f[id] }

func TestHandleOnlineRequest(t *testing.T) {
	src := fakePresence{"111": true, "222": false}
	resp := HandleOnlineRequest(src, OnlineRequest{ID: "viewer", Peers: []string{"111", "222", "333"}})
	got := UnpackOnlineStates(resp.States, 3)
	want := []bool{true, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: want %v got %v", i, want[i], got[i])
		}
	}
}
