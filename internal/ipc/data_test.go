package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestDataUnionRoundTrip(t *testing.T) {
	v := "relay.example.com"
	in := Data{Kind: DataConfig, Config: &ConfigKV{Name: "rendezvous", Value: &v}}

	raw, err := json.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Data
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != DataConfig || out.Config == nil || out.Config.Name != "rendezvous" {
		t.Fatalf("unexpected round trip: %+v", out)
	}
	if out.Config.Value == nil || *out.Config.Value != v {
		t.Fatalf("value lost in round trip: %+v", out.Config)
	}
}

func TestDataFromEnvelopeRejectsWrongType(t *testing.T) {
	env := &Envelope{Type: TypePing}
	if _, err := DataFromEnvelope(env); err == nil {
		t.Fatal("expected error for non-data envelope")
	}
}

func TestConfigReadReplyWriteSilent(t *testing.T) {
	store := map[string]string{"rendezvous": "rs.example.com"}
	h := &DataHandler{
		GetConfig: func(name string) string { return store[name] },
		SetConfig: func(name, value string) { store[name] = value },
	}

	// Read request: Value nil, expect a reply carrying the value.
	reply := h.Handle(&Data{Kind: DataConfig, Config: &ConfigKV{Name: "rendezvous"}})
	if reply == nil || reply.Config == nil || reply.Config.Value == nil {
		t.Fatalf("read request must be answered, got %+v", reply)
	}
	if *reply.Config.Value != "rs.example.com" {
		t.Fatalf("wrong value: %s", *reply.Config.Value)
	}

	// Write request: never expects a response.
	v := "other.example.com"
	reply = h.Handle(&Data{Kind: DataConfig, Config: &ConfigKV{Name: "rendezvous", Value: &v}})
	if reply != nil {
		t.Fatalf("write must not be answered, got %+v", reply)
	}
	if store["rendezvous"] != "other.example.com" {
		t.Fatalf("write not applied: %v", store)
	}
}

func TestOptionsSnapshotAndAck(t *testing.T) {
	opts := map[string]string{"direct-server": "Y"}
	var wrote map[string]string
	h := &DataHandler{
		GetOptions: func() map[string]string { return opts },
		SetOptions: func(m map[string]string) { wrote = m },
	}

	reply := h.Handle(&Data{Kind: DataOptions})
	if reply == nil || reply.Options["direct-server"] != "Y" {
		t.Fatalf("snapshot request must return the map, got %+v", reply)
	}

	reply = h.Handle(&Data{Kind: DataOptions, Options: map[string]string{"direct-server": "N"}})
	if reply == nil || reply.Options != nil {
		t.Fatalf("write must be acked with an empty Options message, got %+v", reply)
	}
	if wrote["direct-server"] != "N" {
		t.Fatalf("write not applied: %v", wrote)
	}
}

func TestCloseInvokesCallback(t *testing.T) {
	closed := false
	h := &DataHandler{OnClose: func() { closed = true }}
	if reply := h.Handle(&Data{Kind: DataClose}); reply != nil {
		t.Fatalf("close must not be answered, got %+v", reply)
	}
	if !closed {
		t.Fatal("close callback not invoked")
	}
}

func TestSocketPathForPostfix(t *testing.T) {
	main := SocketPathFor(PostfixMain)
	cm := SocketPathFor(PostfixCM)
	if main == cm {
		t.Fatal("postfix must change the path")
	}
	if !strings.Contains(cm, "_cm") {
		t.Fatalf("cm path missing postfix: %s", cm)
	}
}

func TestEvictStaleRemovesDeadOwner(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "host.sock")

	// A pid that can't be a live process: write a marker for one far past
	// the default pid_max, then a fake stale socket file.
	if err := os.WriteFile(PIDFilePath(sock), []byte(strconv.Itoa(1<<30)), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sock, nil, 0600); err != nil {
		t.Fatal(err)
	}

	free, err := EvictStale(sock)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if !free {
		t.Fatal("expected dead owner to be evicted")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatal("stale socket not removed")
	}

	// Our own pid always counts as free (restart-in-place).
	if err := os.WriteFile(PIDFilePath(sock), []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		t.Fatal(err)
	}
	free, err = EvictStale(sock)
	if err != nil || !free {
		t.Fatalf("own pid must be free, got free=%v err=%v", free, err)
	}
}
