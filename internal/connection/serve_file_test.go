package connection

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaydesk/host/internal/wire"
)

// TestSkipPathEmitsExactlyOneDone drives the receiver side of a resend of
// an identical file: the sender's digest matches the destination, the host
// answers skip, the sender closes with write_done, and the host must emit
// exactly one done for the file while writing zero bytes.
func TestSkipPathEmitsExactlyOneDone(t *testing.T) {
	hostRaw, peerRaw := net.Pipe()
	host := wire.NewConn(hostRaw)
	peer := wire.NewConn(peerRaw)
	defer host.Close()
	defer peer.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	content := []byte("already transferred content")
	if err := os.WriteFile(dest, content, 0644); err != nil {
		t.Fatal(err)
	}
	mt := time.Unix(1_700_000_000, 0)
	if err := os.Chtimes(dest, mt, mt); err != nil {
		t.Fatal(err)
	}

	c := New(1, host, "peer", "1.2.3.4", nil)
	var jobs fileJobTable
	digest := &wire.FileDigest{FileSize: int64(len(content)), LastModified: mt.Unix()}

	// net.Pipe writes block until the peer reads, so the host handler runs
	// in the background while this side plays the sender.
	go handleFileAction(c, &jobs, &wire.FileAction{
		Action: "send_digest", JobID: 9, Path: dest, Digest: digest,
	})

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := peer.Recv()
	if err != nil {
		t.Fatalf("recv confirm: %v", err)
	}
	if env.Type != wire.TypeFileAction {
		t.Fatalf("expected file_action, got %s", env.Type)
	}
	var confirm wire.FileAction
	if err := wire.Unmarshal(env, &confirm); err != nil {
		t.Fatal(err)
	}
	if confirm.Action != "send_confirm" || !confirm.Skip {
		t.Fatalf("expected send_confirm skip, got %+v", confirm)
	}

	// Sender closes the (skipped) file.
	go handleFileAction(c, &jobs, &wire.FileAction{
		Action: "write_done", JobID: 9, ModifiedTime: mt.Unix(),
	})

	env, err = peer.Recv()
	if err != nil {
		t.Fatalf("recv done: %v", err)
	}
	var done wire.FileAction
	if err := wire.Unmarshal(env, &done); err != nil {
		t.Fatal(err)
	}
	if done.Action != "done" || done.JobID != 9 || done.FileNum != 0 {
		t.Fatalf("expected done for job 9 file 0, got %+v", done)
	}

	// Exactly one done: nothing else arrives.
	peer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if extra, err := peer.Recv(); err == nil {
		t.Fatalf("unexpected extra message after done: %+v", extra)
	}

	// Zero bytes written: destination untouched.
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("destination was modified by a skipped transfer")
	}

	// The job advanced past the skipped file.
	if job := jobs.jobs[9]; job == nil || job.FileNum() != 1 {
		t.Fatalf("expected job advanced to file 1, got %+v", jobs.jobs[9])
	}
}

// TestWriteDoneWithoutJobStaysSilent covers the stray-close case: a
// write_done for a job the host never saw produces no reply at all.
func TestWriteDoneWithoutJobStaysSilent(t *testing.T) {
	hostRaw, peerRaw := net.Pipe()
	host := wire.NewConn(hostRaw)
	peer := wire.NewConn(peerRaw)
	defer host.Close()
	defer peer.Close()

	c := New(1, host, "peer", "1.2.3.4", nil)
	var jobs fileJobTable

	go handleFileAction(c, &jobs, &wire.FileAction{Action: "write_done", JobID: 42})

	peer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if env, err := peer.Recv(); err == nil {
		t.Fatalf("expected no reply for unknown job, got %+v", env)
	}
}
