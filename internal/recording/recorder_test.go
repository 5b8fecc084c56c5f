package recording

import (
	"io"
	"path/filepath"
	"testing"
)

func TestRecordAndPlaybackRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.rec")

	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(FrameVideo, []byte("frame-one")); err != nil {
		t.Fatal(err)
	}
	if err := rec.Write(FrameAudio, []byte("pcm")); err != nil {
		t.Fatal(err)
	}
	if rec.Frames() != 2 {
		t.Fatalf("expected 2 frames recorded, got %d", rec.Frames())
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	p, err := OpenPlayer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	f1, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f1.Kind != FrameVideo || string(f1.Payload) != "frame-one" {
		t.Fatalf("unexpected first frame: %+v", f1)
	}

	f2, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f2.Kind != FrameAudio || string(f2.Payload) != "pcm" {
		t.Fatalf("unexpected second frame: %+v", f2)
	}

	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of recording, got %v", err)
	}
}

func TestPlayDrivesFramesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.rec")
	rec, _ := NewRecorder(path)
	rec.Write(FrameVideo, []byte("a"))
	rec.Write(FrameVideo, []byte("b"))
	rec.Write(FrameVideo, []byte("c"))
	rec.Close()

	var got []string
	err := Play(path, func(fr Frame) error {
		got = append(got, string(fr.Payload))
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected playback order: %v", got)
	}
}
