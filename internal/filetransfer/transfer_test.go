package filetransfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBlockRoundTripCompressed(t *testing.T) {
	// Highly repetitive data well above the compression threshold.
	data := bytes.Repeat([]byte("relaydesk block payload "), 1024)

	blk := MakeBlock(7, 2, data)
	if !blk.Compressed {
		t.Fatal("expected repetitive payload to compress")
	}
	if len(blk.Data) >= len(data) {
		t.Fatalf("compressed block not smaller: %d >= %d", len(blk.Data), len(data))
	}
	if blk.JobID != 7 || blk.FileNum != 2 {
		t.Fatalf("block ids lost: %+v", blk)
	}

	out, err := BlockPayload(&blk, len(data))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("payload mismatch after round trip")
	}
}

func TestBlockSmallPayloadStaysRaw(t *testing.T) {
	data := []byte("short")
	blk := MakeBlock(1, 0, data)
	if blk.Compressed {
		t.Fatal("tiny payload must not be compressed")
	}
	out, err := BlockPayload(&blk, 0)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("raw payload mismatch")
	}
}

func TestBlockIncompressibleStaysRaw(t *testing.T) {
	// Pseudorandom bytes past the threshold don't shrink under LZ4; the
	// block must fall back to raw rather than grow.
	data := make([]byte, 4096)
	state := uint32(0x9e3779b9)
	for i := range data {
		state = state*1664525 + 1013904223
		data[i] = byte(state >> 24)
	}
	blk := MakeBlock(1, 0, data)
	if blk.Compressed {
		t.Fatal("incompressible payload must stay raw")
	}
}

func TestDigestForMatchesDecideResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 1000), 0644); err != nil {
		t.Fatal(err)
	}
	mt := time.Unix(1_700_000_000, 0)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatal(err)
	}

	digest, err := DigestFor(path)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest.FileSize != 1000 || digest.LastModified != mt.Unix() {
		t.Fatalf("unexpected digest: %+v", digest)
	}

	// A sender whose digest matches the destination exactly must be told to
	// skip — the transfer writes zero bytes.
	decision, _ := DecideResume(path, digest)
	if decision != ResumeSkip {
		t.Fatalf("expected skip for identical file, got %v", decision)
	}
}
