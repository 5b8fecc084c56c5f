package filetransfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaydesk/host/internal/wire"
)

func TestDecideResumeFreshWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	decision, _ := DecideResume(filepath.Join(dir, "missing.bin"), wire.FileDigest{FileSize: 10})
	if decision != ResumeFresh {
		t.Fatalf("expected ResumeFresh, got %v", decision)
	}
}

func TestDecideResumeSkipWhenIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "same.bin")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	decision, _ := DecideResume(path, wire.FileDigest{FileSize: info.Size(), LastModified: info.ModTime().Unix()})
	if decision != ResumeSkip {
		t.Fatalf("expected ResumeSkip, got %v", decision)
	}
}

func TestDecideResumeAsksUserWhenDifferent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diff.bin")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	decision, _ := DecideResume(path, wire.FileDigest{FileSize: 999})
	if decision != ResumeAskUser {
		t.Fatalf("expected ResumeAskUser, got %v", decision)
	}
}

func TestJobWriteBlockAdvanceAndCancel(t *testing.T) {
	dir := t.TempDir()
	job := NewJob(1, "/local/src", "/remote/dst", false, false, []FileEntry{
		{Name: "a.txt", Size: 5},
		{Name: "b.txt", Size: 3},
	})

	dest := filepath.Join(dir, "a.txt")
	if err := job.OpenForWrite(dest, 0); err != nil {
		t.Fatal(err)
	}
	if err := job.WriteBlock([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := job.WriteDone(0); err != nil {
		t.Fatal(err)
	}
	if job.FileNum() != 1 {
		t.Fatalf("expected fileNum advanced to 1, got %d", job.FileNum())
	}

	dest2 := filepath.Join(dir, "b.txt")
	if err := job.OpenForWrite(dest2, 0); err != nil {
		t.Fatal(err)
	}
	job.WriteBlock([]byte("abc"))
	if err := job.CancelWrite(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dest2); !os.IsNotExist(err) {
		t.Fatal("expected cancelled partial file to be removed")
	}
	if job.State() != JobCancelled {
		t.Fatalf("expected JobCancelled, got %v", job.State())
	}
}

func TestJobResumeOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	os.WriteFile(path, []byte("0123456789"), 0644)
	if off := OffsetForResume(path); off != 10 {
		t.Fatalf("expected offset 10, got %d", off)
	}

	job := NewJob(2, "/local", "/remote", false, false, nil)
	if err := job.OpenForWrite(path, 10); err != nil {
		t.Fatal(err)
	}
	job.WriteBlock([]byte("ABC"))
	job.WriteDone(0)

	data, _ := os.ReadFile(path)
	if string(data) != "0123456789ABC" {
		t.Fatalf("unexpected resumed content: %q", data)
	}
}

func TestJobOpenForReadAdvancesOnDone(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(src, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	job := NewJob(3, src, "/remote/out.bin", false, false, []FileEntry{{Name: "out.bin", Size: 10}})
	f, size, err := job.OpenForRead(src, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if size != 10 {
		t.Fatalf("expected size 10, got %d", size)
	}

	buf := make([]byte, 4)
	n, _ := f.Read(buf)
	if string(buf[:n]) != "0123" {
		t.Fatalf("unexpected read content: %q", buf[:n])
	}

	job.ReadDone()
	if job.FileNum() != 1 {
		t.Fatalf("expected fileNum advanced to 1, got %d", job.FileNum())
	}
}

func TestJobOpenForReadResumesAtOffset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(src, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	job := NewJob(4, src, "/remote/out.bin", false, false, nil)
	f, _, err := job.OpenForRead(src, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 5)
	n, _ := f.Read(buf)
	if string(buf[:n]) != "56789" {
		t.Fatalf("expected read to resume at offset 5, got %q", buf[:n])
	}
}
