// Package filetransfer implements the session-embedded job/block protocol:
// resumable, chunked, bidirectional file transfer with digest-based resume
// detection and optional per-block LZ4 compression, layered on internal/
// wire's FileAction/FileResponse/FileTransferBlock envelope types.
package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaydesk/host/internal/logging"
	"github.com/relaydesk/host/internal/wire"
)

var jobLog = logging.L("filetransfer")

// FileEntry is one file within a transfer job's directory listing.
type FileEntry struct {
	Name         string
	Size         int64
	ModifiedTime int64 // unix seconds
}

// JobState is the lifecycle stage of a TransferJob.
type JobState int

const (
	JobActive JobState = iota
	JobDone
	JobCancelled
	JobErrored
)

// Job represents one directory upload/download, matching the data model in
// spec.md §3.
type Job struct {
	ID         int32
	Path       string
	RemotePath string
	IsRemote   bool
	ShowHidden bool

	mu          sync.Mutex
	files       []FileEntry
	fileNum     int32
	finishedSz  uint64
	offset      int64
	state       JobState
	destHandle  *os.File
	destPath    string
}

// NewJob constructs a job over files, starting at FileNum 0.
func NewJob(id int32, path, remotePath string, isRemote, showHidden bool, files []FileEntry) *Job {
	return &Job{
		ID:         id,
		Path:       path,
		RemotePath: remotePath,
		IsRemote:   isRemote,
		ShowHidden: showHidden,
		files:      files,
	}
}

// FileNum returns the current file index. Monotonically non-decreasing for
// the job's lifetime per spec.md §3's invariant.
func (j *Job) FileNum() int32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fileNum
}

// CurrentFile returns the FileEntry at the current index, or false if the
// job has advanced past the last file.
func (j *Job) CurrentFile() (FileEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if int(j.fileNum) >= len(j.files) {
		return FileEntry{}, false
	}
	return j.files[j.fileNum], true
}

// advance moves to the next file, never backward.
func (j *Job) advance() {
	j.mu.Lock()
	j.fileNum++
	j.offset = 0
	j.mu.Unlock()
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// ResumeDecision enumerates the three outcomes of comparing a sender's
// digest against the receiver's existing file, per spec.md §4.7.
type ResumeDecision int

const (
	ResumeSkip ResumeDecision = iota
	ResumeFresh
	ResumeAskUser
)

// DecideResume implements the receiver-side resume protocol: stat the
// destination, compare against the sender's digest, and decide whether to
// skip (identical), start fresh (absent), or prompt the user to choose
// override/skip (present but different).
func DecideResume(destPath string, senderDigest wire.FileDigest) (ResumeDecision, wire.FileDigest) {
	info, err := os.Stat(destPath)
	if os.IsNotExist(err) {
		return ResumeFresh, wire.FileDigest{}
	}
	if err != nil {
		return ResumeFresh, wire.FileDigest{}
	}

	existing := wire.FileDigest{
		FileSize:     info.Size(),
		LastModified: info.ModTime().Unix(),
	}
	if existing.FileSize == senderDigest.FileSize && existing.LastModified == senderDigest.LastModified {
		return ResumeSkip, existing
	}
	return ResumeAskUser, existing
}

// OffsetForResume computes the byte offset a receiver should request when
// the user (or an automatic policy) chooses to resume rather than
// overwrite: simply the existing file's current size, since blocks are
// appended in order.
func OffsetForResume(destPath string) int64 {
	info, err := os.Stat(destPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// OpenForWrite opens (or creates, or resumes at offset) the destination
// file for this job's current entry.
func (j *Job) OpenForWrite(destPath string, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("filetransfer: mkdir: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("filetransfer: open %s: %w", destPath, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			return fmt.Errorf("filetransfer: seek: %w", err)
		}
	}
	j.mu.Lock()
	j.destHandle = f
	j.destPath = destPath
	j.offset = offset
	j.mu.Unlock()
	return nil
}

// WriteBlock writes one FileTransferBlock's payload (already decompressed
// by the caller if Compressed was set) to the currently open destination.
func (j *Job) WriteBlock(data []byte) error {
	j.mu.Lock()
	f := j.destHandle
	j.mu.Unlock()
	if f == nil {
		return fmt.Errorf("filetransfer: no open destination for job %d", j.ID)
	}
	n, err := f.Write(data)
	if err != nil {
		return fmt.Errorf("filetransfer: write: %w", err)
	}
	j.mu.Lock()
	j.finishedSz += uint64(n)
	j.offset += int64(n)
	j.mu.Unlock()
	return nil
}

// WriteDone finalizes the current file: preserves the sender's mtime on the
// destination (spec.md §4.7), closes the handle, and advances file_num.
func (j *Job) WriteDone(modifiedTime int64) error {
	j.mu.Lock()
	f := j.destHandle
	path := j.destPath
	j.destHandle = nil
	j.mu.Unlock()

	if f != nil {
		f.Close()
	}
	if path != "" && modifiedTime > 0 {
		mt := time.Unix(modifiedTime, 0)
		if err := os.Chtimes(path, mt, mt); err != nil {
			jobLog.Warn("filetransfer: preserve mtime failed", "path", path, "error", err)
		}
	}
	j.advance()
	return nil
}

// OpenForRead opens the job's source file for an outbound read, seeking to
// offset so the peer's resume decision (§4.7) is honored on the send side
// too: a requester that already has the first N bytes asks to resume at N
// rather than re-reading the whole file.
func (j *Job) OpenForRead(srcPath string, offset int64) (*os.File, int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, 0, fmt.Errorf("filetransfer: open %s: %w", srcPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("filetransfer: stat %s: %w", srcPath, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("filetransfer: seek: %w", err)
		}
	}
	j.mu.Lock()
	j.destPath = srcPath
	j.offset = offset
	j.mu.Unlock()
	return f, info.Size(), nil
}

// ReadDone marks an outbound read job's current file finished and advances
// file_num, mirroring WriteDone's bookkeeping for the receive side.
func (j *Job) ReadDone() {
	j.advance()
}

// CancelWrite removes any partially-written destination file for the
// current entry, per spec.md §3's invariant on cancellation.
func (j *Job) CancelWrite() error {
	j.mu.Lock()
	f := j.destHandle
	path := j.destPath
	j.destHandle = nil
	j.state = JobCancelled
	j.mu.Unlock()

	if f != nil {
		f.Close()
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filetransfer: remove partial file: %w", err)
	}
	return nil
}

// Finish marks the job done after all files have been processed.
func (j *Job) Finish() {
	j.mu.Lock()
	j.state = JobDone
	j.mu.Unlock()
}

// Fail marks the job errored; callers surface this as
// wire.FileResponse{Error}, never fatal to the owning session.
func (j *Job) Fail(err error) wire.FileResponse {
	j.mu.Lock()
	j.state = JobErrored
	fn := j.fileNum
	j.mu.Unlock()
	return wire.FileResponse{JobID: j.ID, FileNum: fn, Error: err.Error()}
}
