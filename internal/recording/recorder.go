// Package recording implements session recording and playback: an
// append-only capture of encoded video/audio frames to disk (spec.md §3's
// C7 extension — "the host may optionally record a session to a local
// file"), a player that replays a recording through the same frame
// consumer a live viewer would use, and pluggable cloud archive backends
// grounded on internal/backup/providers' BackupProvider shape.
package recording

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("recording")

// FrameKind distinguishes the two streams multiplexed into one recording.
type FrameKind uint8

const (
	FrameVideo FrameKind = iota
	FrameAudio
)

// frameHeader is written before every recorded frame: kind, capture
// timestamp relative to recording start (ms), and payload length.
type frameHeader struct {
	Kind      uint8
	_         [7]byte // pad to keep the struct 8-byte aligned on disk
	OffsetMs  int64
	Length    uint32
}

const headerSize = 1 + 7 + 8 + 4

// Recorder appends encoded frames to a single file. Write, Frames and Close
// are serialized by an internal mutex.
type Recorder struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	started time.Time
	frames  int64
	bytes   int64
}

// NewRecorder creates (truncating) path and begins a recording anchored at
// the current time.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create %s: %w", path, err)
	}
	return &Recorder{
		f:       f,
		w:       bufio.NewWriterSize(f, 64*1024),
		started: time.Now(),
	}, nil
}

// Write appends one frame's payload, stamped with its offset from
// recording start.
func (r *Recorder) Write(kind FrameKind, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hdr := make([]byte, headerSize)
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(time.Since(r.started).Milliseconds()))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))

	if _, err := r.w.Write(hdr); err != nil {
		return fmt.Errorf("recording: write header: %w", err)
	}
	if _, err := r.w.Write(payload); err != nil {
		return fmt.Errorf("recording: write payload: %w", err)
	}
	r.frames++
	r.bytes += int64(len(payload))
	return nil
}

// Frames reports how many frames have been written so far.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close flushes buffered data and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return fmt.Errorf("recording: flush: %w", err)
	}
	log.Info("recording closed", "path", r.f.Name(), "frames", r.frames, "bytes", r.bytes)
	return r.f.Close()
}

// Frame is one decoded record handed to a Player's sink.
type Frame struct {
	Kind     FrameKind
	OffsetMs int64
	Payload  []byte
}

// Player streams a previously written recording back out, reading exactly
// the format Recorder produced.
type Player struct {
	r *bufio.Reader
	f *os.File
}

// OpenPlayer opens path for sequential playback.
func OpenPlayer(path string) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recording: open %s: %w", path, err)
	}
	return &Player{f: f, r: bufio.NewReaderSize(f, 64*1024)}, nil
}

// Next returns the following frame, or io.EOF once the recording is
// exhausted.
func (p *Player) Next() (Frame, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(p.r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	kind := FrameKind(hdr[0])
	offset := int64(binary.LittleEndian.Uint64(hdr[8:16]))
	length := binary.LittleEndian.Uint32(hdr[16:20])

	payload := make([]byte, length)
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return Frame{}, fmt.Errorf("recording: read payload: %w", err)
	}
	return Frame{Kind: kind, OffsetMs: offset, Payload: payload}, nil
}

// Close releases the underlying file handle.
func (p *Player) Close() error {
	return p.f.Close()
}

// Play drains every frame in real-time cadence (sleeping between frames
// according to their recorded offsets) into sink, stopping early if sink
// returns an error or stop is closed. This is what the "--play <file>"
// CLI path drives.
func Play(path string, sink func(Frame) error, stop <-chan struct{}) error {
	p, err := OpenPlayer(path)
	if err != nil {
		return err
	}
	defer p.Close()

	start := time.Now()
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		fr, err := p.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		wait := time.Duration(fr.OffsetMs)*time.Millisecond - time.Since(start)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-stop:
				return nil
			}
		}
		if err := sink(fr); err != nil {
			return fmt.Errorf("recording: sink: %w", err)
		}
	}
}
