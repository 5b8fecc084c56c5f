package connection

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/relaydesk/host/internal/filetransfer"
	"github.com/relaydesk/host/internal/input"
	"github.com/relaydesk/host/internal/servicebus"
	"github.com/relaydesk/host/internal/wire"
)

// Serve drives one connection end-to-end: it authenticates the opening
// LoginRequest, then alternates between reading peer envelopes and pumping
// the connection's service-bus fan-out back onto the wire, until the peer
// disconnects, the handshake fails, or the connection is closed from
// elsewhere (idle timeout, admin kick). Meant to be run in its own
// goroutine per accepted connection.
func Serve(ctx context.Context, c *Connection, creds Credentials, throttle *Throttle, defaultPerms wire.Permissions) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection: panic in serve loop", "id", c.ID, "panic", r)
			c.Close("internal error")
		}
	}()
	defer c.Close("stream closed")

	if err := c.SendHash(); err != nil {
		return
	}

	env, err := c.Stream.Recv()
	if err != nil {
		return
	}
	if env.Type != wire.TypeLoginRequest {
		return
	}
	var req wire.LoginRequest
	if err := wire.Unmarshal(env, &req); err != nil {
		return
	}
	if err := c.HandleLogin(&req, creds, throttle, defaultPerms); err != nil {
		return
	}
	if !c.Authorized() {
		return
	}

	if req.ConnType == wire.ConnTypePortForward || req.ConnType == wire.ConnTypeRDP {
		servePortForward(ctx, c, req.Host, req.Port)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.RunHeartbeat(ctx)
	go pumpOutbound(ctx, c)

	var jobs fileJobTable
	for {
		env, err := c.Stream.Recv()
		if err != nil {
			if err != io.EOF {
				log.Debug("connection: recv error", "id", c.ID, "error", err)
			}
			return
		}
		c.MarkRecv()
		dispatch(c, env, &jobs)
	}
}

func dispatch(c *Connection, env *wire.Envelope, jobs *fileJobTable) {
	switch env.Type {
	case wire.TypeTestDelay:
		var td wire.TestDelay
		if wire.Unmarshal(env, &td) == nil {
			c.OnTestDelayReply(td.Time)
		}
	case wire.TypeKeyEvent:
		if !c.Permissions().Keyboard || c.PeerFlags().BlockInput {
			return
		}
		var ke wire.KeyEvent
		if wire.Unmarshal(env, &ke) == nil {
			input.InjectKey(ke.Code, ke.Down)
		}
	case wire.TypeMouseEvent:
		if c.PeerFlags().BlockInput {
			return
		}
		var me wire.MouseEvent
		if wire.Unmarshal(env, &me) == nil {
			input.InjectMouse(me.X, me.Y, me.Buttons, me.Down, me.WheelDY)
		}
	case wire.TypeClipboard:
		if !c.ClipboardAllowed() {
			return
		}
		var cb wire.Clipboard
		if wire.Unmarshal(env, &cb) == nil {
			c.publishClipboard(cb)
		}
	case wire.TypeFileAction:
		if !c.Permissions().File || !c.PeerFlags().EnableFileTransfer {
			return
		}
		var fa wire.FileAction
		if wire.Unmarshal(env, &fa) == nil {
			handleFileAction(c, jobs, &fa)
		}
	case wire.TypeMisc:
		var misc wire.Misc
		if wire.Unmarshal(env, &misc) == nil {
			handleMisc(c, &misc)
		}
	case wire.TypeFileBlock:
		if jobs.writing == nil {
			return
		}
		var blk wire.FileTransferBlock
		if wire.Unmarshal(env, &blk) != nil {
			return
		}
		data, err := filetransfer.BlockPayload(&blk, 0)
		if err != nil {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: blk.JobID, FileNum: blk.FileNum, Error: err.Error()})
			return
		}
		if err := jobs.writing.WriteBlock(data); err != nil {
			log.Warn("connection: file write block failed", "id", c.ID, "error", err)
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: blk.JobID, FileNum: blk.FileNum, Error: err.Error()})
		}
	default:
		log.Debug("connection: unhandled envelope type", "id", c.ID, "type", env.Type)
	}
}

func handleMisc(c *Connection, misc *wire.Misc) {
	if misc.Option != nil {
		c.ApplyOptionsAndResubscribe(misc.Option)
	}
	if misc.VideoReceived {
		c.OnVideoAck()
	}
}

// fileJobTable owns the in-flight filetransfer jobs for one connection.
// writing tracks whichever job is currently receiving FileTransferBlock
// chunks: the protocol only ever streams one file at a time per
// connection, matching FileNum's monotonic-per-job invariant.
type fileJobTable struct {
	jobs    map[int32]*filetransfer.Job
	writing *filetransfer.Job
}

// ensureJob returns the job for fa.JobID, creating a single-file job on
// first sight (send_digest, new_write and new_read may each arrive first).
func (t *fileJobTable) ensureJob(fa *wire.FileAction) *filetransfer.Job {
	if t.jobs == nil {
		t.jobs = make(map[int32]*filetransfer.Job)
	}
	if job, ok := t.jobs[fa.JobID]; ok {
		return job
	}
	job := filetransfer.NewJob(fa.JobID, fa.Path, fa.Path, true, false,
		[]filetransfer.FileEntry{{Name: filepath.Base(fa.Path)}})
	t.jobs[fa.JobID] = job
	return job
}

func handleFileAction(c *Connection, t *fileJobTable, fa *wire.FileAction) {
	if t.jobs == nil {
		t.jobs = make(map[int32]*filetransfer.Job)
	}
	switch fa.Action {
	case "send_digest":
		// The sender announces the next file; answer with skip (identical),
		// a fresh/resume offset, or echo the existing digest so the user can
		// choose override vs. skip.
		if fa.Digest == nil {
			return
		}
		decision, existing := filetransfer.DecideResume(fa.Path, *fa.Digest)
		switch decision {
		case filetransfer.ResumeSkip:
			// The job is created even though no bytes will arrive: the
			// sender still closes the file with write_done, and that must
			// advance file_num and produce the single done reply a written
			// file would get.
			t.ensureJob(fa)
			c.Stream.SendTyped(wire.TypeFileAction, &wire.FileAction{
				Action: "send_confirm", JobID: fa.JobID, FileNum: fa.FileNum, Skip: true,
			})
		case filetransfer.ResumeFresh:
			c.Stream.SendTyped(wire.TypeFileAction, &wire.FileAction{
				Action: "send_confirm", JobID: fa.JobID, FileNum: fa.FileNum, Offset: 0,
			})
		case filetransfer.ResumeAskUser:
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{
				JobID: fa.JobID, FileNum: fa.FileNum, Digest: &existing,
			})
		}
	case "new_write":
		job := t.ensureJob(fa)
		offset := fa.Offset
		if offset < 0 {
			offset = filetransfer.OffsetForResume(fa.Path)
		}
		if err := job.OpenForWrite(fa.Path, offset); err != nil {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
			return
		}
		t.writing = job
	case "new_read":
		job := t.ensureJob(fa)
		runBlocking(c, func() { serveReadJob(c, job, fa) })
	case "check_digest":
		digest, err := filetransfer.DigestFor(fa.Path)
		if err != nil {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
			return
		}
		c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Digest: &digest})
	case "write_done":
		job, ok := t.jobs[fa.JobID]
		if !ok {
			return
		}
		fileNum := job.FileNum()
		job.WriteDone(fa.ModifiedTime)
		if t.writing == job {
			t.writing = nil
		}
		// Exactly one done per finished file, skipped or written.
		c.Stream.SendTyped(wire.TypeFileAction, &wire.FileAction{
			Action: "done", JobID: fa.JobID, FileNum: fileNum,
		})
	case "cancel_write":
		if job, ok := t.jobs[fa.JobID]; ok {
			job.CancelWrite()
			if t.writing == job {
				t.writing = nil
			}
			delete(t.jobs, fa.JobID)
		}
	case "remove_file":
		if err := os.Remove(fa.Path); err != nil && !os.IsNotExist(err) {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
		}
	case "create_dir":
		if err := os.MkdirAll(fa.Path, 0755); err != nil {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
		}
	case "remove_dir":
		if err := os.RemoveAll(fa.Path); err != nil {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
		}
	default:
		log.Debug("connection: unhandled file action", "id", c.ID, "action", fa.Action, "job", fa.JobID)
	}
}

// runBlocking schedules fn on the server's blocking pool; with no server
// or pool (tests), or a saturated queue, it degrades to a goroutine.
func runBlocking(c *Connection, fn func()) {
	if srv := c.server.Value(); srv != nil && srv.Blocking != nil {
		if srv.Blocking.Submit(fn) {
			return
		}
	}
	go fn()
}

// serveReadJob answers a "new_read" FileAction by streaming the requested
// file back to the peer as FileTransferBlock chunks (the host's outbound
// read jobs, owned by the Connection per spec.md §3), then signals
// completion with a "read_done" FileAction carrying the source mtime so the
// requester can preserve it on its destination. Runs through runBlocking
// (the server's blocking pool, or its own goroutine) so a slow or large read never blocks the connection's single recv loop;
// Stream writes are mutex-serialized so this is safe alongside
// pumpOutbound.
func serveReadJob(c *Connection, job *filetransfer.Job, fa *wire.FileAction) {
	f, _, err := job.OpenForRead(fa.Path, fa.Offset)
	if err != nil {
		c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
		return
	}
	defer f.Close()

	var mtime int64
	if info, statErr := f.Stat(); statErr == nil {
		mtime = info.ModTime().Unix()
	}

	buf := make([]byte, filetransfer.BlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			blk := filetransfer.MakeBlock(fa.JobID, fa.FileNum, chunk)
			if sendErr := c.Stream.SendTyped(wire.TypeFileBlock, &blk); sendErr != nil {
				log.Debug("connection: read job send failed", "id", c.ID, "job", fa.JobID, "error", sendErr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.Stream.SendTyped(wire.TypeFileResponse, &wire.FileResponse{JobID: fa.JobID, FileNum: fa.FileNum, Error: err.Error()})
			return
		}
	}
	job.ReadDone()
	c.Stream.SendTyped(wire.TypeFileAction, &wire.FileAction{Action: "read_done", JobID: fa.JobID, FileNum: fa.FileNum, ModifiedTime: mtime})
}

// pumpOutbound drains the connection's service-bus subscriber channels and
// writes each message onto the wire, stopping when ctx is cancelled. Each
// subscription gets its own drain goroutine so a full video channel never
// delays cursor or clipboard updates; subscriptions added after login
// (permission flips, option updates) are picked up on the next refresh tick.
func pumpOutbound(ctx context.Context, c *Connection) {
	started := make(map[*servicebus.Subscriber]bool)
	refresh := time.NewTicker(500 * time.Millisecond)
	defer refresh.Stop()
	for {
		for _, sub := range c.Subscribers() {
			if sub == nil || started[sub] {
				continue
			}
			started[sub] = true
			go drainSubscriber(ctx, c, sub)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-refresh.C:
		}
	}
}

func drainSubscriber(ctx context.Context, c *Connection, sub *servicebus.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case msg := <-sub.Video:
			vf, ok := msg.Payload.(wire.VideoFrame)
			if !ok {
				continue
			}
			waitVideoCredit(ctx, c)
			c.Stream.SendTyped(wire.TypeVideoFrame, &vf)
		case msg := <-sub.Other:
			sendOther(c, msg)
		}
	}
}

// waitVideoCredit blocks until the connection may send its next video
// frame: when video_ack_required is set, frames are delayed behind the
// peer's ack, never dropped (dropping them causes larger decoder
// rebuffers than the added latency).
func waitVideoCredit(ctx context.Context, c *Connection) {
	for !c.VideoBackpressure() {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func sendOther(c *Connection, msg servicebus.Message) {
	switch payload := msg.Payload.(type) {
	case wire.AudioFrame:
		if c.PeerFlags().DisableAudio {
			return
		}
		c.Stream.SendTyped(wire.TypeAudioFrame, &payload)
	case wire.CursorPosition:
		if !c.PeerFlags().ShowRemoteCursor {
			return
		}
		c.Stream.SendTyped(wire.TypeCursorPosition, &payload)
	case wire.CursorData:
		c.Stream.SendTyped(wire.TypeCursorData, &payload)
	case wire.Clipboard:
		if !c.ClipboardAllowed() {
			return
		}
		c.Stream.SendTyped(wire.TypeClipboard, &payload)
	}
}
