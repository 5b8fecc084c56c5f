package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaydesk/host/internal/filetransfer"
	"github.com/relaydesk/host/internal/ipc"
	"github.com/relaydesk/host/internal/logging"
	"github.com/relaydesk/host/internal/sessionbroker"
	"github.com/relaydesk/host/internal/wire"
)

var cmCmd = &cobra.Command{
	Use:   "cm",
	Short: "Run the per-connection manager process",
	Long: `The connection manager owns the inbound file-transfer write jobs and
user prompts for every live session. It listens on the "_cm" IPC channel;
the service forwards FS messages to it so the write side of a transfer
never runs inside the network service process.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConnectionManager(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(cmCmd)
}

// writeJobTable holds the connection manager's write jobs, keyed by
// (connection, job).
type writeJobTable struct {
	mu   sync.Mutex
	jobs map[[2]int32]*filetransfer.Job
}

func newWriteJobTable() *writeJobTable {
	return &writeJobTable{jobs: make(map[[2]int32]*filetransfer.Job)}
}

func (t *writeJobTable) get(connID, jobID int32) (*filetransfer.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[[2]int32{connID, jobID}]
	return job, ok
}

func (t *writeJobTable) put(connID, jobID int32, job *filetransfer.Job) {
	t.mu.Lock()
	t.jobs[[2]int32{connID, jobID}] = job
	t.mu.Unlock()
}

func (t *writeJobTable) remove(connID, jobID int32) {
	t.mu.Lock()
	delete(t.jobs, [2]int32{connID, jobID})
	t.mu.Unlock()
}

func runConnectionManager() error {
	logging.Init("text", "info", os.Stdout)
	log = logging.L("cm")

	socket := ipc.SocketPathFor(ipc.PostfixCM)
	free, err := ipc.EvictStale(socket)
	if err != nil {
		return fmt.Errorf("cm: %w", err)
	}
	if !free {
		return fmt.Errorf("cm: another connection manager owns %s", socket)
	}
	if err := ipc.WritePIDFile(socket); err != nil {
		log.Warn("cm pid file write failed", "error", err)
	}
	defer ipc.RemovePIDFile(socket)

	jobs := newWriteJobTable()
	broker := sessionbroker.New(socket, func(session *sessionbroker.Session, env *ipc.Envelope) {
		if env.Type != ipc.TypeData {
			return
		}
		d, err := ipc.DataFromEnvelope(env)
		if err != nil || d.Kind != ipc.DataFS || d.FS == nil {
			return
		}
		if reply := handleFS(jobs, d.FS); reply != nil {
			if err := session.SendNotify(env.ID, ipc.TypeData, &ipc.Data{Kind: ipc.DataFS, FS: reply}); err != nil {
				log.Warn("cm fs reply failed", "error", err)
			}
		}
	})

	stopCh := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		close(stopCh)
	}()

	log.Info("connection manager listening", "socket", socket)
	return broker.Listen(stopCh)
}

// handleFS drives one forwarded FS message through the write-job table.
// Errors come back as an "error" FS action, never as a dropped message, so
// the service can surface them as FileResponse to the peer.
func handleFS(jobs *writeJobTable, fs *ipc.FS) *ipc.FS {
	fail := func(err error) *ipc.FS {
		return &ipc.FS{
			Action: "error", ConnID: fs.ConnID, JobID: fs.JobID,
			FileNum: fs.FileNum, Path: fs.Path, Error: err.Error(),
		}
	}

	switch fs.Action {
	case "check_digest":
		digest, err := filetransfer.DigestFor(fs.Path)
		if err != nil {
			return fail(err)
		}
		return &ipc.FS{
			Action: "digest", ConnID: fs.ConnID, JobID: fs.JobID, FileNum: fs.FileNum,
			Path: fs.Path, FileSize: digest.FileSize, LastModified: digest.LastModified,
		}
	case "new_write":
		entries := make([]filetransfer.FileEntry, 0, len(fs.Files))
		for _, f := range fs.Files {
			entries = append(entries, filetransfer.FileEntry{
				Name: f.Name, Size: int64(f.Size), ModifiedTime: f.ModifiedTime,
			})
		}
		job := filetransfer.NewJob(fs.JobID, fs.Path, fs.Path, true, false, entries)
		if err := job.OpenForWrite(fs.Path, fs.Offset); err != nil {
			return fail(err)
		}
		jobs.put(fs.ConnID, fs.JobID, job)
	case "write_block":
		job, ok := jobs.get(fs.ConnID, fs.JobID)
		if !ok {
			return fail(fmt.Errorf("cm: unknown job %d", fs.JobID))
		}
		blk := wire.FileTransferBlock{JobID: fs.JobID, FileNum: fs.FileNum, Data: fs.Data, Compressed: fs.Compressed}
		data, err := filetransfer.BlockPayload(&blk, 0)
		if err != nil {
			return fail(err)
		}
		if err := job.WriteBlock(data); err != nil {
			return fail(err)
		}
	case "write_done":
		job, ok := jobs.get(fs.ConnID, fs.JobID)
		if !ok {
			return fail(fmt.Errorf("cm: unknown job %d", fs.JobID))
		}
		if err := job.WriteDone(fs.LastModified); err != nil {
			return fail(err)
		}
		jobs.remove(fs.ConnID, fs.JobID)
		return &ipc.FS{Action: "done", ConnID: fs.ConnID, JobID: fs.JobID, FileNum: fs.FileNum}
	case "cancel_write":
		if job, ok := jobs.get(fs.ConnID, fs.JobID); ok {
			if err := job.CancelWrite(); err != nil {
				log.Warn("cm cancel cleanup failed", "job", fs.JobID, "error", err)
			}
			jobs.remove(fs.ConnID, fs.JobID)
		}
	default:
		log.Debug("cm: unhandled fs action", "action", fs.Action)
	}
	return nil
}
