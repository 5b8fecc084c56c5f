package recording

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Archiver uploads a finished recording to off-host storage once the
// session ends, grounded on the same small interface the agent's generic
// backup providers expose.
type Archiver interface {
	Archive(ctx context.Context, localPath, remoteKey string) error
}

// ArchiveRecording hands localPath to arch under remoteKey and wraps any
// error with the key. A nil arch is a no-op. Each Archiver implementation
// opens localPath itself (through openForUpload).
func ArchiveRecording(ctx context.Context, arch Archiver, localPath, remoteKey string) error {
	if arch == nil {
		return nil
	}
	if err := arch.Archive(ctx, localPath, remoteKey); err != nil {
		return fmt.Errorf("recording: archive %s: %w", remoteKey, err)
	}
	return nil
}

func openForUpload(localPath string) (*os.File, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, fmt.Errorf("recording: open %s: %w", localPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("recording: stat %s: %w", localPath, err)
	}
	return f, info.Size(), nil
}

var _ io.Reader = (*os.File)(nil)
