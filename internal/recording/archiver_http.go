package recording

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/relaydesk/host/internal/httputil"
)

// maxHTTPArchiveSize caps what the HTTP backend will buffer for upload;
// larger recordings belong on one of the object-store backends.
const maxHTTPArchiveSize = 256 * 1024 * 1024

// HTTPArchiver POSTs recordings to a webhook-style endpoint, for
// deployments that collect recordings behind their own ingest service
// rather than an object store.
type HTTPArchiver struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// NewHTTPArchiver targets endpoint; authToken, when set, is sent as a
// bearer token.
func NewHTTPArchiver(endpoint, authToken string) *HTTPArchiver {
	return &HTTPArchiver{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{},
	}
}

// Archive uploads localPath as one POST with retry/backoff.
func (a *HTTPArchiver) Archive(ctx context.Context, localPath, remoteKey string) error {
	f, size, err := openForUpload(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if size > maxHTTPArchiveSize {
		return fmt.Errorf("recording: %s is %d bytes, over the http backend's %d limit", remoteKey, size, maxHTTPArchiveSize)
	}

	body, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("recording: read %s: %w", localPath, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")
	headers.Set("X-Recording-Key", remoteKey)
	if a.authToken != "" {
		headers.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := httputil.Do(ctx, a.client, http.MethodPost, a.endpoint, body, headers, httputil.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("recording: http archive: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("recording: http archive: unexpected status %d", resp.StatusCode)
	}
	return nil
}
