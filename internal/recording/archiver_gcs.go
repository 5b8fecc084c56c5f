package recording

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads recordings to a Google Cloud Storage bucket, grounded
// on the same client the agent's other cloud-storage integrations use.
type GCSArchiver struct {
	bucket *storage.BucketHandle
}

// NewGCSArchiver builds an archiver for bucketName using the default
// application credentials (or GOOGLE_APPLICATION_CREDENTIALS).
func NewGCSArchiver(ctx context.Context, bucketName string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("recording: gcs client: %w", err)
	}
	return &GCSArchiver{bucket: client.Bucket(bucketName)}, nil
}

// Archive uploads localPath as object remoteKey.
func (a *GCSArchiver) Archive(ctx context.Context, localPath, remoteKey string) error {
	f, _, err := openForUpload(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := a.bucket.Object(remoteKey).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("recording: gcs copy: %w", err)
	}
	return w.Close()
}
