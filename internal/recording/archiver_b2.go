package recording

import (
	"context"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"
)

// B2Archiver uploads recordings to a Backblaze B2 bucket.
type B2Archiver struct {
	bucket *b2.Bucket
}

// NewB2Archiver authenticates against B2 with an application key pair and
// opens bucketName for writing.
func NewB2Archiver(ctx context.Context, accountID, applicationKey, bucketName string) (*B2Archiver, error) {
	client, err := b2.NewClient(ctx, accountID, applicationKey)
	if err != nil {
		return nil, fmt.Errorf("recording: b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("recording: b2 bucket %s: %w", bucketName, err)
	}
	return &B2Archiver{bucket: bucket}, nil
}

// Archive uploads localPath as object remoteKey.
func (a *B2Archiver) Archive(ctx context.Context, localPath, remoteKey string) error {
	f, _, err := openForUpload(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := a.bucket.Object(remoteKey).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("recording: b2 copy: %w", err)
	}
	return w.Close()
}
