package recording

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads recordings to an S3-compatible bucket via the
// multipart manager uploader, matching the shape of the agent's
// general-purpose backup-to-S3 provider.
type S3Archiver struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Archiver builds an archiver for bucket in region, optionally using
// static credentials (falls back to the default SDK credential chain when
// accessKeyID is empty).
func NewS3Archiver(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("recording: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{bucket: bucket, uploader: manager.NewUploader(client)}, nil
}

// Archive uploads localPath to s3://bucket/remoteKey.
func (a *S3Archiver) Archive(ctx context.Context, localPath, remoteKey string) error {
	f, _, err := openForUpload(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remoteKey),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("recording: s3 upload: %w", err)
	}
	return nil
}
