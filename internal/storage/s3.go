package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 implements ObjectStorage for AWS S3 and S3-compatible stores (MinIO,
// LocalStack). Segments are immutable objects, so plain PutObject with
// retry covers the write path; there is no overwrite contention to manage.
type S3 struct {
	client     *s3.Client
	bucket     string
	maxRetries int
}

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Region is the AWS region for the bucket.
	Region string

	// Endpoint is an optional custom endpoint for S3-compatible storage.
	Endpoint string

	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
}

// NewS3 creates an S3 storage backend for the bucket.
func NewS3(ctx context.Context, bucket string, cfg S3Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     bucket,
		maxRetries: 3,
	}, nil
}

// NewS3WithClient creates an S3 backend with a pre-configured client,
// useful for tests against MinIO/LocalStack.
func NewS3WithClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket, maxRetries: 3}
}

// Upload puts the local file at objectPath.
func (s *S3) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	err = s.retryWithBackoff(ctx, func() error {
		if _, err := file.Seek(0, 0); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

// Download gets the object to localPath.
func (s *S3) Download(ctx context.Context, objectPath, localPath string) error {
	var body []byte

	err := s.retryWithBackoff(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = buf
		return nil
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	if err := os.WriteFile(localPath, body, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes the object; missing objects are ignored (S3 delete is
// idempotent by contract).
func (s *S3) Delete(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether the object is present.
func (s *S3) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns all object keys under the prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// retryWithBackoff retries transient failures with exponential backoff.
func (s *S3) retryWithBackoff(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
