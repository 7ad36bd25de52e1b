package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const artifactPrefix = "artifacts"

// S3Service is the blob store backed by a single S3 bucket. Artifact ids are object keys.
type S3Service struct {
	client     *s3.Client
	bucketName string
	logger     hclog.Logger
}

func NewS3Service(client *s3.Client, bucketName string, logger hclog.Logger) *S3Service {
	return &S3Service{client: client, bucketName: bucketName, logger: logger.Named("s3")}
}

// Download streams the object with the given key into w.
func (service *S3Service) Download(ctx context.Context, key string, w io.Writer) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	resp, err := service.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(service.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("couldn't download object with key: %s, AWS error: %w", key, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write object data: %w", err)
	}
	service.logger.Debug("download success", "key", key, "bytes", n)
	return nil
}

// Upload stores body under a fresh key derived from name and returns that key.
// body should be seekable (file or bytes reader) so the SDK can sign the payload.
func (service *S3Service) Upload(ctx context.Context, name string, body io.Reader, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	key := path.Join(artifactPrefix, uuid.NewString(), path.Base(name))
	input := &s3.PutObjectInput{
		Bucket:            aws.String(service.bucketName),
		Key:               aws.String(key),
		Body:              body,
		Metadata:          metadata,
		ContentType:       aws.String(contentType(name)),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if _, err := service.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	service.logger.Debug("upload success", "key", key)
	return key, nil
}

// Delete removes the object with the given key.
func (service *S3Service) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	if _, err := service.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(service.bucketName),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".mp4":
		return "video/mp4"
	case ".srt":
		return "application/x-subrip"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
