package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tablerelay/tablerelay/internal/state"
)

// objectPutter is the slice of the S3 client the exporter needs.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter writes each finished conversation as a JSON object under
// transcripts/<user>/<session_id>.json.
type S3Exporter struct {
	client objectPutter
	bucket string
	logger *slog.Logger
}

// NewS3Exporter builds an exporter using the ambient AWS configuration
// (environment, shared config, instance role).
func NewS3Exporter(ctx context.Context, bucket string, logger *slog.Logger) (*S3Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}
	return NewS3ExporterWithClient(s3.NewFromConfig(cfg), bucket, logger), nil
}

// NewS3ExporterWithClient wraps an existing client, mainly for tests.
func NewS3ExporterWithClient(client objectPutter, bucket string, logger *slog.Logger) *S3Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Exporter{client: client, bucket: bucket, logger: logger}
}

// Archive uploads the conversation transcript.
func (e *S3Exporter) Archive(ctx context.Context, conv *state.Conversation) error {
	body, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("archive %s: marshal: %w", conv.SessionID, err)
	}

	key := fmt.Sprintf("transcripts/%s/%s.json", conv.User, conv.SessionID)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: put s3://%s/%s: %w", conv.SessionID, e.bucket, key, err)
	}

	e.logger.Debug("transcript exported", "bucket", e.bucket, "key", key)
	return nil
}
