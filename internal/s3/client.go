package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/byok-gateway/internal/config"
)

// Client is the object store used to archive audit batches.
type Client interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client *s3.Client
	bucket string
}

// NewClient creates an archive client for the configured bucket.
func NewClient(ctx context.Context, cfg *config.ArchiveConfig) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	// Static keys are optional; without them the default AWS credential chain applies.
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &s3Client{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads body under key.
func (c *s3Client) PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// ErrorCode extracts the S3 error code from err, "" when err did not come from the service.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsRetryable reports whether err is a throttling or server-side fault worth retrying on the next flush.
func IsRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		code := apiErr.ErrorCode()
		return strings.Contains(code, "Throttl") || code == "SlowDown" || code == "RequestTimeout"
	}
	var opErr *smithy.OperationError
	return errors.As(err, &opErr) && !errors.Is(err, context.Canceled)
}
