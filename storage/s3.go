package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
)

// maxObjectSize caps reads to prevent resource exhaustion. Live photo
// videos are the largest objects we handle and stay well under this.
const maxObjectSize = 1 * 1024 * 1024 * 1024 // 1GiB

// S3 is an S3-compatible Provider.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	baseURL string
	logger  logrus.FieldLogger
}

// S3Config holds S3 provider configuration.
type S3Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	// Bucket is the bucket holding photo objects
	Bucket string

	// Endpoint overrides the S3 endpoint for S3-compatible stores
	// (MinIO, R2). Empty means AWS.
	Endpoint string

	// PublicBaseURL is the base under which objects are publicly served,
	// e.g. a CDN domain. Object URLs are PublicBaseURL + "/" + key.
	PublicBaseURL string
}

// DefaultS3Config returns a default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region: "us-east-1",
		Bucket: "lumaframe-photos",
	}
}

// NewS3 creates an S3-backed provider.
//
// The client uses the AWS SDK default credential chain (environment,
// shared credentials file, IAM role). When no credentials are present in
// the environment, anonymous credentials are used so public buckets still
// work in development.
func NewS3(ctx context.Context, cfg S3Config, logger logrus.FieldLogger) (*S3, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// If no credentials provided in env, use anonymous
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if logger == nil {
		logger = logrus.New()
	}

	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		baseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		logger:  logger,
	}, nil
}

// Read returns the full contents of the object at key.
func (p *S3) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}

	// Check size before pulling the body into memory.
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}
	if head.ContentLength != nil && *head.ContentLength > maxObjectSize {
		return nil, &lumaframe.StorageError{
			Op: "read", Key: key,
			Err: fmt.Errorf("object too large: %s (max %s)", humanBytes(*head.ContentLength), humanBytes(maxObjectSize)),
		}
	}

	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: err}
	}
	if int64(len(data)) > maxObjectSize {
		return nil, &lumaframe.StorageError{Op: "read", Key: key, Err: fmt.Errorf("object exceeds size limit")}
	}

	p.logger.WithFields(logrus.Fields{
		"bucket": p.bucket,
		"key":    key,
		"size":   humanBytes(int64(len(data))),
	}).Debug("s3 object read")

	return data, nil
}

// Create writes data to key.
func (p *S3) Create(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return &lumaframe.StorageError{Op: "create", Key: key, Err: err}
	}

	p.logger.WithFields(logrus.Fields{
		"bucket": p.bucket,
		"key":    key,
		"size":   humanBytes(int64(len(data))),
	}).Info("s3 object written")

	return nil
}

// Delete removes the object at key. S3 DeleteObject is idempotent, so a
// missing object is not an error.
func (p *S3) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return &lumaframe.StorageError{Op: "delete", Key: key, Err: err}
	}

	if _, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return &lumaframe.StorageError{Op: "delete", Key: key, Err: err}
	}

	p.logger.WithFields(logrus.Fields{
		"bucket": p.bucket,
		"key":    key,
	}).Info("s3 object deleted")

	return nil
}

// Exists checks if an object exists.
func (p *S3) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, &lumaframe.StorageError{Op: "head", Key: key, Err: err}
	}

	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// The SDK does not expose a typed NotFound for HeadObject.
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, &lumaframe.StorageError{Op: "head", Key: key, Err: err}
	}
	return true, nil
}

// SignedUploadURL mints a presigned PUT URL so clients can upload directly
// to the bucket.
func (p *S3) SignedUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", &lumaframe.StorageError{Op: "presign", Key: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := p.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", &lumaframe.StorageError{Op: "presign", Key: key, Err: err}
	}
	return req.URL, nil
}

// GetURL returns the public URL for key.
func (p *S3) GetURL(key string) string {
	if p.baseURL != "" {
		return p.baseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", p.bucket, key)
}
