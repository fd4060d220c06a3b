package export

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the uploader uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds configuration for the S3 archive.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix (e.g. "traces/")
}

// S3Uploader archives traces to an S3 bucket.
type S3Uploader struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 builds an S3-backed archive from the default AWS credential
// chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})
	return NewS3WithClient(client, cfg), nil
}

// NewS3WithClient builds the archive over an existing client.
func NewS3WithClient(client s3API, cfg S3Config) *S3Uploader {
	return &S3Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

func (u *S3Uploader) Upload(ctx context.Context, trace []byte) (string, error) {
	addr := Address(trace)
	key, err := objectName(u.prefix, addr)
	if err != nil {
		return "", err
	}

	// HeadObject first keeps the upload idempotent.
	_, err = u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return addr, nil
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(trace),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("export: s3 put failed: %w", err)
	}
	return addr, nil
}

func (u *S3Uploader) Fetch(ctx context.Context, addr string) ([]byte, error) {
	key, err := objectName(u.prefix, addr)
	if err != nil {
		return nil, err
	}
	out, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("export: s3 get failed for %s: %w", addr, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("export: s3 read failed for %s: %w", addr, err)
	}
	return data, nil
}

func (u *S3Uploader) Exists(ctx context.Context, addr string) (bool, error) {
	key, err := objectName(u.prefix, addr)
	if err != nil {
		return false, err
	}
	_, err = u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (u *S3Uploader) Close() error { return nil }
