package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSConfig holds configuration for the GCS archive.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// GCSUploader archives traces to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS builds a GCS-backed archive using application default
// credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: create gcs client: %w", err)
	}
	return &GCSUploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, trace []byte) (string, error) {
	addr := Address(trace)
	name, err := objectName(u.prefix, addr)
	if err != nil {
		return "", err
	}

	obj := u.client.Bucket(u.bucket).Object(name)
	if _, err := obj.Attrs(ctx); err == nil {
		return addr, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(trace); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("export: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("export: gcs close failed: %w", err)
	}
	return addr, nil
}

func (u *GCSUploader) Fetch(ctx context.Context, addr string) ([]byte, error) {
	name, err := objectName(u.prefix, addr)
	if err != nil {
		return nil, err
	}
	r, err := u.client.Bucket(u.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: gcs get failed for %s: %w", addr, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("export: gcs read failed for %s: %w", addr, err)
	}
	return data, nil
}

func (u *GCSUploader) Exists(ctx context.Context, addr string) (bool, error) {
	name, err := objectName(u.prefix, addr)
	if err != nil {
		return false, err
	}
	_, err = u.client.Bucket(u.bucket).Object(name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("export: gcs attrs error: %w", err)
	}
	return true, nil
}

func (u *GCSUploader) Close() error { return u.client.Close() }
