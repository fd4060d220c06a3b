package export

import (
	"context"
	"fmt"
)

// Backend names an archive implementation.
type Backend string

const (
	BackendDir Backend = "dir"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures an archive backend.
type Config struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// Dir is the local directory for the dir backend.
	Dir string `json:"dir" yaml:"dir"`
	S3  S3Config
	GCS GCSConfig
}

// New builds the configured archive. An empty backend defaults to a
// local directory under "traces".
func New(ctx context.Context, cfg Config) (Uploader, error) {
	switch cfg.Backend {
	case BackendDir, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "traces"
		}
		return NewDir(dir)
	case BackendS3:
		return NewS3(ctx, cfg.S3)
	case BackendGCS:
		return NewGCS(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("export: unsupported backend %q", cfg.Backend)
	}
}
