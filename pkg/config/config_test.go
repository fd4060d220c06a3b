package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failcore/failcore/pkg/export"
	"github.com/failcore/failcore/pkg/sink"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "block", cfg.DLPMode)
	assert.Equal(t, "whole", cfg.TaintPropagation)
	assert.Equal(t, string(sink.SyncAtRunEnd), cfg.FileSyncAt)
	assert.Equal(t, sink.DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, "memory", cfg.AuditBackend)
	assert.True(t, cfg.DropOnFull)
	assert.Zero(t, cfg.MaxCostUSD, "cost caps default to unlimited")
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dlp_mode: sanitize
max_cost_usd: 2.5
queue_size: 64
export_backend: s3
export_s3_bucket: trace-archive
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sanitize", cfg.DLPMode)
	assert.Equal(t, 2.5, cfg.MaxCostUSD)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, "trace-archive", cfg.Export().S3.Bucket)
	assert.Equal(t, export.BackendS3, cfg.Export().Backend)
	// Untouched options keep their defaults.
	assert.Equal(t, "strict", cfg.BoundaryPreset)
}

func TestFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dlp_modee: block\n"), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "dlp_modee")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dlp_mode: sanitize\n"), 0o644))
	t.Setenv("FAILCORE_DLP_MODE", "warn")
	t.Setenv("FAILCORE_MAX_TOKENS", "5000")
	t.Setenv("FAILCORE_DROP_ON_FULL", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.DLPMode)
	assert.Equal(t, int64(5000), cfg.MaxTokens)
	assert.False(t, cfg.DropOnFull)
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("FAILCORE_MAX_COST_USD", "two dollars")

	_, err := Load("")
	require.ErrorContains(t, err, "FAILCORE_MAX_COST_USD")
}

func TestValidateEnums(t *testing.T) {
	cases := map[string]Config{}

	bad := Default()
	bad.DLPMode = "maybe"
	cases["dlp_mode"] = bad

	bad = Default()
	bad.FileSyncAt = "never"
	cases["file_sync_at"] = bad

	bad = Default()
	bad.AuditBackend = "oracle"
	cases["audit_backend"] = bad

	bad = Default()
	bad.QueueSize = 0
	cases["queue_size"] = bad

	for name, cfg := range cases {
		err := cfg.validate()
		require.ErrorContains(t, err, name)
	}
}

func TestBudgetConversion(t *testing.T) {
	cfg := Default()
	cfg.MaxCostUSD = 1.5
	cfg.MaxAPICalls = 10

	b := cfg.Budget()
	assert.Equal(t, 1.5, b.MaxCostUSD)
	assert.Equal(t, int64(10), b.MaxAPICalls)
	assert.Equal(t, sink.SyncAtRunEnd, cfg.SyncPolicy())
}
