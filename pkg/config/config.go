// Package config loads the runtime's flat configuration: code defaults,
// overridden by an optional YAML file, then by FAILCORE_* environment
// variables. Load returns the struct by value; nothing mutates it
// afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/failcore/failcore/pkg/export"
	"github.com/failcore/failcore/pkg/guardian"
	"github.com/failcore/failcore/pkg/sink"
)

// Config enumerates every recognised option. Field names are flat;
// unknown keys in the YAML file are an error.
type Config struct {
	// Engine
	PolicyDir      string `yaml:"policy_dir"`
	RegistrySource string `yaml:"registry_source"`
	StrictSchema   bool   `yaml:"strict_schema"`

	// DLP
	DLPMode         string `yaml:"dlp_mode"` // block, sanitize, warn
	DLPRedact       bool   `yaml:"dlp_redact"`
	DLPMaxScanChars int    `yaml:"dlp_max_scan_chars"`

	// Semantic
	SemanticMinSeverity int      `yaml:"semantic_min_severity"`
	SemanticCategories  []string `yaml:"semantic_categories"`

	// Effects
	BoundaryPreset  string `yaml:"boundary_preset"` // none, strict, readonly, permissive
	EnforceBoundary bool   `yaml:"enforce_boundary"`

	// Taint
	TaintPropagation  string `yaml:"taint_propagation"` // whole, paths
	TaintMaxPathDepth int    `yaml:"taint_max_path_depth"`

	// Drift
	DriftAnalysisOnly    bool    `yaml:"drift_analysis_only"`
	DriftMagnitudeMedium float64 `yaml:"drift_magnitude_medium"`
	DriftMagnitudeHigh   float64 `yaml:"drift_magnitude_high"`

	// Cost
	MaxCostUSD      float64 `yaml:"max_cost_usd"`
	MaxTokens       int64   `yaml:"max_tokens"`
	MaxAPICalls     int64   `yaml:"max_api_calls"`
	MaxUSDPerMinute float64 `yaml:"max_usd_per_minute"`
	MaxUSDPerHour   float64 `yaml:"max_usd_per_hour"`

	// Sink
	QueueSize  int    `yaml:"queue_size"`
	DropOnFull bool   `yaml:"drop_on_full"`
	FileSyncAt string `yaml:"file_sync_at"` // run_end, every_event

	// Export
	ExportBackend    string `yaml:"export_backend"` // dir, s3, gcs
	ExportDir        string `yaml:"export_dir"`
	ExportS3Bucket   string `yaml:"export_s3_bucket"`
	ExportS3Region   string `yaml:"export_s3_region"`
	ExportS3Prefix   string `yaml:"export_s3_prefix"`
	ExportS3Endpoint string `yaml:"export_s3_endpoint"`
	ExportGCSBucket  string `yaml:"export_gcs_bucket"`
	ExportGCSPrefix  string `yaml:"export_gcs_prefix"`

	// Audit
	AuditBackend string `yaml:"audit_backend"` // memory, sqlite, postgres
	AuditDSN     string `yaml:"audit_dsn"`

	// Ambient
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Telemetry    bool   `yaml:"telemetry"`
}

// Default returns the code defaults.
func Default() Config {
	return Config{
		RegistrySource:       "builtin",
		DLPMode:              "block",
		DLPRedact:            true,
		DLPMaxScanChars:      65536,
		SemanticMinSeverity:  1,
		BoundaryPreset:       "strict",
		EnforceBoundary:      true,
		TaintPropagation:     "whole",
		TaintMaxPathDepth:    8,
		DriftMagnitudeMedium: 0.5,
		DriftMagnitudeHigh:   0.8,
		QueueSize:            sink.DefaultQueueSize,
		DropOnFull:           true,
		FileSyncAt:           string(sink.SyncAtRunEnd),
		ExportBackend:        string(export.BackendDir),
		ExportDir:            "traces",
		ExportS3Region:       "us-east-1",
		AuditBackend:         "memory",
		LogLevel:             "INFO",
		OTLPEndpoint:         "localhost:4317",
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (optional; "" skips the file), then environment overrides. Every
// value is validated against its enumeration before returning.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := unmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unmarshalStrict rejects YAML keys that are not recognised options.
func unmarshalStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays FAILCORE_* variables. getenv is injected for tests.
func (c *Config) applyEnv(getenv func(string) string) error {
	var err error
	setStr := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := getenv(key); v != "" && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := getenv(key); v != "" && err == nil {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := getenv(key); v != "" && err == nil {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = f
		}
	}

	setStr("FAILCORE_POLICY_DIR", &c.PolicyDir)
	setStr("FAILCORE_REGISTRY_SOURCE", &c.RegistrySource)
	setBool("FAILCORE_STRICT_SCHEMA", &c.StrictSchema)

	setStr("FAILCORE_DLP_MODE", &c.DLPMode)
	setBool("FAILCORE_DLP_REDACT", &c.DLPRedact)
	setInt("FAILCORE_DLP_MAX_SCAN_CHARS", &c.DLPMaxScanChars)

	setInt("FAILCORE_SEMANTIC_MIN_SEVERITY", &c.SemanticMinSeverity)

	setStr("FAILCORE_BOUNDARY_PRESET", &c.BoundaryPreset)
	setBool("FAILCORE_ENFORCE_BOUNDARY", &c.EnforceBoundary)

	setStr("FAILCORE_TAINT_PROPAGATION", &c.TaintPropagation)
	setInt("FAILCORE_TAINT_MAX_PATH_DEPTH", &c.TaintMaxPathDepth)

	setBool("FAILCORE_DRIFT_ANALYSIS_ONLY", &c.DriftAnalysisOnly)
	setFloat("FAILCORE_DRIFT_MAGNITUDE_MEDIUM", &c.DriftMagnitudeMedium)
	setFloat("FAILCORE_DRIFT_MAGNITUDE_HIGH", &c.DriftMagnitudeHigh)

	setFloat("FAILCORE_MAX_COST_USD", &c.MaxCostUSD)
	setInt64("FAILCORE_MAX_TOKENS", &c.MaxTokens)
	setInt64("FAILCORE_MAX_API_CALLS", &c.MaxAPICalls)
	setFloat("FAILCORE_MAX_USD_PER_MINUTE", &c.MaxUSDPerMinute)
	setFloat("FAILCORE_MAX_USD_PER_HOUR", &c.MaxUSDPerHour)

	setInt("FAILCORE_QUEUE_SIZE", &c.QueueSize)
	setBool("FAILCORE_DROP_ON_FULL", &c.DropOnFull)
	setStr("FAILCORE_FILE_SYNC_AT", &c.FileSyncAt)

	setStr("FAILCORE_EXPORT_BACKEND", &c.ExportBackend)
	setStr("FAILCORE_EXPORT_DIR", &c.ExportDir)
	setStr("FAILCORE_EXPORT_S3_BUCKET", &c.ExportS3Bucket)
	setStr("FAILCORE_EXPORT_S3_REGION", &c.ExportS3Region)
	setStr("FAILCORE_EXPORT_S3_PREFIX", &c.ExportS3Prefix)
	setStr("FAILCORE_EXPORT_S3_ENDPOINT", &c.ExportS3Endpoint)
	setStr("FAILCORE_EXPORT_GCS_BUCKET", &c.ExportGCSBucket)
	setStr("FAILCORE_EXPORT_GCS_PREFIX", &c.ExportGCSPrefix)

	setStr("FAILCORE_AUDIT_BACKEND", &c.AuditBackend)
	setStr("FAILCORE_AUDIT_DSN", &c.AuditDSN)

	setStr("FAILCORE_LOG_LEVEL", &c.LogLevel)
	setStr("FAILCORE_OTLP_ENDPOINT", &c.OTLPEndpoint)
	setBool("FAILCORE_TELEMETRY", &c.Telemetry)

	return err
}

func (c *Config) validate() error {
	if !oneOf(c.DLPMode, "block", "sanitize", "warn") {
		return fmt.Errorf("config: dlp_mode %q is not one of block, sanitize, warn", c.DLPMode)
	}
	if !oneOf(c.BoundaryPreset, "none", "strict", "readonly", "permissive") {
		return fmt.Errorf("config: boundary_preset %q is not a known preset", c.BoundaryPreset)
	}
	if !oneOf(c.TaintPropagation, "whole", "paths") {
		return fmt.Errorf("config: taint_propagation %q is not one of whole, paths", c.TaintPropagation)
	}
	if !oneOf(c.FileSyncAt, string(sink.SyncAtRunEnd), string(sink.SyncEveryEvent)) {
		return fmt.Errorf("config: file_sync_at %q is not one of run_end, every_event", c.FileSyncAt)
	}
	if !oneOf(c.ExportBackend, string(export.BackendDir), string(export.BackendS3), string(export.BackendGCS)) {
		return fmt.Errorf("config: export_backend %q is not one of dir, s3, gcs", c.ExportBackend)
	}
	if !oneOf(c.AuditBackend, "memory", "sqlite", "postgres") {
		return fmt.Errorf("config: audit_backend %q is not one of memory, sqlite, postgres", c.AuditBackend)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Budget converts the cost options into guardian caps.
func (c Config) Budget() guardian.Budget {
	return guardian.Budget{
		MaxCostUSD:      c.MaxCostUSD,
		MaxTokens:       c.MaxTokens,
		MaxAPICalls:     c.MaxAPICalls,
		MaxUSDPerMinute: c.MaxUSDPerMinute,
		MaxUSDPerHour:   c.MaxUSDPerHour,
	}
}

// SyncPolicy converts file_sync_at into the sink's type.
func (c Config) SyncPolicy() sink.SyncPolicy { return sink.SyncPolicy(c.FileSyncAt) }

// Export converts the export options into the archive factory config.
func (c Config) Export() export.Config {
	return export.Config{
		Backend: export.Backend(c.ExportBackend),
		Dir:     c.ExportDir,
		S3: export.S3Config{
			Bucket:   c.ExportS3Bucket,
			Region:   c.ExportS3Region,
			Endpoint: c.ExportS3Endpoint,
			Prefix:   c.ExportS3Prefix,
		},
		GCS: export.GCSConfig{
			Bucket: c.ExportGCSBucket,
			Prefix: c.ExportGCSPrefix,
		},
	}
}
