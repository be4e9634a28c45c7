// Package config provides unified configuration for the Velocity engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// WAL configuration
	WAL WALConfig `json:"wal" yaml:"wal"`

	// Flush configuration
	Flush FlushConfig `json:"flush" yaml:"flush"`

	// Compaction configuration
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// WALConfig holds write-ahead log configuration.
type WALConfig struct {
	// Dir overrides the WAL directory (default: <data_dir>/wal)
	Dir string `json:"dir" yaml:"dir"`

	// MaxFileSizeMB is the rotation threshold per log file (default 64)
	MaxFileSizeMB int `json:"max_file_size_mb" yaml:"max_file_size_mb"`
}

// FlushConfig controls when the memtable is converted to a segment.
type FlushConfig struct {
	// MaxRows flushes once the memtable holds this many rows (default 65536)
	MaxRows int `json:"max_rows" yaml:"max_rows"`

	// Interval flushes a non-empty memtable at least this often (default 30s)
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// CompactionConfig holds compaction daemon configuration.
type CompactionConfig struct {
	// Strategy orders target rows: binpack, sortmerge, or zorder
	Strategy string `json:"strategy" yaml:"strategy"`

	// CheckInterval is the interval between compaction checks
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// MinSegmentSizeMB is the size below which segments are merge candidates
	MinSegmentSizeMB int `json:"min_segment_size_mb" yaml:"min_segment_size_mb"`

	// TargetSegmentSizeMB caps the combined size of one merge's sources
	TargetSegmentSizeMB int `json:"target_segment_size_mb" yaml:"target_segment_size_mb"`

	// TombstoneRatio is the dead-row fraction that forces a rewrite
	TombstoneRatio float64 `json:"tombstone_ratio" yaml:"tombstone_ratio"`

	// MaxSourcesPerRun caps the segments one run merges
	MaxSourcesPerRun int `json:"max_sources_per_run" yaml:"max_sources_per_run"`

	// MaxLiveSegments triggers compaction on live segment count alone
	MaxLiveSegments int `json:"max_live_segments" yaml:"max_live_segments"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	// Enabled controls whether the /metrics endpoint is served
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Addr is the exporter listen address
	Addr string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/velocity",
		WAL: WALConfig{
			MaxFileSizeMB: 64,
		},
		Flush: FlushConfig{
			MaxRows:  65536,
			Interval: 30 * time.Second,
		},
		Compaction: CompactionConfig{
			Strategy:            "binpack",
			CheckInterval:       time.Minute,
			MinSegmentSizeMB:    8,
			TargetSegmentSizeMB: 128,
			TombstoneRatio:      0.3,
			MaxSourcesPerRun:    8,
			MaxLiveSegments:     64,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9102",
		},
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/velocity"
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(c.DataDir, "wal")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "objects")
	}
}

// ManifestPath returns the path to the catalog database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// ScratchDir returns the segment build directory.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "scratch")
}

// CacheDir returns the segment read cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}
	if c.WAL.MaxFileSizeMB <= 0 {
		return fmt.Errorf("wal.max_file_size_mb must be positive, got %d", c.WAL.MaxFileSizeMB)
	}
	if c.Flush.MaxRows <= 0 {
		return fmt.Errorf("flush.max_rows must be positive, got %d", c.Flush.MaxRows)
	}
	switch c.Compaction.Strategy {
	case "binpack", "sortmerge", "zorder":
	default:
		return fmt.Errorf("invalid compaction strategy: %s (must be binpack, sortmerge, or zorder)", c.Compaction.Strategy)
	}
	if c.Compaction.TombstoneRatio <= 0 || c.Compaction.TombstoneRatio > 1 {
		return fmt.Errorf("compaction.tombstone_ratio must be in (0, 1], got %v", c.Compaction.TombstoneRatio)
	}
	if c.Compaction.TargetSegmentSizeMB <= 0 {
		return fmt.Errorf("compaction.target_segment_size_mb must be positive, got %d", c.Compaction.TargetSegmentSizeMB)
	}
	if c.Compaction.TargetSegmentSizeMB < c.Compaction.MinSegmentSizeMB {
		return fmt.Errorf("compaction.target_segment_size_mb %d is below min_segment_size_mb %d",
			c.Compaction.TargetSegmentSizeMB, c.Compaction.MinSegmentSizeMB)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file, layered over
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays configuration from environment variables with the
// VELOCITY_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VELOCITY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VELOCITY_WAL_DIR"); v != "" {
		cfg.WAL.Dir = v
	}
	if v := os.Getenv("VELOCITY_WAL_MAX_FILE_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WAL.MaxFileSizeMB = n
		}
	}
	if v := os.Getenv("VELOCITY_FLUSH_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Flush.MaxRows = n
		}
	}
	if v := os.Getenv("VELOCITY_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Flush.Interval = d
		}
	}
	if v := os.Getenv("VELOCITY_COMPACTION_STRATEGY"); v != "" {
		cfg.Compaction.Strategy = v
	}
	if v := os.Getenv("VELOCITY_COMPACTION_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Compaction.CheckInterval = d
		}
	}
	if v := os.Getenv("VELOCITY_COMPACTION_TARGET_SEGMENT_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Compaction.TargetSegmentSizeMB = n
		}
	}
	if v := os.Getenv("VELOCITY_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("VELOCITY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("VELOCITY_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("VELOCITY_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("VELOCITY_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("VELOCITY_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("VELOCITY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}
