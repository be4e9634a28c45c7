package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(cfg.DataDir, "wal"), cfg.WAL.Dir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "objects"), cfg.Storage.Path)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty data dir":    func(c *Config) { c.DataDir = "" },
		"bad storage type":  func(c *Config) { c.Storage.Type = "tape" },
		"s3 without bucket": func(c *Config) { c.Storage.Type = "s3" },
		"zero wal size":     func(c *Config) { c.WAL.MaxFileSizeMB = 0 },
		"zero flush rows":   func(c *Config) { c.Flush.MaxRows = 0 },
		"bad strategy":      func(c *Config) { c.Compaction.Strategy = "shuffle" },
		"bad ratio":         func(c *Config) { c.Compaction.TombstoneRatio = 1.5 },
		"zero target size":  func(c *Config) { c.Compaction.TargetSegmentSizeMB = 0 },
		"target below min":  func(c *Config) { c.Compaction.TargetSegmentSizeMB = 4 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/velocity
flush:
  max_rows: 1000
compaction:
  strategy: sortmerge
  check_interval: 5m
storage:
  type: s3
  s3:
    bucket: velocity-segments
    region: eu-west-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/velocity", cfg.DataDir)
	assert.Equal(t, 1000, cfg.Flush.MaxRows)
	assert.Equal(t, "sortmerge", cfg.Compaction.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Compaction.CheckInterval)
	assert.Equal(t, "velocity-segments", cfg.Storage.S3.Bucket)

	// Untouched fields keep their defaults.
	assert.Equal(t, 64, cfg.WAL.MaxFileSizeMB)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VELOCITY_DATA_DIR", "/tmp/vel")
	t.Setenv("VELOCITY_FLUSH_MAX_ROWS", "512")
	t.Setenv("VELOCITY_COMPACTION_STRATEGY", "zorder")
	t.Setenv("VELOCITY_METRICS_ENABLED", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "/tmp/vel", cfg.DataDir)
	assert.Equal(t, 512, cfg.Flush.MaxRows)
	assert.Equal(t, "zorder", cfg.Compaction.Strategy)
	assert.True(t, cfg.Metrics.Enabled)
}
