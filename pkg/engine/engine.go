// Package engine is the public entry point to the Velocity storage engine.
// It is a thin facade over the internal table handle: callers open a store,
// mutate it through Insert/Update/Delete, and read it through snapshots and
// scans. See the internal/table package for the semantics behind the handle.
package engine

import (
	"context"

	"github.com/velocitydb/velocity/internal/config"
	"github.com/velocitydb/velocity/internal/mvcc"
	"github.com/velocitydb/velocity/internal/table"
	"github.com/velocitydb/velocity/pkg/types"
)

// The facade re-exports the engine's handle types so callers never import
// internal packages.
type (
	// Config is the engine configuration. Start from DefaultConfig.
	Config = config.Config

	// Table is an open store handle.
	Table = table.Table

	// Snapshot is a consistent read view obtained from Table.Begin.
	Snapshot = mvcc.Snapshot

	// Scanner streams a snapshot's rows in batches.
	Scanner = table.Scanner

	// ScanOptions shapes a scan: projection, filter, offset, limit.
	ScanOptions = table.ScanOptions

	// Filter restricts scanned rows and drives segment pruning.
	Filter = table.Filter

	// Predicate selects rows for Update and Delete.
	Predicate = table.Predicate

	// Stats is a point-in-time store summary.
	Stats = table.Stats
)

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig loads a YAML or JSON configuration file layered over the
// defaults, then applies VELOCITY_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// Open initializes a fresh store in cfg.DataDir with the schema and returns
// its handle. Fails if the directory already holds a store.
func Open(ctx context.Context, cfg *Config, schema types.Schema) (*Table, error) {
	return table.Create(ctx, cfg, schema)
}

// OpenExisting opens the store in cfg.DataDir, recovering any state the last
// close did not persist. Fails if no store was created there.
func OpenExisting(ctx context.Context, cfg *Config) (*Table, error) {
	return table.Open(ctx, cfg)
}
