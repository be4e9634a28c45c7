// Package manifest provides the catalog: a SQLite database that is the
// source of truth for which segments exist, their statistics, the persisted
// tombstone bitmaps, the schema version history, and the WAL checkpoint
// watermark. Recovery rebuilds the entire engine state from the catalog
// plus the WAL suffix above the checkpoint.
package manifest

// CreateSegmentsTableSQL creates the core segments table. A segment row is
// inserted exactly once, after its file is durable in object storage, and
// is never updated except to set compacted_into.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    segment_id TEXT PRIMARY KEY,
    object_path TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    created_seq INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    column_stats TEXT NOT NULL,
    compacted_into TEXT,
    FOREIGN KEY (compacted_into) REFERENCES segments(segment_id)
)`

// CreateSegmentsIndexesSQL creates indexes for the catalog's hot queries.
// The partial conditions exclude compacted segments from active scans.
var CreateSegmentsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_segments_active ON segments(segment_id)
		WHERE compacted_into IS NULL`,

	// Compaction candidate selection orders small active segments first.
	`CREATE INDEX IF NOT EXISTS idx_segments_size ON segments(size_bytes)
		WHERE compacted_into IS NULL`,

	// GC walks superseded segments.
	`CREATE INDEX IF NOT EXISTS idx_segments_compacted ON segments(compacted_into)
		WHERE compacted_into IS NOT NULL`,
}

// CreateMetaTableSQL creates the key/value meta table holding the WAL
// checkpoint watermark and the last assigned commit sequence.
const CreateMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// CreateSchemaVersionsTableSQL creates the schema version history table.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    version INTEGER PRIMARY KEY,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateTombstonesTableSQL creates the persisted tombstone bitmaps table.
// One serialized roaring bitmap per segment, rewritten at each checkpoint;
// segments with no tombstones carry no row.
const CreateTombstonesTableSQL = `
CREATE TABLE IF NOT EXISTS tombstones (
    segment_id TEXT PRIMARY KEY,
    bitmap BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (segment_id) REFERENCES segments(segment_id)
)`

// CreateCompactionIntentsTableSQL creates the compaction intents table.
// An intent is written before a compaction's output is registered and
// deleted once the swap commits; intents found at startup identify orphan
// output files to reclaim.
const CreateCompactionIntentsTableSQL = `
CREATE TABLE IF NOT EXISTS compaction_intents (
    target_segment_id TEXT PRIMARY KEY,
    source_segment_ids TEXT NOT NULL,
    target_object_path TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// Meta table keys.
const (
	MetaCheckpointSeq = "checkpoint_seq"
	MetaCommitSeq     = "commit_seq"
	MetaStoreID       = "store_id"
)

// AllSchemaSQL returns all statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateSegmentsTableSQL,
		CreateMetaTableSQL,
		CreateSchemaVersionsTableSQL,
		CreateTombstonesTableSQL,
		CreateCompactionIntentsTableSQL,
	}
	statements = append(statements, CreateSegmentsIndexesSQL...)
	return statements
}
