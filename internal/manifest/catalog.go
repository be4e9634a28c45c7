package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/velocitydb/velocity/internal/segment"
)

// SegmentRecord is one segment's catalog entry.
type SegmentRecord struct {
	SegmentID     string
	ObjectPath    string
	RowCount      int64
	SizeBytes     int64
	SchemaVersion int
	CreatedSeq    uint64
	CreatedAt     time.Time
	Columns       []segment.ColumnMeta
	CompactedInto *string
}

// TableStats summarizes the active segment set.
type TableStats struct {
	ActiveSegments int
	TotalRows      int64
	TotalBytes     int64
}

// CompactionIntent records an in-flight compaction for crash recovery.
type CompactionIntent struct {
	TargetSegmentID  string
	SourceSegmentIDs []string
	TargetObjectPath string
	CreatedAt        time.Time
}

// Catalog is the segment metadata store.
type Catalog interface {
	// RegisterSegment adds a newly published segment.
	RegisterSegment(ctx context.Context, rec *SegmentRecord) error

	// ListActive returns all segments not yet superseded by compaction,
	// ordered by segment id (creation order).
	ListActive(ctx context.Context) ([]*SegmentRecord, error)

	// GetSegment retrieves a single segment by id.
	GetSegment(ctx context.Context, segmentID string) (*SegmentRecord, error)

	// MarkCompacted atomically registers the compaction target and marks
	// the sources as superseded. Source tombstone bitmaps are dropped in
	// the same transaction: the target was built without the dead rows.
	MarkCompacted(ctx context.Context, sourceIDs []string, target *SegmentRecord) error

	// ListSuperseded returns segments already compacted into a successor,
	// eligible for physical reclamation once unreferenced.
	ListSuperseded(ctx context.Context) ([]*SegmentRecord, error)

	// DeleteSegment removes a segment row after its file is reclaimed.
	DeleteSegment(ctx context.Context, segmentID string) error

	// CompactionCandidates returns active segments below maxSize, smallest
	// first.
	CompactionCandidates(ctx context.Context, maxSize int64, limit int) ([]*SegmentRecord, error)

	// Checkpoint atomically persists the WAL watermark, the last assigned
	// commit sequence, and every non-empty tombstone bitmap. After it
	// returns, WAL records at or below checkpointSeq are redundant.
	Checkpoint(ctx context.Context, checkpointSeq, commitSeq uint64, bitmaps map[string][]byte) error

	// CommitFlush registers a freshly published segment and checkpoints in
	// one transaction. Registering and checkpointing separately would leave
	// a window where the segment is live but the records it captures are
	// still below the watermark, so a crash there replays them into the
	// memtable on top of the segment's rows.
	CommitFlush(ctx context.Context, rec *SegmentRecord, checkpointSeq, commitSeq uint64, bitmaps map[string][]byte) error

	// Watermarks returns the persisted checkpoint and commit sequences.
	Watermarks(ctx context.Context) (checkpointSeq, commitSeq uint64, err error)

	// LoadTombstones returns all persisted tombstone bitmaps by segment id.
	LoadTombstones(ctx context.Context) (map[string][]byte, error)

	// PutSchema records a schema version. Inserting an existing version is
	// an error; versions are immutable once written.
	PutSchema(ctx context.Context, version int, schemaJSON []byte) error

	// GetSchema returns the schema JSON for a version.
	GetSchema(ctx context.Context, version int) ([]byte, error)

	// LatestSchema returns the highest recorded schema version, or (0, nil)
	// for a fresh catalog.
	LatestSchema(ctx context.Context) (int, []byte, error)

	// PutCompactionIntent records an in-flight compaction before its output
	// is registered.
	PutCompactionIntent(ctx context.Context, intent *CompactionIntent) error

	// DeleteCompactionIntent removes an intent after the swap commits or
	// the compaction aborts.
	DeleteCompactionIntent(ctx context.Context, targetSegmentID string) error

	// ListCompactionIntents returns intents left behind by a crash.
	ListCompactionIntents(ctx context.Context) ([]*CompactionIntent, error)

	// StoreID returns the store's stable identity, assigning one on first
	// call. It guards against pointing a WAL directory at the wrong catalog.
	StoreID(ctx context.Context) (string, error)

	// Stats summarizes the active segment set.
	Stats(ctx context.Context) (*TableStats, error)

	// Close closes the catalog database connections.
	Close() error
}

// SQLiteCatalog implements Catalog on SQLite. One write connection is
// serialized under a mutex; reads go through a small read-only pool.
type SQLiteCatalog struct {
	db     *sql.DB
	readDB *sql.DB
	mu     sync.Mutex
}

// NewCatalog opens (creating if needed) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLiteCatalog{db: db, readDB: readDB}

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			readDB.Close()
			db.Close()
			return nil, fmt.Errorf("manifest: initialize schema: %w", err)
		}
	}
	return c, nil
}

const segmentColumns = `segment_id, object_path, row_count, size_bytes,
	schema_version, created_seq, created_at, column_stats, compacted_into`

func scanSegment(row interface{ Scan(...interface{}) error }) (*SegmentRecord, error) {
	var rec SegmentRecord
	var createdAt int64
	var statsJSON string
	if err := row.Scan(&rec.SegmentID, &rec.ObjectPath, &rec.RowCount, &rec.SizeBytes,
		&rec.SchemaVersion, &rec.CreatedSeq, &createdAt, &statsJSON, &rec.CompactedInto); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()

	cols, err := segment.UnmarshalColumnStats([]byte(statsJSON))
	if err != nil {
		return nil, fmt.Errorf("manifest: segment %s: %w", rec.SegmentID, err)
	}
	rec.Columns = cols
	return &rec, nil
}

func insertSegmentTx(ctx context.Context, tx *sql.Tx, rec *SegmentRecord) error {
	statsJSON, err := segment.MarshalColumnStats(rec.Columns)
	if err != nil {
		return fmt.Errorf("manifest: encode column stats: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO segments (segment_id, object_path, row_count, size_bytes,
			schema_version, created_seq, created_at, column_stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SegmentID, rec.ObjectPath, rec.RowCount, rec.SizeBytes,
		rec.SchemaVersion, rec.CreatedSeq, createdAt.Unix(), string(statsJSON))
	if err != nil {
		return fmt.Errorf("manifest: insert segment: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: commit transaction: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) RegisterSegment(ctx context.Context, rec *SegmentRecord) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return insertSegmentTx(ctx, tx, rec)
	})
}

func (c *SQLiteCatalog) querySegments(ctx context.Context, where string, args ...interface{}) ([]*SegmentRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		"SELECT "+segmentColumns+" FROM segments "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: query segments: %w", err)
	}
	defer rows.Close()

	var recs []*SegmentRecord
	for rows.Next() {
		rec, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (c *SQLiteCatalog) ListActive(ctx context.Context) ([]*SegmentRecord, error) {
	return c.querySegments(ctx, "WHERE compacted_into IS NULL ORDER BY segment_id")
}

func (c *SQLiteCatalog) GetSegment(ctx context.Context, segmentID string) (*SegmentRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE segment_id = ?", segmentID)
	rec, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("manifest: segment %s not found", segmentID)
	}
	return rec, err
}

func (c *SQLiteCatalog) MarkCompacted(ctx context.Context, sourceIDs []string, target *SegmentRecord) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertSegmentTx(ctx, tx, target); err != nil {
			return err
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sourceIDs)), ",")
		args := make([]interface{}, 0, len(sourceIDs)+1)
		args = append(args, target.SegmentID)
		for _, id := range sourceIDs {
			args = append(args, id)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE segments SET compacted_into = ?
			 WHERE segment_id IN (`+placeholders+`) AND compacted_into IS NULL`, args...)
		if err != nil {
			return fmt.Errorf("manifest: mark compacted: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if int(affected) != len(sourceIDs) {
			return fmt.Errorf("manifest: compaction swap touched %d of %d sources", affected, len(sourceIDs))
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM tombstones WHERE segment_id IN ("+placeholders+")", args[1:]...)
		if err != nil {
			return fmt.Errorf("manifest: drop source tombstones: %w", err)
		}
		return nil
	})
}

func (c *SQLiteCatalog) ListSuperseded(ctx context.Context) ([]*SegmentRecord, error) {
	return c.querySegments(ctx, "WHERE compacted_into IS NOT NULL ORDER BY segment_id")
}

func (c *SQLiteCatalog) DeleteSegment(ctx context.Context, segmentID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM tombstones WHERE segment_id = ?", segmentID); err != nil {
			return fmt.Errorf("manifest: delete tombstones: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM segments WHERE segment_id = ?", segmentID); err != nil {
			return fmt.Errorf("manifest: delete segment: %w", err)
		}
		return nil
	})
}

func (c *SQLiteCatalog) CompactionCandidates(ctx context.Context, maxSize int64, limit int) ([]*SegmentRecord, error) {
	return c.querySegments(ctx,
		`WHERE compacted_into IS NULL AND size_bytes < ?
		 ORDER BY size_bytes ASC LIMIT ?`, maxSize, limit)
}

func checkpointTx(ctx context.Context, tx *sql.Tx, checkpointSeq, commitSeq uint64, bitmaps map[string][]byte) error {
	for key, val := range map[string]uint64{
		MetaCheckpointSeq: checkpointSeq,
		MetaCommitSeq:     commitSeq,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, strconv.FormatUint(val, 10)); err != nil {
			return fmt.Errorf("manifest: write %s: %w", key, err)
		}
	}

	// The bitmap set supplied here is complete, so the table contents
	// are replaced wholesale.
	if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones"); err != nil {
		return fmt.Errorf("manifest: clear tombstones: %w", err)
	}
	now := time.Now().Unix()
	for segmentID, bitmap := range bitmaps {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tombstones (segment_id, bitmap, updated_at) VALUES (?, ?, ?)",
			segmentID, bitmap, now); err != nil {
			return fmt.Errorf("manifest: write tombstone bitmap: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCatalog) Checkpoint(ctx context.Context, checkpointSeq, commitSeq uint64, bitmaps map[string][]byte) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return checkpointTx(ctx, tx, checkpointSeq, commitSeq, bitmaps)
	})
}

func (c *SQLiteCatalog) CommitFlush(ctx context.Context, rec *SegmentRecord, checkpointSeq, commitSeq uint64, bitmaps map[string][]byte) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertSegmentTx(ctx, tx, rec); err != nil {
			return err
		}
		return checkpointTx(ctx, tx, checkpointSeq, commitSeq, bitmaps)
	})
}

func (c *SQLiteCatalog) getMeta(ctx context.Context, key string) (uint64, error) {
	var value string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("manifest: read %s: %w", key, err)
	}
	return strconv.ParseUint(value, 10, 64)
}

func (c *SQLiteCatalog) Watermarks(ctx context.Context) (uint64, uint64, error) {
	checkpointSeq, err := c.getMeta(ctx, MetaCheckpointSeq)
	if err != nil {
		return 0, 0, err
	}
	commitSeq, err := c.getMeta(ctx, MetaCommitSeq)
	if err != nil {
		return 0, 0, err
	}
	return checkpointSeq, commitSeq, nil
}

func (c *SQLiteCatalog) LoadTombstones(ctx context.Context) (map[string][]byte, error) {
	rows, err := c.readDB.QueryContext(ctx, "SELECT segment_id, bitmap FROM tombstones")
	if err != nil {
		return nil, fmt.Errorf("manifest: load tombstones: %w", err)
	}
	defer rows.Close()

	bitmaps := make(map[string][]byte)
	for rows.Next() {
		var segmentID string
		var bitmap []byte
		if err := rows.Scan(&segmentID, &bitmap); err != nil {
			return nil, err
		}
		bitmaps[segmentID] = bitmap
	}
	return bitmaps, rows.Err()
}

func (c *SQLiteCatalog) PutSchema(ctx context.Context, version int, schemaJSON []byte) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (version, schema_json, created_at) VALUES (?, ?, ?)",
			version, string(schemaJSON), time.Now().Unix())
		if err != nil {
			return fmt.Errorf("manifest: insert schema version %d: %w", version, err)
		}
		return nil
	})
}

func (c *SQLiteCatalog) GetSchema(ctx context.Context, version int) ([]byte, error) {
	var schemaJSON string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT schema_json FROM schema_versions WHERE version = ?", version).Scan(&schemaJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("manifest: schema version %d not found", version)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read schema version %d: %w", version, err)
	}
	return []byte(schemaJSON), nil
}

func (c *SQLiteCatalog) LatestSchema(ctx context.Context) (int, []byte, error) {
	var version int
	var schemaJSON string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT version, schema_json FROM schema_versions ORDER BY version DESC LIMIT 1").
		Scan(&version, &schemaJSON)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("manifest: read latest schema: %w", err)
	}
	return version, []byte(schemaJSON), nil
}

func (c *SQLiteCatalog) PutCompactionIntent(ctx context.Context, intent *CompactionIntent) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO compaction_intents
			 (target_segment_id, source_segment_ids, target_object_path, created_at)
			 VALUES (?, ?, ?, ?)`,
			intent.TargetSegmentID, strings.Join(intent.SourceSegmentIDs, ","),
			intent.TargetObjectPath, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("manifest: insert compaction intent: %w", err)
		}
		return nil
	})
}

func (c *SQLiteCatalog) DeleteCompactionIntent(ctx context.Context, targetSegmentID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM compaction_intents WHERE target_segment_id = ?", targetSegmentID)
		if err != nil {
			return fmt.Errorf("manifest: delete compaction intent: %w", err)
		}
		return nil
	})
}

func (c *SQLiteCatalog) ListCompactionIntents(ctx context.Context) ([]*CompactionIntent, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT target_segment_id, source_segment_ids, target_object_path, created_at
		 FROM compaction_intents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("manifest: list compaction intents: %w", err)
	}
	defer rows.Close()

	var intents []*CompactionIntent
	for rows.Next() {
		var intent CompactionIntent
		var sources string
		var createdAt int64
		if err := rows.Scan(&intent.TargetSegmentID, &sources,
			&intent.TargetObjectPath, &createdAt); err != nil {
			return nil, err
		}
		intent.SourceSegmentIDs = strings.Split(sources, ",")
		intent.CreatedAt = time.Unix(createdAt, 0).UTC()
		intents = append(intents, &intent)
	}
	return intents, rows.Err()
}

func (c *SQLiteCatalog) StoreID(ctx context.Context) (string, error) {
	var id string
	err := c.readDB.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", MetaStoreID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("manifest: read store id: %w", err)
	}

	id = uuid.NewString()
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		// A concurrent opener may have won the race; keep the first id.
		_, err := tx.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
			MetaStoreID, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("manifest: assign store id: %w", err)
	}

	if err := c.readDB.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", MetaStoreID).Scan(&id); err != nil {
		return "", fmt.Errorf("manifest: read store id: %w", err)
	}
	return id, nil
}

func (c *SQLiteCatalog) Stats(ctx context.Context) (*TableStats, error) {
	var stats TableStats
	err := c.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(row_count), 0), COALESCE(SUM(size_bytes), 0)
		 FROM segments WHERE compacted_into IS NULL`).
		Scan(&stats.ActiveSegments, &stats.TotalRows, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("manifest: stats: %w", err)
	}
	return &stats, nil
}

func (c *SQLiteCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}
