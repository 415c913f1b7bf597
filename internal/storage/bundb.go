package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"shardfs/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// childRange returns the half-open path range (lo, hi) that covers every
// descendant of dir: all paths starting with dir + "/". '0' is the byte
// after '/', so a bytewise comparison bounds the prefix exactly and never
// matches unrelated paths sharing a shorter prefix (e.g. "x" vs "xy").
func childRange(dir string) (lo, hi string) {
	return dir + "/", dir + "0"
}

// --- Entry Operations ---

// GetEntry retrieves an entry by path.
// Returns common.ErrNotFound if no entry exists.
func (db *BunDB) GetEntry(ctx context.Context, path string) (*EntryModel, error) {
	return db.getEntryWith(db.DB, ctx, path)
}

// GetEntryWith is like GetEntry but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetEntryWith(idb bun.IDB, ctx context.Context, path string) (*EntryModel, error) {
	return db.getEntryWith(idb, ctx, path)
}

func (db *BunDB) getEntryWith(idb bun.IDB, ctx context.Context, path string) (*EntryModel, error) {
	var entry EntryModel
	err := idb.NewSelect().
		Model(&entry).
		Where("path = ?", path).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertFileEntry inserts or refreshes a file entry. On conflict the size and
// updated_at are replaced (updated_at guarded monotonic non-decreasing) while
// created_at and kind are preserved. The caller is responsible for ensuring
// the existing entry, if any, is a file.
func (db *BunDB) UpsertFileEntry(ctx context.Context, path string, size int64, nowMillis int64) error {
	return db.upsertFileEntryWith(db.DB, ctx, path, size, nowMillis)
}

// UpsertFileEntryWith is like UpsertFileEntry but uses the provided bun.IDB.
func (db *BunDB) UpsertFileEntryWith(idb bun.IDB, ctx context.Context, path string, size int64, nowMillis int64) error {
	return db.upsertFileEntryWith(idb, ctx, path, size, nowMillis)
}

func (db *BunDB) upsertFileEntryWith(idb bun.IDB, ctx context.Context, path string, size int64, nowMillis int64) error {
	_, err := idb.NewInsert().
		Model(&EntryModel{
			Path:      path,
			Kind:      KindFile,
			Size:      &size,
			CreatedAt: nowMillis,
			UpdatedAt: nowMillis,
		}).
		On("CONFLICT (path) DO UPDATE").
		Set("size = EXCLUDED.size").
		Set("updated_at = MAX(entries.updated_at, EXCLUDED.updated_at)").
		Exec(ctx)
	return err
}

// InsertDirEntryIfAbsent inserts a directory entry unless the path is already
// occupied. Returns true if a row was inserted, false if an entry (of either
// kind) already existed.
func (db *BunDB) InsertDirEntryIfAbsent(ctx context.Context, path string, nowMillis int64) (bool, error) {
	return db.insertDirEntryIfAbsentWith(db.DB, ctx, path, nowMillis)
}

// InsertDirEntryIfAbsentWith is like InsertDirEntryIfAbsent but uses the provided bun.IDB.
func (db *BunDB) InsertDirEntryIfAbsentWith(idb bun.IDB, ctx context.Context, path string, nowMillis int64) (bool, error) {
	return db.insertDirEntryIfAbsentWith(idb, ctx, path, nowMillis)
}

func (db *BunDB) insertDirEntryIfAbsentWith(idb bun.IDB, ctx context.Context, path string, nowMillis int64) (bool, error) {
	res, err := idb.NewInsert().
		Model(&EntryModel{
			Path:      path,
			Kind:      KindDir,
			CreatedAt: nowMillis,
			UpdatedAt: nowMillis,
		}).
		On("CONFLICT (path) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteEntry deletes an entry of the given kind and reports whether a row
// was removed. Block rows cascade via the foreign key.
func (db *BunDB) DeleteEntry(ctx context.Context, path, kind string) (bool, error) {
	return db.deleteEntryWith(db.DB, ctx, path, kind)
}

// DeleteEntryWith is like DeleteEntry but uses the provided bun.IDB.
func (db *BunDB) DeleteEntryWith(idb bun.IDB, ctx context.Context, path, kind string) (bool, error) {
	return db.deleteEntryWith(idb, ctx, path, kind)
}

func (db *BunDB) deleteEntryWith(idb bun.IDB, ctx context.Context, path, kind string) (bool, error) {
	res, err := idb.NewDelete().
		Model((*EntryModel)(nil)).
		Where("path = ?", path).
		Where("kind = ?", kind).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListChildEntries returns the entries exactly one path segment below dir,
// ordered by path. The SQL side is a strict half-open range scan on the
// primary key; the one-segment filter runs on the fetched remainder.
func (db *BunDB) ListChildEntries(ctx context.Context, dir string) ([]EntryModel, error) {
	return db.listChildEntriesWith(db.DB, ctx, dir)
}

// ListChildEntriesWith is like ListChildEntries but uses the provided bun.IDB.
func (db *BunDB) ListChildEntriesWith(idb bun.IDB, ctx context.Context, dir string) ([]EntryModel, error) {
	return db.listChildEntriesWith(idb, ctx, dir)
}

func (db *BunDB) listChildEntriesWith(idb bun.IDB, ctx context.Context, dir string) ([]EntryModel, error) {
	lo, hi := childRange(dir)
	var descendants []EntryModel
	err := idb.NewSelect().
		Model(&descendants).
		Where("path > ?", lo).
		Where("path < ?", hi).
		Order("path ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	children := descendants[:0]
	for _, e := range descendants {
		rest := strings.TrimPrefix(e.Path, lo)
		if !strings.Contains(rest, "/") {
			children = append(children, e)
		}
	}
	return children, nil
}

// HasDescendants reports whether any entry lives below dir, at any depth.
func (db *BunDB) HasDescendants(ctx context.Context, dir string) (bool, error) {
	return db.hasDescendantsWith(db.DB, ctx, dir)
}

// HasDescendantsWith is like HasDescendants but uses the provided bun.IDB.
func (db *BunDB) HasDescendantsWith(idb bun.IDB, ctx context.Context, dir string) (bool, error) {
	return db.hasDescendantsWith(idb, ctx, dir)
}

func (db *BunDB) hasDescendantsWith(idb bun.IDB, ctx context.Context, dir string) (bool, error) {
	lo, hi := childRange(dir)
	return idb.NewSelect().
		Model((*EntryModel)(nil)).
		Where("path > ?", lo).
		Where("path < ?", hi).
		Exists(ctx)
}

// ListAllEntries returns every entry in the shard ordered by path.
// Used by dump and integrity verification, not by the engine operations.
func (db *BunDB) ListAllEntries(ctx context.Context) ([]EntryModel, error) {
	var entries []EntryModel
	err := db.NewSelect().
		Model(&entries).
		Order("path ASC").
		Scan(ctx)
	return entries, err
}

// --- Block Operations ---

// GetBlocks retrieves all blocks for a path ordered by block index.
func (db *BunDB) GetBlocks(ctx context.Context, path string) ([]BlockModel, error) {
	return db.getBlocksWith(db.DB, ctx, path)
}

// GetBlocksWith is like GetBlocks but uses the provided bun.IDB.
func (db *BunDB) GetBlocksWith(idb bun.IDB, ctx context.Context, path string) ([]BlockModel, error) {
	return db.getBlocksWith(idb, ctx, path)
}

func (db *BunDB) getBlocksWith(idb bun.IDB, ctx context.Context, path string) ([]BlockModel, error) {
	var blocks []BlockModel
	err := idb.NewSelect().
		Model(&blocks).
		Where("path = ?", path).
		Order("block_idx ASC").
		Scan(ctx)
	return blocks, err
}

// DeleteBlocks removes every block for a path.
func (db *BunDB) DeleteBlocks(ctx context.Context, path string) error {
	return db.deleteBlocksWith(db.DB, ctx, path)
}

// DeleteBlocksWith is like DeleteBlocks but uses the provided bun.IDB.
func (db *BunDB) DeleteBlocksWith(idb bun.IDB, ctx context.Context, path string) error {
	return db.deleteBlocksWith(idb, ctx, path)
}

func (db *BunDB) deleteBlocksWith(idb bun.IDB, ctx context.Context, path string) error {
	_, err := idb.NewDelete().
		Model((*BlockModel)(nil)).
		Where("path = ?", path).
		Exec(ctx)
	return err
}

// InsertBlocks bulk-inserts block rows. No-op for an empty slice.
func (db *BunDB) InsertBlocks(ctx context.Context, blocks []BlockModel) error {
	return db.insertBlocksWith(db.DB, ctx, blocks)
}

// InsertBlocksWith is like InsertBlocks but uses the provided bun.IDB.
func (db *BunDB) InsertBlocksWith(idb bun.IDB, ctx context.Context, blocks []BlockModel) error {
	return db.insertBlocksWith(idb, ctx, blocks)
}

func (db *BunDB) insertBlocksWith(idb bun.IDB, ctx context.Context, blocks []BlockModel) error {
	if len(blocks) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&blocks).Exec(ctx)
	return err
}

// --- Shard Info Operations ---

// GetShardInfo retrieves a shard info value by key.
func (db *BunDB) GetShardInfo(ctx context.Context, key string) (string, error) {
	var info ShardInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetShardInfo sets a shard info value (upserts).
func (db *BunDB) SetShardInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&ShardInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Statistics ---

// ShardStats holds per-shard storage statistics.
type ShardStats struct {
	Entries      int64
	Files        int64
	Dirs         int64
	Blocks       int64
	ContentBytes int64 // sum of entry sizes
	StoredBytes  int64 // sum of block payload lengths
}

// GetShardStats returns storage statistics for the shard.
func (db *BunDB) GetShardStats(ctx context.Context) (*ShardStats, error) {
	stats := &ShardStats{}

	err := db.NewRaw(`
		SELECT COUNT(*),
		       COALESCE(SUM(kind = 'file'), 0),
		       COALESCE(SUM(kind = 'dir'), 0),
		       COALESCE(SUM(CASE WHEN kind = 'file' THEN size ELSE 0 END), 0)
		FROM entries
	`).Scan(ctx, &stats.Entries, &stats.Files, &stats.Dirs, &stats.ContentBytes)
	if err != nil {
		return nil, err
	}

	err = db.NewRaw(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM blocks`).
		Scan(ctx, &stats.Blocks, &stats.StoredBytes)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
