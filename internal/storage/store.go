// Copyright 2025 ShardFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"shardfs/internal/common"
)

// Store represents one shard's SQLite-backed database file holding the
// path catalog (entries) and block store (blocks) relations.
type Store struct {
	path  string
	shard string
	db    *sql.DB
	bunDB *BunDB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, ctx DBContext) error {
	// Busy timeout MUST be set first — all subsequent PRAGMAs (especially
	// journal_mode=WAL which needs exclusive access) will wait for locks
	// instead of failing immediately with "database is locked".
	busyTimeout := GetBusyTimeout(ctx)
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: enables concurrent readers during writes, reduces lock contention.
	// Must be set via explicit PRAGMA — libsql ignores _journal_mode in DSN.
	// journal_mode conversion requires exclusive file access; with busy_timeout
	// set above, this will wait rather than fail on transient locks.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL: WAL mode with NORMAL sync is safe against process crashes
	// (only vulnerable to OS crash / power loss). Avoids fsync on every commit.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	// Foreign keys: the blocks table cascades on entry deletion. This pragma
	// is per-connection, which is why the pool is pinned to one connection.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Larger cache for better read performance (default is ~2MB, set to 8MB).
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	// Memory-map I/O for reads (256MB). Reduces read() syscalls for hot data.
	// Failure is non-fatal (may not be supported on all platforms).
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")

	return nil
}

// openDB opens the SQLite database pinned to a single pooled connection so
// that the session PRAGMAs above (foreign_keys in particular) govern every
// statement. Writes are serialized by the shard actor anyway.
func openDB(path string, ctx DBContext) (*sql.DB, error) {
	db, err := sql.Open("libsql", BuildDSN(path, ctx))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db, ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Create creates a new shard database file with default context
func Create(path, shard string) (*Store, error) {
	return CreateWithContext(path, shard, DBContextDefault)
}

// CreateWithContext creates a new shard database file with the specified context.
func CreateWithContext(path, shard string, ctx DBContext) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create %s: %w", path, common.ErrExists)
	}

	db, err := openDB(path, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(db, shardSchema); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := execStatements(db, initShard, SchemaVersion, shard); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize shard info: %w", err)
	}

	return &Store{
		path:  path,
		shard: shard,
		db:    db,
		bunDB: NewBunDB(db),
	}, nil
}

// Open opens an existing shard database file with default context
func Open(path string) (*Store, error) {
	return OpenWithContext(path, DBContextDefault)
}

// OpenWithContext opens an existing shard database file with the specified context.
func OpenWithContext(path string, ctx DBContext) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("open %s: %w", path, common.ErrNotFound)
	}

	db, err := openDB(path, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bunDB := NewBunDB(db)
	bgCtx := context.Background()

	// Verify it's a shard file
	fileType, err := bunDB.GetShardInfo(bgCtx, "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read shard info: %w", err)
	}
	if fileType != "shard" {
		db.Close()
		return nil, fmt.Errorf("not a shard file (type=%s)", fileType)
	}

	shard, err := bunDB.GetShardInfo(bgCtx, "shard")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read shard identity: %w", err)
	}

	return &Store{
		path:  path,
		shard: shard,
		db:    db,
		bunDB: bunDB,
	}, nil
}

// Close closes the database connection and cleans up WAL files.
// It performs a TRUNCATE checkpoint to merge WAL data into the main database,
// then removes the -wal and -shm files.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	// Note: PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	rows, err := s.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		// Log but don't fail - the close is more important
		log.Printf("warning: WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}

	if err := s.db.Close(); err != nil {
		return err
	}

	// Remove WAL and SHM files if they exist
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")

	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Shard returns the root path segment this store belongs to
func (s *Store) Shard() string {
	return s.shard
}

// DB returns the underlying sql.DB (for raw statements)
func (s *Store) DB() *sql.DB {
	return s.db
}

// BunDB returns the bun query layer
func (s *Store) BunDB() *BunDB {
	return s.bunDB
}

// RunInTx executes fn inside a single SQLite transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return s.bunDB.RunInTx(ctx, nil, fn)
}

// Stats returns storage statistics for this shard.
func (s *Store) Stats(ctx context.Context) (*ShardStats, error) {
	return s.bunDB.GetShardStats(ctx)
}
