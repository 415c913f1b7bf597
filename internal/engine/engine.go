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

// Package engine implements the filesystem operations for one shard:
// whole-file reads and writes, directory management, and listings over
// the flat path catalog in a shard store.
package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"shardfs/internal/common"
	"shardfs/internal/storage"
	"shardfs/internal/util"
)

// Engine executes filesystem operations against a single shard store.
// Callers are expected to serialize operations per shard; the engine
// itself holds no locks.
type Engine struct {
	store *storage.Store
}

// New creates an engine over the given shard store.
func New(store *storage.Store) *Engine {
	return &Engine{store: store}
}

// Store returns the underlying shard store.
func (e *Engine) Store() *storage.Store {
	return e.store
}

// chunkBlocks splits data into BlockSize payloads addressed by index.
// Empty content yields no blocks.
func chunkBlocks(path string, data []byte) []storage.BlockModel {
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + storage.BlockSize - 1) / storage.BlockSize
	blocks := make([]storage.BlockModel, 0, n)
	for idx := 0; idx < n; idx++ {
		start := idx * storage.BlockSize
		end := min(start+storage.BlockSize, len(data))
		blocks = append(blocks, storage.BlockModel{
			Path:     path,
			BlockIdx: int64(idx),
			Payload:  data[start:end],
		})
	}
	return blocks
}

// ensureDirsWith materializes each path in dirs as a directory entry,
// root first. Existing directories are left untouched; an existing file
// at any level fails the chain with ErrNotDir.
func (e *Engine) ensureDirsWith(tx bun.IDB, ctx context.Context, dirs []string, nowMillis int64) error {
	db := e.store.BunDB()
	for _, dir := range dirs {
		inserted, err := db.InsertDirEntryIfAbsentWith(tx, ctx, dir, nowMillis)
		if err != nil {
			return err
		}
		if inserted {
			continue
		}
		existing, err := db.GetEntryWith(tx, ctx, dir)
		if err != nil {
			return err
		}
		if existing.Kind != storage.KindDir {
			return fmt.Errorf("%s: %w", dir, common.ErrNotDir)
		}
	}
	return nil
}

// WriteFile creates or replaces the file at path with the given content.
// Missing ancestor directories are created. The entry upsert and the
// full block replacement commit in one transaction, so readers never
// observe a size that disagrees with the stored blocks.
func (e *Engine) WriteFile(ctx context.Context, path string, data []byte) error {
	path, err := common.ValidatePath(path)
	if err != nil {
		return err
	}

	now := storage.NowMillis()
	blocks := chunkBlocks(path, data)
	log.Debugf("[engine] write: shard=%s path=%q size=%d blocks=%d", e.store.Shard(), path, len(data), len(blocks))

	return util.Retry(ctx, func() error {
		return e.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			db := e.store.BunDB()
			if err := e.ensureDirsWith(tx, ctx, common.AncestorPaths(path), now); err != nil {
				return err
			}
			existing, err := db.GetEntryWith(tx, ctx, path)
			if err != nil && !errors.Is(err, common.ErrNotFound) {
				return err
			}
			if existing != nil && existing.Kind == storage.KindDir {
				return fmt.Errorf("write %s: %w", path, common.ErrIsDir)
			}
			if err := db.UpsertFileEntryWith(tx, ctx, path, int64(len(data)), now); err != nil {
				return err
			}
			if err := db.DeleteBlocksWith(tx, ctx, path); err != nil {
				return err
			}
			return db.InsertBlocksWith(tx, ctx, blocks)
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// ReadFile returns the full content of the file at path. A directory at
// path does not satisfy a read and reports ErrNotFound. Reads retry on
// transient lock errors, which occur when the CLI has a shard open
// directly while the daemon checkpoints it.
func (e *Engine) ReadFile(ctx context.Context, path string) ([]byte, error) {
	path, err := common.ValidatePath(path)
	if err != nil {
		return nil, err
	}

	return util.RetryWithResult(ctx, func() ([]byte, error) {
		var buf []byte
		err := e.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			db := e.store.BunDB()
			entry, err := db.GetEntryWith(tx, ctx, path)
			if err != nil {
				return err
			}
			if entry.Kind != storage.KindFile || entry.Size == nil {
				return fmt.Errorf("read %s: %w", path, common.ErrNotFound)
			}

			buf = make([]byte, *entry.Size)
			blocks, err := db.GetBlocksWith(tx, ctx, path)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				off := int(b.BlockIdx) * storage.BlockSize
				if off < 0 || off > len(buf) {
					return fmt.Errorf("read %s: block %d out of range: %w", path, b.BlockIdx, common.ErrIO)
				}
				copy(buf[off:], b.Payload)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return buf, nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// Unlink deletes the file at path together with its blocks. Directories
// are not valid targets and report ErrNotFound.
func (e *Engine) Unlink(ctx context.Context, path string) error {
	path, err := common.ValidatePath(path)
	if err != nil {
		return err
	}
	log.Debugf("[engine] unlink: shard=%s path=%q", e.store.Shard(), path)

	return util.Retry(ctx, func() error {
		return e.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			deleted, err := e.store.BunDB().DeleteEntryWith(tx, ctx, path, storage.KindFile)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("unlink %s: %w", path, common.ErrNotFound)
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// Mkdir materializes path and every ancestor as directories. Calling it
// again on an existing directory is a no-op; a file anywhere on the
// chain fails with ErrNotDir.
func (e *Engine) Mkdir(ctx context.Context, path string) error {
	path, err := common.ValidatePath(path)
	if err != nil {
		return err
	}

	now := storage.NowMillis()
	dirs := append(common.AncestorPaths(path), path)
	log.Debugf("[engine] mkdir: shard=%s path=%q", e.store.Shard(), path)

	return util.Retry(ctx, func() error {
		return e.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			return e.ensureDirsWith(tx, ctx, dirs, now)
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// Rmdir deletes the directory at path. It fails with ErrNotEmpty when
// any descendant exists, and with ErrNotFound when path is not a
// directory entry.
func (e *Engine) Rmdir(ctx context.Context, path string) error {
	path, err := common.ValidatePath(path)
	if err != nil {
		return err
	}
	log.Debugf("[engine] rmdir: shard=%s path=%q", e.store.Shard(), path)

	return util.Retry(ctx, func() error {
		return e.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			db := e.store.BunDB()
			has, err := db.HasDescendantsWith(tx, ctx, path)
			if err != nil {
				return err
			}
			if has {
				return fmt.Errorf("rmdir %s: %w", path, common.ErrNotEmpty)
			}
			deleted, err := db.DeleteEntryWith(tx, ctx, path, storage.KindDir)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("rmdir %s: %w", path, common.ErrNotFound)
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// ReadDir returns the names of the immediate children of the directory
// at path, sorted lexicographically. A file at path reports ErrNotFound.
func (e *Engine) ReadDir(ctx context.Context, path string) ([]string, error) {
	entries, err := e.ReadDirEntries(ctx, path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, common.BaseName(entry.Path))
	}
	return names, nil
}

// ReadDirEntries returns the full entries for the immediate children of
// the directory at path, sorted by path.
func (e *Engine) ReadDirEntries(ctx context.Context, path string) ([]*storage.Entry, error) {
	path, err := common.ValidatePath(path)
	if err != nil {
		return nil, err
	}

	var entries []*storage.Entry
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		db := e.store.BunDB()
		dir, err := db.GetEntryWith(tx, ctx, path)
		if err != nil {
			return err
		}
		if dir.Kind != storage.KindDir {
			return fmt.Errorf("readdir %s: %w", path, common.ErrNotFound)
		}

		models, err := db.ListChildEntriesWith(tx, ctx, path)
		if err != nil {
			return err
		}
		entries = make([]*storage.Entry, 0, len(models))
		for i := range models {
			entries = append(entries, models[i].ToEntry())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Stat returns the entry at path, file or directory.
func (e *Engine) Stat(ctx context.Context, path string) (*storage.Entry, error) {
	path, err := common.ValidatePath(path)
	if err != nil {
		return nil, err
	}

	model, err := e.store.BunDB().GetEntry(ctx, path)
	if err != nil {
		return nil, err
	}
	return model.ToEntry(), nil
}
