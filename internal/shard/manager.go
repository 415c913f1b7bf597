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

package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"shardfs/internal/common"
	"shardfs/internal/engine"
	"shardfs/internal/storage"
)

// Manager routes filesystem operations to per-shard engines keyed by
// the root path segment. Shard stores open lazily on first touch and
// stay open until Close.
type Manager struct {
	dataDir   string
	dbContext storage.DBContext

	mu     sync.Mutex
	shards map[string]*shardHandle
	closed bool
}

type shardHandle struct {
	segment string
	actor   *Actor
	engine  *engine.Engine
}

// do runs fn for this shard on its actor, returning fn's error.
func (h *shardHandle) do(ctx context.Context, fn func() error) error {
	var err error
	if doErr := h.actor.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

// NewManager creates a manager over dataDir, creating the directory if
// needed. All shard stores open with the given database context.
func NewManager(dataDir string, dbContext storage.DBContext) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Manager{
		dataDir:   dataDir,
		dbContext: dbContext,
		shards:    make(map[string]*shardHandle),
	}, nil
}

// DataDir returns the directory holding the shard store files.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// handleFor returns the handle for segment, opening the store lazily.
// With create false, a shard with no store file reports ErrNotFound so
// reads never materialize shard files on disk.
func (m *Manager) handleFor(segment string, create bool) (*shardHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.shards[segment]; ok {
		return h, nil
	}

	path := filepath.Join(m.dataDir, ShardFileName(segment))
	var (
		store *storage.Store
		err   error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		store, err = storage.OpenWithContext(path, m.dbContext)
	} else if create {
		log.Debugf("[shard] creating shard %q at %s", segment, path)
		store, err = storage.CreateWithContext(path, segment, m.dbContext)
	} else {
		return nil, fmt.Errorf("shard %s: %w", segment, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	h := &shardHandle{
		segment: segment,
		actor:   NewActor(),
		engine:  engine.New(store),
	}
	m.shards[segment] = h
	return h, nil
}

// WriteFile routes a whole-file write to the owning shard, creating the
// shard store on first write.
func (m *Manager) WriteFile(ctx context.Context, path string, data []byte) error {
	segment, normalized, err := RootSegment(path)
	if err != nil {
		return err
	}
	h, err := m.handleFor(segment, true)
	if err != nil {
		return err
	}
	return h.do(ctx, func() error { return h.engine.WriteFile(ctx, normalized, data) })
}

// ReadFile routes a whole-file read to the owning shard.
func (m *Manager) ReadFile(ctx context.Context, path string) ([]byte, error) {
	segment, normalized, err := RootSegment(path)
	if err != nil {
		return nil, err
	}
	h, err := m.handleFor(segment, false)
	if err != nil {
		return nil, err
	}
	return Call(ctx, h.actor, func() ([]byte, error) {
		return h.engine.ReadFile(ctx, normalized)
	})
}

// Unlink routes a file deletion to the owning shard.
func (m *Manager) Unlink(ctx context.Context, path string) error {
	segment, normalized, err := RootSegment(path)
	if err != nil {
		return err
	}
	h, err := m.handleFor(segment, false)
	if err != nil {
		return err
	}
	return h.do(ctx, func() error { return h.engine.Unlink(ctx, normalized) })
}

// Mkdir routes a directory creation to the owning shard, creating the
// shard store on first use.
func (m *Manager) Mkdir(ctx context.Context, path string) error {
	segment, normalized, err := RootSegment(path)
	if err != nil {
		return err
	}
	h, err := m.handleFor(segment, true)
	if err != nil {
		return err
	}
	return h.do(ctx, func() error { return h.engine.Mkdir(ctx, normalized) })
}

// Rmdir routes a directory deletion to the owning shard.
func (m *Manager) Rmdir(ctx context.Context, path string) error {
	segment, normalized, err := RootSegment(path)
	if err != nil {
		return err
	}
	h, err := m.handleFor(segment, false)
	if err != nil {
		return err
	}
	return h.do(ctx, func() error { return h.engine.Rmdir(ctx, normalized) })
}

// ReadDir lists the immediate children of path. The empty path lists
// the namespace root, one name per shard root entry.
func (m *Manager) ReadDir(ctx context.Context, path string) ([]string, error) {
	if common.NormalizePath(path) == "" {
		entries, err := m.RootEntries(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Path)
		}
		return names, nil
	}

	segment, normalized, err := RootSegment(path)
	if err != nil {
		return nil, err
	}
	h, err := m.handleFor(segment, false)
	if err != nil {
		return nil, err
	}
	return Call(ctx, h.actor, func() ([]string, error) {
		return h.engine.ReadDir(ctx, normalized)
	})
}

// ReadDirEntries lists the immediate children of path with full
// metadata. The empty path lists the shard root entries.
func (m *Manager) ReadDirEntries(ctx context.Context, path string) ([]*storage.Entry, error) {
	if common.NormalizePath(path) == "" {
		return m.RootEntries(ctx)
	}

	segment, normalized, err := RootSegment(path)
	if err != nil {
		return nil, err
	}
	h, err := m.handleFor(segment, false)
	if err != nil {
		return nil, err
	}
	return Call(ctx, h.actor, func() ([]*storage.Entry, error) {
		return h.engine.ReadDirEntries(ctx, normalized)
	})
}

// Stat routes a metadata lookup to the owning shard.
func (m *Manager) Stat(ctx context.Context, path string) (*storage.Entry, error) {
	segment, normalized, err := RootSegment(path)
	if err != nil {
		return nil, err
	}
	h, err := m.handleFor(segment, false)
	if err != nil {
		return nil, err
	}
	return Call(ctx, h.actor, func() (*storage.Entry, error) {
		return h.engine.Stat(ctx, normalized)
	})
}

// OpenCount returns the number of shard stores currently held open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shards)
}

// Shards returns the root segments with a store file on disk, sorted.
func (m *Manager) Shards() ([]string, error) {
	dirents, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var segments []string
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if segment, ok := SegmentFromFileName(d.Name()); ok {
			segments = append(segments, segment)
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// RootEntries returns the root entry of every shard, sorted by path.
// Shards whose store holds no entries yet are skipped.
func (m *Manager) RootEntries(ctx context.Context) ([]*storage.Entry, error) {
	segments, err := m.Shards()
	if err != nil {
		return nil, err
	}
	entries := make([]*storage.Entry, 0, len(segments))
	for _, segment := range segments {
		h, err := m.handleFor(segment, false)
		if err != nil {
			return nil, err
		}
		entry, err := Call(ctx, h.actor, func() (*storage.Entry, error) {
			return h.engine.Stat(ctx, segment)
		})
		if common.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats returns per-shard storage statistics keyed by segment.
func (m *Manager) Stats(ctx context.Context) (map[string]*storage.ShardStats, error) {
	segments, err := m.Shards()
	if err != nil {
		return nil, err
	}
	stats := make(map[string]*storage.ShardStats, len(segments))
	for _, segment := range segments {
		h, err := m.handleFor(segment, false)
		if err != nil {
			return nil, err
		}
		s, err := Call(ctx, h.actor, func() (*storage.ShardStats, error) {
			return h.engine.Store().Stats(ctx)
		})
		if err != nil {
			return nil, err
		}
		stats[segment] = s
	}
	return stats, nil
}

// Verify runs the storage integrity checks on every shard and returns
// the problems keyed by segment. Shards with no problems are omitted.
func (m *Manager) Verify(ctx context.Context) (map[string][]storage.Problem, error) {
	segments, err := m.Shards()
	if err != nil {
		return nil, err
	}
	problems := make(map[string][]storage.Problem)
	for _, segment := range segments {
		h, err := m.handleFor(segment, false)
		if err != nil {
			return nil, err
		}
		found, err := Call(ctx, h.actor, func() ([]storage.Problem, error) {
			return h.engine.Store().Verify(ctx)
		})
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			problems[segment] = found
		}
	}
	return problems, nil
}

// Close stops every shard actor and closes the stores. The manager
// rejects further operations with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make([]*shardHandle, 0, len(m.shards))
	for _, h := range m.shards {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		h.actor.Close()
		if err := h.engine.Store().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
