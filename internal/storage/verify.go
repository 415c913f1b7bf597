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
	"fmt"
	"strings"
)

// Problem describes one integrity violation found by Verify.
type Problem struct {
	Path string
	Desc string
}

func (p Problem) String() string {
	return p.Path + ": " + p.Desc
}

// fileBlockRow aggregates the block accounting for one file entry.
type fileBlockRow struct {
	Path       string `bun:"path"`
	Size       int64  `bun:"size"`
	BlockCount int64  `bun:"block_count"`
	PayloadSum int64  `bun:"payload_sum"`
	MinIdx     int64  `bun:"min_idx"`
	MaxIdx     int64  `bun:"max_idx"`
}

// Verify checks the shard against the storage invariants and returns one
// Problem per violation. An empty slice means the shard is consistent:
//  1. each file's block indices are exactly {0 .. ceil(size/BlockSize)-1}
//  2. block payload lengths sum to the entry size, with every non-final
//     block exactly BlockSize long
//  3. directories have no blocks and a NULL size
//  4. every entry's parent exists as a directory (ancestor closure)
//  5. no block row exists without its entry
func (s *Store) Verify(ctx context.Context) ([]Problem, error) {
	var problems []Problem
	db := s.bunDB

	// Orphan blocks (5). The foreign key should make these impossible.
	var orphans []struct {
		Path string `bun:"path"`
	}
	err := db.NewRaw(`
		SELECT DISTINCT b.path AS path
		FROM blocks b LEFT JOIN entries e ON e.path = b.path
		WHERE e.path IS NULL
	`).Scan(ctx, &orphans)
	if err != nil {
		return nil, fmt.Errorf("orphan block query: %w", err)
	}
	for _, o := range orphans {
		problems = append(problems, Problem{o.Path, "blocks without a catalog entry"})
	}

	// Directories with blocks (3).
	var dirBlocks []struct {
		Path string `bun:"path"`
	}
	err = db.NewRaw(`
		SELECT DISTINCT e.path AS path
		FROM entries e JOIN blocks b ON b.path = e.path
		WHERE e.kind = 'dir'
	`).Scan(ctx, &dirBlocks)
	if err != nil {
		return nil, fmt.Errorf("directory block query: %w", err)
	}
	for _, d := range dirBlocks {
		problems = append(problems, Problem{d.Path, "directory has content blocks"})
	}

	// Short non-final blocks (2).
	var shortBlocks []struct {
		Path     string `bun:"path"`
		BlockIdx int64  `bun:"block_idx"`
	}
	err = db.NewRaw(`
		SELECT b.path AS path, b.block_idx AS block_idx
		FROM blocks b
		JOIN (SELECT path, MAX(block_idx) AS last_idx FROM blocks GROUP BY path) t
		  ON b.path = t.path
		WHERE b.block_idx < t.last_idx AND LENGTH(b.payload) != ?
	`, BlockSize).Scan(ctx, &shortBlocks)
	if err != nil {
		return nil, fmt.Errorf("short block query: %w", err)
	}
	for _, b := range shortBlocks {
		problems = append(problems, Problem{b.Path,
			fmt.Sprintf("non-final block %d is not %d bytes", b.BlockIdx, BlockSize)})
	}

	// Per-file block accounting (1, 2).
	var files []fileBlockRow
	err = db.NewRaw(`
		SELECT e.path AS path,
		       COALESCE(e.size, -1) AS size,
		       COUNT(b.path) AS block_count,
		       COALESCE(SUM(LENGTH(b.payload)), 0) AS payload_sum,
		       COALESCE(MIN(b.block_idx), 0) AS min_idx,
		       COALESCE(MAX(b.block_idx), -1) AS max_idx
		FROM entries e LEFT JOIN blocks b ON b.path = e.path
		WHERE e.kind = 'file'
		GROUP BY e.path
	`).Scan(ctx, &files)
	if err != nil {
		return nil, fmt.Errorf("file block query: %w", err)
	}
	for _, f := range files {
		if f.Size < 0 {
			problems = append(problems, Problem{f.Path, "file has NULL size"})
			continue
		}
		want := (f.Size + BlockSize - 1) / BlockSize
		if f.BlockCount != want {
			problems = append(problems, Problem{f.Path,
				fmt.Sprintf("expected %d blocks for %d bytes, found %d", want, f.Size, f.BlockCount)})
			continue
		}
		// With the (path, block_idx) primary key ruling out duplicates,
		// count == max+1 and min == 0 imply a gap-free index set.
		if want > 0 && (f.MinIdx != 0 || f.MaxIdx != want-1) {
			problems = append(problems, Problem{f.Path,
				fmt.Sprintf("block indices span [%d, %d], want [0, %d]", f.MinIdx, f.MaxIdx, want-1)})
		}
		if f.PayloadSum != f.Size {
			problems = append(problems, Problem{f.Path,
				fmt.Sprintf("block payloads sum to %d bytes, entry says %d", f.PayloadSum, f.Size)})
		}
	}

	// Entry shape and ancestor closure (3, 4).
	entries, err := db.ListAllEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("entry list: %w", err)
	}
	kinds := make(map[string]string, len(entries))
	for _, e := range entries {
		kinds[e.Path] = e.Kind
	}
	for _, e := range entries {
		if e.Kind == KindDir && e.Size != nil {
			problems = append(problems, Problem{e.Path, "directory has a size"})
		}
		idx := strings.LastIndexByte(e.Path, '/')
		if idx < 0 {
			continue
		}
		parent := e.Path[:idx]
		switch kinds[parent] {
		case KindDir:
		case KindFile:
			problems = append(problems, Problem{e.Path, "parent is a file"})
		default:
			problems = append(problems, Problem{e.Path, "parent entry missing"})
		}
	}

	return problems, nil
}
