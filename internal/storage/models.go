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
	"github.com/uptrace/bun"
)

// Bun ORM models for the shard database tables.

// ShardInfoModel represents the shard_info table
type ShardInfoModel struct {
	bun.BaseModel `bun:"table:shard_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// EntryModel represents the entries table (the path catalog).
// Size is NULL for directories; timestamps are unix milliseconds.
type EntryModel struct {
	bun.BaseModel `bun:"table:entries"`

	Path      string `bun:"path,pk"`
	Kind      string `bun:"kind,notnull"` // "file" or "dir"
	Size      *int64 `bun:"size"`
	CreatedAt int64  `bun:"created_at,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

// ToEntry converts an EntryModel to the Entry domain struct
func (m *EntryModel) ToEntry() *Entry {
	var size int64
	if m.Size != nil {
		size = *m.Size
	}
	return &Entry{
		Path:    m.Path,
		Kind:    m.Kind,
		Size:    size,
		Created: FromMillis(m.CreatedAt),
		Updated: FromMillis(m.UpdatedAt),
	}
}

// EntryModelFromEntry converts an Entry to EntryModel
func EntryModelFromEntry(e *Entry) *EntryModel {
	m := &EntryModel{
		Path:      e.Path,
		Kind:      e.Kind,
		CreatedAt: e.Created.UnixMilli(),
		UpdatedAt: e.Updated.UnixMilli(),
	}
	if e.Kind == KindFile {
		size := e.Size
		m.Size = &size
	}
	return m
}

// BlockModel represents the blocks table (fixed-size content chunks)
type BlockModel struct {
	bun.BaseModel `bun:"table:blocks"`

	Path     string `bun:"path,pk"`
	BlockIdx int64  `bun:"block_idx,pk"`
	Payload  []byte `bun:"payload,notnull"`
}
