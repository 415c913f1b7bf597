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

// Package shard routes filesystem operations to per-shard actors. The
// first path segment names the shard; every shard owns an isolated
// store file and processes its operations strictly one at a time.
package shard

import (
	"net/url"
	"strings"

	"shardfs/internal/common"
)

// ShardFileExt is the filename extension for shard store files.
const ShardFileExt = ".db"

// RootSegment validates path and returns its first segment together
// with the normalized path.
func RootSegment(path string) (segment, normalized string, err error) {
	normalized, err = common.ValidatePath(path)
	if err != nil {
		return "", "", err
	}
	segment, _, _ = strings.Cut(normalized, "/")
	return segment, normalized, nil
}

// ShardFileName maps a root segment to its store filename. Segments are
// percent-escaped so arbitrary names stay within one flat directory.
func ShardFileName(segment string) string {
	return url.PathEscape(segment) + ShardFileExt
}

// SegmentFromFileName recovers the root segment from a store filename.
// Returns false for names that are not shard store files.
func SegmentFromFileName(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ShardFileExt)
	if !ok || base == "" {
		return "", false
	}
	segment, err := url.PathUnescape(base)
	if err != nil {
		return "", false
	}
	return segment, true
}
