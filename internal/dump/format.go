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

// Package dump implements the portable archive format for shardfs
// namespaces: a fixed header, then a compressed CBOR record stream
// holding one manifest, every catalog entry with inline content, and a
// counting trailer. Encoding is deterministic (RFC 8949 §4.2), so the
// same namespace always dumps to identical bytes for a given manifest.
package dump

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"
)

// Magic opens every dump file. The trailing digit is the header
// layout generation, separate from FormatVersion.
const Magic = "SFSDUMP1"

// FormatVersion is the record stream version byte.
const FormatVersion = 1

// FileExt is the conventional dump filename extension.
const FileExt = ".sfsdump"

// headerLen is magic + version byte + compression tag byte.
const headerLen = len(Magic) + 2

// CompressionTag identifies the compression applied to the record
// stream after the header. These values are format constants.
type CompressionTag uint8

const (
	// CompressionNone stores the record stream uncompressed.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 wraps the record stream in an LZ4 frame. Fast
	// default when dump speed matters more than size.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd wraps the record stream in a zstd frame at the
	// default level. Best ratio for text-heavy namespaces.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string form.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// recordKind discriminates the records in the stream.
type recordKind uint8

const (
	recordManifest recordKind = 1
	recordEntry    recordKind = 2
	recordTrailer  recordKind = 3
)

// Manifest is the first record of every dump.
type Manifest struct {
	FormatVersion int      `cbor:"format_version"`
	DumpID        string   `cbor:"dump_id"`
	CreatedAt     int64    `cbor:"created_at"`
	ToolVersion   string   `cbor:"tool_version,omitempty"`
	Shards        []string `cbor:"shards,omitempty"`
}

// EntryRecord carries one catalog entry. Files inline their full
// content together with an xxh3-128 checksum of it; directories carry
// metadata only.
type EntryRecord struct {
	Path      string `cbor:"path"`
	Kind      string `cbor:"kind"`
	Size      int64  `cbor:"size,omitempty"`
	CreatedAt int64  `cbor:"created_at"`
	UpdatedAt int64  `cbor:"updated_at"`
	Content   []byte `cbor:"content,omitempty"`
	Checksum  []byte `cbor:"checksum,omitempty"`
}

// Trailer closes the stream and lets readers detect truncation.
type Trailer struct {
	EntryCount   int64 `cbor:"entry_count"`
	FileCount    int64 `cbor:"file_count"`
	DirCount     int64 `cbor:"dir_count"`
	ContentBytes int64 `cbor:"content_bytes"`
}

// record is the on-stream union: exactly one payload field is set,
// matching Kind.
type record struct {
	Kind     recordKind   `cbor:"kind"`
	Manifest *Manifest    `cbor:"manifest,omitempty"`
	Entry    *EntryRecord `cbor:"entry,omitempty"`
	Trailer  *Trailer     `cbor:"trailer,omitempty"`
}

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("dump: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("dump: CBOR decoder initialization failed: " + err.Error())
	}
}

// contentChecksum returns the xxh3-128 digest of data.
func contentChecksum(data []byte) []byte {
	sum := xxh3.Hash128(data).Bytes()
	return sum[:]
}
