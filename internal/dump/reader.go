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

package dump

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"shardfs/internal/common"
	"shardfs/internal/storage"
)

// Reader consumes a dump stream. Next verifies each file record
// against its checksum and the trailer against the record counts, so
// a fully drained reader guarantees an intact dump.
type Reader struct {
	dec      *cbor.Decoder
	zr       io.ReadCloser // zstd release hook, nil otherwise
	tag      CompressionTag
	manifest Manifest
	seen     Trailer
	done     bool
}

// NewReader validates the dump header and manifest of r.
func NewReader(r io.Reader) (*Reader, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read dump header: %w", err)
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("not a shardfs dump (bad magic)")
	}
	if version := header[len(Magic)]; version != FormatVersion {
		return nil, fmt.Errorf("unsupported dump version %d", version)
	}

	dr := &Reader{tag: CompressionTag(header[len(Magic)+1])}
	switch dr.tag {
	case CompressionNone:
		dr.dec = decMode.NewDecoder(r)
	case CompressionLZ4:
		dr.dec = decMode.NewDecoder(lz4.NewReader(r))
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		dr.zr = zr.IOReadCloser()
		dr.dec = decMode.NewDecoder(dr.zr)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", dr.tag)
	}

	var rec record
	if err := dr.dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if rec.Kind != recordManifest || rec.Manifest == nil {
		return nil, fmt.Errorf("dump does not start with a manifest")
	}
	dr.manifest = *rec.Manifest
	return dr, nil
}

// Manifest returns the dump manifest.
func (r *Reader) Manifest() *Manifest {
	return &r.manifest
}

// Compression returns the stream compression tag from the header.
func (r *Reader) Compression() CompressionTag {
	return r.tag
}

// Seen returns the counts of records read so far. After Next has
// returned io.EOF these match the dump trailer.
func (r *Reader) Seen() Trailer {
	return r.seen
}

// Next returns the next entry record. It returns io.EOF once the
// trailer has been read and verified; a stream that ends without a
// trailer reports io.ErrUnexpectedEOF.
func (r *Reader) Next() (*EntryRecord, error) {
	if r.done {
		return nil, io.EOF
	}

	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("dump truncated before trailer: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	switch rec.Kind {
	case recordEntry:
		entry := rec.Entry
		if entry == nil {
			return nil, fmt.Errorf("entry record without payload")
		}
		switch entry.Kind {
		case storage.KindDir:
			r.seen.DirCount++
		case storage.KindFile:
			if int64(len(entry.Content)) != entry.Size {
				return nil, fmt.Errorf("dump entry %s: content is %d bytes, record says %d",
					entry.Path, len(entry.Content), entry.Size)
			}
			if !bytes.Equal(contentChecksum(entry.Content), entry.Checksum) {
				return nil, fmt.Errorf("dump entry %s: %w", entry.Path, common.ErrChecksum)
			}
			r.seen.FileCount++
			r.seen.ContentBytes += entry.Size
		default:
			return nil, fmt.Errorf("dump entry %s: unknown kind %q", entry.Path, entry.Kind)
		}
		r.seen.EntryCount++
		return entry, nil

	case recordTrailer:
		if rec.Trailer == nil {
			return nil, fmt.Errorf("trailer record without payload")
		}
		if *rec.Trailer != r.seen {
			return nil, fmt.Errorf("dump trailer mismatch: stream holds %+v, trailer says %+v", r.seen, *rec.Trailer)
		}
		r.done = true
		return nil, io.EOF

	default:
		return nil, fmt.Errorf("unexpected record kind %d", rec.Kind)
	}
}

// Close releases the decompressor.
func (r *Reader) Close() error {
	if r.zr != nil {
		return r.zr.Close()
	}
	return nil
}
