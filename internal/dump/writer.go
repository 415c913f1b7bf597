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
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"shardfs/internal/storage"
)

// Writer streams a dump: header, manifest, entry records, trailer.
// Close writes the trailer and flushes the compressor; the underlying
// writer is left open for the caller.
type Writer struct {
	zw       io.WriteCloser // compressor, nil when CompressionNone
	enc      *cbor.Encoder
	manifest Manifest
	trailer  Trailer
	closed   bool
}

// NewWriter writes the dump header and manifest to w and returns a
// writer for the entry records. The manifest's format version, id and
// timestamp are assigned here; tool version and shard list come from
// the caller.
func NewWriter(w io.Writer, tag CompressionTag, manifest Manifest) (*Writer, error) {
	header := make([]byte, 0, headerLen)
	header = append(header, Magic...)
	header = append(header, FormatVersion, byte(tag))
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write dump header: %w", err)
	}

	manifest.FormatVersion = FormatVersion
	manifest.DumpID = uuid.NewString()
	manifest.CreatedAt = storage.NowMillis()
	dw := &Writer{manifest: manifest}

	switch tag {
	case CompressionNone:
		dw.enc = encMode.NewEncoder(w)
	case CompressionLZ4:
		dw.zw = lz4.NewWriter(w)
		dw.enc = encMode.NewEncoder(dw.zw)
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		dw.zw = zw
		dw.enc = encMode.NewEncoder(dw.zw)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}

	if err := dw.enc.Encode(record{Kind: recordManifest, Manifest: &dw.manifest}); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return dw, nil
}

// Manifest returns the manifest written at the head of the stream.
func (w *Writer) Manifest() *Manifest {
	return &w.manifest
}

// WriteEntry appends one catalog entry. content is ignored for
// directories; for files it must be the full content matching
// entry.Size.
func (w *Writer) WriteEntry(entry *storage.Entry, content []byte) error {
	if w.closed {
		return fmt.Errorf("dump writer closed")
	}

	rec := EntryRecord{
		Path:      entry.Path,
		Kind:      entry.Kind,
		CreatedAt: entry.Created.UnixMilli(),
		UpdatedAt: entry.Updated.UnixMilli(),
	}
	switch entry.Kind {
	case storage.KindDir:
		w.trailer.DirCount++
	case storage.KindFile:
		if int64(len(content)) != entry.Size {
			return fmt.Errorf("dump %s: content is %d bytes, entry says %d", entry.Path, len(content), entry.Size)
		}
		rec.Size = entry.Size
		rec.Content = content
		rec.Checksum = contentChecksum(content)
		w.trailer.FileCount++
		w.trailer.ContentBytes += entry.Size
	default:
		return fmt.Errorf("dump %s: unknown entry kind %q", entry.Path, entry.Kind)
	}
	w.trailer.EntryCount++

	if err := w.enc.Encode(record{Kind: recordEntry, Entry: &rec}); err != nil {
		return fmt.Errorf("write entry %s: %w", entry.Path, err)
	}
	return nil
}

// Summary returns the running record counts.
func (w *Writer) Summary() Trailer {
	return w.trailer
}

// Close writes the trailer and flushes the compression frame.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.enc.Encode(record{Kind: recordTrailer, Trailer: &w.trailer}); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("flush compressor: %w", err)
		}
	}
	return nil
}
