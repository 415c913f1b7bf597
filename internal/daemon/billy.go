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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	nfsfile "github.com/willscott/go-nfs/file"
	"github.com/zeebo/xxh3"

	"shardfs/internal/cache"
	"shardfs/internal/common"
	"shardfs/internal/shard"
	"shardfs/internal/storage"
)

// Attribute cache tuning. NFS clients stat aggressively; the short TTL
// bounds staleness when another process writes the same shards directly.
const (
	attrCacheTTL     = time.Second
	attrCacheMaxSize = 16384
)

// BillyAdapter exposes the shard namespace as a Billy filesystem. Files use
// whole-file semantics: opening reads the full content into memory, writes
// buffer in the handle, and Close flushes the buffer back in one write.
type BillyAdapter struct {
	mgr      *shard.Manager
	attrs    *cache.AttrCache
	uid      uint32 // cached os.Getuid(), saves a syscall per fileInfo.Sys()
	gid      uint32 // cached os.Getgid(), saves a syscall per fileInfo.Sys()
	rootTime time.Time
}

// NewBillyAdapter creates a Billy adapter over a shard manager
func NewBillyAdapter(mgr *shard.Manager) *BillyAdapter {
	return &BillyAdapter{
		mgr:      mgr,
		attrs:    cache.NewAttrCache(attrCacheTTL, attrCacheMaxSize),
		uid:      uint32(os.Getuid()),
		gid:      uint32(os.Getgid()),
		rootTime: time.Now(),
	}
}

// normalizeName turns a Billy path into a namespace path. The namespace root
// maps to the empty string.
func normalizeName(name string) string {
	return strings.Trim(path.Clean("/"+name), "/")
}

// mapFSError translates namespace errors into the os sentinel errors that
// Billy consumers (go-nfs in particular) know how to classify.
func mapFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, common.ErrExists):
		return os.ErrExist
	case errors.Is(err, common.ErrInvalidPath):
		return os.ErrInvalid
	default:
		return err
	}
}

// fileID derives a stable 64-bit file id from the namespace path.
func fileID(p string) uint64 {
	return xxh3.HashString(p)
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	p := normalizeName(filename)
	if p == "" {
		return nil, os.ErrInvalid
	}
	ctx := context.Background()

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0

	var buf []byte
	switch {
	case flag&os.O_TRUNC != 0:
		// Make the truncation visible immediately; clients stat right after
		if err := b.mgr.WriteFile(ctx, p, nil); err != nil {
			return nil, mapFSError(err)
		}
		b.invalidateEntry(p)
	case flag&os.O_CREATE != 0:
		data, err := b.mgr.ReadFile(ctx, p)
		if common.IsNotFound(err) {
			// Creation must be visible before the handle is closed
			if err := b.mgr.WriteFile(ctx, p, nil); err != nil {
				return nil, mapFSError(err)
			}
			b.invalidateEntry(p)
		} else if err != nil {
			return nil, mapFSError(err)
		} else {
			buf = data
		}
	default:
		data, err := b.mgr.ReadFile(ctx, p)
		if err != nil {
			return nil, mapFSError(err)
		}
		buf = data
	}

	return &billyFile{
		adapter:  b,
		path:     p,
		name:     filename,
		buf:      buf,
		writable: writable,
		appendTo: flag&os.O_APPEND != 0,
	}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	p := normalizeName(filename)
	if p == "" {
		return b.rootInfo(), nil
	}

	key := "/" + p
	if entry := b.attrs.Get(key); entry != nil {
		return b.entryInfo(entry), nil
	}

	entry, err := b.mgr.Stat(context.Background(), p)
	if err != nil {
		return nil, mapFSError(err)
	}
	b.attrs.Set(key, entry)
	return b.entryInfo(entry), nil
}

// invalidateEntry drops cached attributes after a mutation at p.
func (b *BillyAdapter) invalidateEntry(p string) {
	key := "/" + p
	b.attrs.InvalidatePathAndParent(key, path.Dir(key))
}

// Lstat is identical to Stat: the namespace has no symlinks.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

// Rename moves a file by copying content to the new path and unlinking the
// old one. The composite is not atomic. Directories are not supported.
func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	oldp := normalizeName(oldpath)
	newp := normalizeName(newpath)
	if oldp == "" || newp == "" {
		return os.ErrInvalid
	}
	ctx := context.Background()

	entry, err := b.mgr.Stat(ctx, oldp)
	if err != nil {
		return mapFSError(err)
	}
	if entry.IsDir() {
		return fmt.Errorf("rename %s: directories not supported: %w", oldp, billy.ErrNotSupported)
	}

	data, err := b.mgr.ReadFile(ctx, oldp)
	if err != nil {
		return mapFSError(err)
	}
	if err := b.mgr.WriteFile(ctx, newp, data); err != nil {
		return mapFSError(err)
	}
	oldKey, newKey := "/"+oldp, "/"+newp
	b.attrs.InvalidateRename(oldKey, newKey, path.Dir(oldKey), path.Dir(newKey))
	return mapFSError(b.mgr.Unlink(ctx, oldp))
}

// Remove deletes a file or an empty directory.
func (b *BillyAdapter) Remove(filename string) error {
	p := normalizeName(filename)
	if p == "" {
		return os.ErrInvalid
	}
	ctx := context.Background()

	entry, err := b.mgr.Stat(ctx, p)
	if err != nil {
		return mapFSError(err)
	}
	if entry.IsDir() {
		err = b.mgr.Rmdir(ctx, p)
	} else {
		err = b.mgr.Unlink(ctx, p)
	}
	b.invalidateEntry(p)
	return mapFSError(err)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	p := normalizeName(dirname)
	ctx := context.Background()

	var entries []*storage.Entry
	var err error
	if p == "" {
		entries, err = b.mgr.RootEntries(ctx)
	} else {
		entries, err = b.mgr.ReadDirEntries(ctx, p)
	}
	if err != nil {
		return nil, mapFSError(err)
	}

	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		// Prime the cache: READDIRPLUS stats every child right after
		b.attrs.Set("/"+e.Path, e)
		result = append(result, b.entryInfo(e))
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	p := normalizeName(filename)
	if p == "" {
		return nil // root always exists
	}
	if err := b.mgr.Mkdir(context.Background(), p); err != nil {
		return mapFSError(err)
	}
	b.invalidateEntry(p)
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface. Modes, owners, and times are not part of the
// catalog; accepting the calls keeps clients like cp -r working.
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error         { return nil }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return nil }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

func (b *BillyAdapter) rootInfo() os.FileInfo {
	return &fileInfo{
		name:    "/",
		id:      fileID(""),
		dir:     true,
		modTime: b.rootTime,
		uid:     b.uid,
		gid:     b.gid,
	}
}

func (b *BillyAdapter) entryInfo(e *storage.Entry) os.FileInfo {
	return &fileInfo{
		name:    path.Base(e.Path),
		id:      fileID(e.Path),
		dir:     e.IsDir(),
		size:    e.Size,
		modTime: e.Updated,
		uid:     b.uid,
		gid:     b.gid,
	}
}

// billyFile buffers one file's content between open and close.
type billyFile struct {
	adapter  *BillyAdapter
	path     string
	name     string
	buf      []byte
	offset   int64
	writable bool
	appendTo bool
	dirty    bool
	closed   bool
	mu       sync.Mutex
}

func (f *billyFile) Name() string {
	return f.name
}

func (f *billyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.writable {
		return 0, os.ErrPermission
	}

	off := f.offset
	if f.appendTo {
		off = int64(len(f.buf))
	}
	f.writeAt(p, off)
	f.offset = off + int64(len(p))
	return len(p), nil
}

// writeAt splices p into the buffer at off, zero-filling any gap.
func (f *billyFile) writeAt(p []byte, off int64) {
	end := off + int64(len(p))
	if int64(len(f.buf)) < end {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:end], p)
	f.dirty = true
}

func (f *billyFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	if f.offset >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *billyFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	if off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *billyFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		f.offset = int64(len(f.buf)) + offset
	}
	return f.offset, nil
}

func (f *billyFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return os.ErrClosed
	}
	if !f.writable {
		return os.ErrPermission
	}

	switch {
	case size < int64(len(f.buf)):
		f.buf = f.buf[:size]
	case size > int64(len(f.buf)):
		grown := make([]byte, size)
		copy(grown, f.buf)
		f.buf = grown
	}
	f.dirty = true
	return nil
}

// Close flushes buffered writes back to the store.
func (f *billyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.dirty && f.writable {
		if err := f.adapter.mgr.WriteFile(context.Background(), f.path, f.buf); err != nil {
			return mapFSError(err)
		}
		f.adapter.invalidateEntry(f.path)
	}
	return nil
}

func (f *billyFile) Lock() error   { return nil }
func (f *billyFile) Unlock() error { return nil }

// fileInfo carries catalog metadata in os.FileInfo form.
type fileInfo struct {
	name    string
	id      uint64
	dir     bool
	size    int64
	modTime time.Time
	uid     uint32
	gid     uint32
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	if fi.dir {
		return 0
	}
	return fi.size
}

func (fi *fileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0755
	}
	return 0644
}

func (fi *fileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi *fileInfo) IsDir() bool {
	return fi.dir
}

func (fi *fileInfo) Sys() interface{} {
	// go-nfs's GetInfo() only recognizes file.FileInfo or *file.FileInfo types
	return &nfsfile.FileInfo{
		Nlink:  1,
		UID:    fi.uid,
		GID:    fi.gid,
		Fileid: fi.id,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*billyFile)(nil)
	_ os.FileInfo      = (*fileInfo)(nil)
)
