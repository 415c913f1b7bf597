package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nfsfile "github.com/willscott/go-nfs/file"

	"shardfs/internal/common"
	"shardfs/internal/shard"
	"shardfs/internal/storage"
)

func testAdapter(t *testing.T) (*BillyAdapter, *shard.Manager) {
	t.Helper()
	mgr, err := shard.NewManager(filepath.Join(t.TempDir(), "data"), storage.DBContextDefault)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return NewBillyAdapter(mgr), mgr
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", ""},
		{"", ""},
		{".", ""},
		{"/a/b.txt", "a/b.txt"},
		{"a/b.txt", "a/b.txt"},
		{"//a//b//", "a/b"},
		{"/a/./b", "a/b"},
		{"/a/c/../b", "a/b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeName(tt.in), "normalizeName(%q)", tt.in)
	}
}

func TestMapFSError(t *testing.T) {
	assert.NoError(t, mapFSError(nil))
	assert.ErrorIs(t, mapFSError(common.ErrNotFound), os.ErrNotExist)
	assert.ErrorIs(t, mapFSError(common.ErrExists), os.ErrExist)
	assert.ErrorIs(t, mapFSError(common.ErrInvalidPath), os.ErrInvalid)
	assert.ErrorIs(t, mapFSError(common.ErrIsDir), common.ErrIsDir)
}

func TestBillyCreateWriteClose(t *testing.T) {
	adapter, mgr := testAdapter(t)

	f, err := adapter.Create("/proj/notes.txt")
	require.NoError(t, err)

	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, f.Close())

	data, err := mgr.ReadFile(context.Background(), "proj/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
}

func TestBillyCreateVisibleBeforeClose(t *testing.T) {
	adapter, mgr := testAdapter(t)

	f, err := adapter.OpenFile("/proj/new.txt", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()

	// NFS clients stat freshly created files before closing the handle
	entry, err := mgr.Stat(context.Background(), "proj/new.txt")
	require.NoError(t, err)
	assert.False(t, entry.IsDir())
	assert.Equal(t, int64(0), entry.Size)
}

func TestBillyTruncateOnOpen(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/big.txt", []byte("old content")))

	f, err := adapter.OpenFile("/proj/big.txt", os.O_WRONLY|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer f.Close()

	data, err := mgr.ReadFile(ctx, "proj/big.txt")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBillyOpenPreservesContent(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/keep.txt", []byte("keep me")))

	// O_CREATE without O_TRUNC must not clobber an existing file
	f, err := adapter.OpenFile("/proj/keep.txt", os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), data)
	require.NoError(t, f.Close())
}

func TestBillyOpenRead(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, mgr.WriteFile(context.Background(), "proj/read.txt", []byte("content")))

	f, err := adapter.Open("/proj/read.txt")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestBillyOpenMissing(t *testing.T) {
	adapter, _ := testAdapter(t)

	_, err := adapter.Open("/proj/nope.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBillyAppend(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/log.txt", []byte("one\n")))

	f, err := adapter.OpenFile("/proj/log.txt", os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := mgr.ReadFile(ctx, "proj/log.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("one\ntwo\n"), data)
}

func TestBillySeekWrite(t *testing.T) {
	adapter, mgr := testAdapter(t)

	f, err := adapter.Create("/proj/sparse.bin")
	require.NoError(t, err)

	// Writing past the end zero-fills the gap
	pos, err := f.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
	_, err = f.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := mgr.ReadFile(context.Background(), "proj/sparse.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 't', 'a', 'i', 'l'}, data)
}

func TestBillyReadAt(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, mgr.WriteFile(context.Background(), "proj/ra.txt", []byte("0123456789")))

	f, err := adapter.Open("/proj/ra.txt")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("3456"), buf)

	// Short read at the tail reports EOF with the partial count
	n, err = f.ReadAt(buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("89"), buf[:n])

	_, err = f.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBillySeekEnd(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, mgr.WriteFile(context.Background(), "proj/seek.txt", []byte("0123456789")))

	f, err := adapter.Open("/proj/seek.txt")
	require.NoError(t, err)
	defer f.Close()

	pos, err := f.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8), pos)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), data)

	pos, err = f.Seek(-5, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
}

func TestBillyFileTruncate(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/t.txt", []byte("0123456789")))

	f, err := adapter.OpenFile("/proj/t.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4))
	require.NoError(t, f.Close())

	data, err := mgr.ReadFile(ctx, "proj/t.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), data)

	f, err = adapter.OpenFile("/proj/t.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(6))
	require.NoError(t, f.Close())

	data, err = mgr.ReadFile(ctx, "proj/t.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte{'0', '1', '2', '3', 0, 0}, data)
}

func TestBillyWriteReadOnly(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, mgr.WriteFile(context.Background(), "proj/ro.txt", []byte("x")))

	f, err := adapter.Open("/proj/ro.txt")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("y"))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.ErrorIs(t, f.Truncate(0), os.ErrPermission)
}

func TestBillyFileClosed(t *testing.T) {
	adapter, _ := testAdapter(t)

	f, err := adapter.Create("/proj/c.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Idempotent close
	assert.NoError(t, f.Close())

	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = f.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.ErrorIs(t, f.Truncate(0), os.ErrClosed)
}

func TestBillyRename(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/old.txt", []byte("content")))

	require.NoError(t, adapter.Rename("/proj/old.txt", "/proj/sub/new.txt"))

	data, err := mgr.ReadFile(ctx, "proj/sub/new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)

	_, err = mgr.Stat(ctx, "proj/old.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestBillyRenameDirectory(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, mgr.Mkdir(context.Background(), "proj/dir"))

	err := adapter.Rename("/proj/dir", "/proj/moved")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
}

func TestBillyRemove(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/f.txt", []byte("x")))
	require.NoError(t, mgr.Mkdir(ctx, "proj/empty"))
	require.NoError(t, mgr.WriteFile(ctx, "proj/full/inner.txt", []byte("y")))

	require.NoError(t, adapter.Remove("/proj/f.txt"))
	_, err := mgr.Stat(ctx, "proj/f.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, adapter.Remove("/proj/empty"))
	_, err = mgr.Stat(ctx, "proj/empty")
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.Error(t, adapter.Remove("/proj/full"))
	assert.ErrorIs(t, adapter.Remove("/proj/missing"), os.ErrNotExist)
}

func TestBillyReadDir(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/a.txt", []byte("abc")))
	require.NoError(t, mgr.Mkdir(ctx, "proj/sub"))

	infos, err := adapter.ReadDir("/proj")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.txt", infos[0].Name())
	assert.Equal(t, int64(3), infos[0].Size())
	assert.False(t, infos[0].IsDir())
	assert.Equal(t, "sub", infos[1].Name())
	assert.True(t, infos[1].IsDir())
}

func TestBillyReadDirRoot(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "alpha/a.txt", []byte("x")))
	require.NoError(t, mgr.Mkdir(ctx, "beta"))

	infos, err := adapter.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name())
	assert.True(t, infos[0].IsDir())
	assert.Equal(t, "beta", infos[1].Name())
}

func TestBillyStat(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/s.txt", []byte("four")))
	require.NoError(t, mgr.Mkdir(ctx, "proj/d"))

	fi, err := adapter.Stat("/proj/s.txt")
	require.NoError(t, err)
	assert.Equal(t, "s.txt", fi.Name())
	assert.Equal(t, int64(4), fi.Size())
	assert.Equal(t, os.FileMode(0644), fi.Mode())
	assert.False(t, fi.IsDir())
	assert.False(t, fi.ModTime().IsZero())

	di, err := adapter.Stat("/proj/d")
	require.NoError(t, err)
	assert.True(t, di.IsDir())
	assert.Equal(t, os.ModeDir|0755, di.Mode())
	assert.Equal(t, int64(0), di.Size())

	_, err = adapter.Stat("/proj/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Lstat matches Stat, no symlinks in the namespace
	li, err := adapter.Lstat("/proj/s.txt")
	require.NoError(t, err)
	assert.Equal(t, fi.Name(), li.Name())
}

func TestBillyStatRoot(t *testing.T) {
	adapter, _ := testAdapter(t)

	fi, err := adapter.Stat("/")
	require.NoError(t, err)
	assert.Equal(t, "/", fi.Name())
	assert.True(t, fi.IsDir())
}

func TestBillyFileInfoSys(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, mgr.WriteFile(context.Background(), "proj/id.txt", []byte("x")))

	fi, err := adapter.Stat("/proj/id.txt")
	require.NoError(t, err)

	sys, ok := fi.Sys().(*nfsfile.FileInfo)
	require.True(t, ok, "Sys() must return *file.FileInfo for go-nfs")
	assert.Equal(t, uint32(1), sys.Nlink)
	assert.NotZero(t, sys.Fileid)

	// File ids are stable across lookups
	again, err := adapter.Stat("/proj/id.txt")
	require.NoError(t, err)
	assert.Equal(t, sys.Fileid, again.Sys().(*nfsfile.FileInfo).Fileid)

	other, err := adapter.Stat("/proj")
	require.NoError(t, err)
	assert.NotEqual(t, sys.Fileid, other.Sys().(*nfsfile.FileInfo).Fileid)
}

func TestBillyMkdirAll(t *testing.T) {
	adapter, mgr := testAdapter(t)

	require.NoError(t, adapter.MkdirAll("/proj/a/b", 0755))

	entry, err := mgr.Stat(context.Background(), "proj/a/b")
	require.NoError(t, err)
	assert.True(t, entry.IsDir())

	// Root always exists
	assert.NoError(t, adapter.MkdirAll("/", 0755))
}

func TestBillyUnsupported(t *testing.T) {
	adapter, _ := testAdapter(t)

	_, err := adapter.TempFile("/proj", "tmp")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
	assert.ErrorIs(t, adapter.Symlink("/a", "/b"), billy.ErrNotSupported)
	_, err = adapter.Readlink("/a")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
	_, err = adapter.Chroot("/proj")
	assert.ErrorIs(t, err, billy.ErrNotSupported)
}

func TestBillyChangeNoOps(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/m.txt", []byte("x")))

	assert.NoError(t, adapter.Chmod("/proj/m.txt", 0600))
	assert.NoError(t, adapter.Chown("/proj/m.txt", 1, 1))
	assert.NoError(t, adapter.Lchown("/proj/m.txt", 1, 1))
	assert.NoError(t, adapter.Chtimes("/proj/m.txt", time.Now(), time.Now()))

	data, err := mgr.ReadFile(ctx, "proj/m.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestBillyJoinRoot(t *testing.T) {
	adapter, _ := testAdapter(t)

	assert.Equal(t, "a/b/c", adapter.Join("a", "b", "c"))
	assert.Equal(t, "/", adapter.Root())
}

func TestBillyStatCacheInvalidation(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/c.txt", []byte("v1")))

	fi, err := adapter.Stat("/proj/c.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fi.Size())

	// A write through the adapter must not leave the old size cached
	f, err := adapter.OpenFile("/proj/c.txt", os.O_WRONLY|os.O_TRUNC, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("longer v2"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err = adapter.Stat("/proj/c.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(9), fi.Size())

	require.NoError(t, adapter.Remove("/proj/c.txt"))
	_, err = adapter.Stat("/proj/c.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBillyReadDirPrimesStatCache(t *testing.T) {
	adapter, mgr := testAdapter(t)
	ctx := context.Background()

	require.NoError(t, mgr.WriteFile(ctx, "proj/p1.txt", []byte("x")))
	require.NoError(t, mgr.WriteFile(ctx, "proj/p2.txt", []byte("xy")))

	_, err := adapter.ReadDir("/proj")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, adapter.attrs.Size(), 2)
}
