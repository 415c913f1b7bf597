package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardfs/internal/common"
	"shardfs/internal/storage"
)

// testEngine creates an engine over a temporary shard store.
// Uses t.TempDir() which automatically cleans up after the test.
func testEngine(t *testing.T) (*Engine, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alpha.db")

	store, err := storage.Create(path, "alpha")
	require.NoError(t, err, "failed to create shard store")

	return New(store), func() {
		store.Close()
	}
}

// patternBytes returns n bytes of deterministic non-repeating content.
func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sizes := []int{
		0,
		1,
		storage.BlockSize - 1,
		storage.BlockSize,
		storage.BlockSize + 1,
		3 * storage.BlockSize,
		3*storage.BlockSize + 17,
		3 << 20,
	}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			t.Parallel()
			eng, cleanup := testEngine(t)
			defer cleanup()

			content := patternBytes(size)
			require.NoError(t, eng.WriteFile(ctx, "alpha/data.bin", content))

			got, err := eng.ReadFile(ctx, "alpha/data.bin")
			require.NoError(t, err)
			require.Len(t, got, size)
			assert.True(t, bytes.Equal(content, got), "content must round-trip unchanged")
		})
	}
}

func TestWriteFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates missing ancestors as directories", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/b/c.txt", []byte("x")))

		for _, dir := range []string{"alpha", "alpha/b"} {
			entry, err := eng.Stat(ctx, dir)
			require.NoError(t, err)
			assert.True(t, entry.IsDir(), "%s should be a directory", dir)
		}
	})

	t.Run("replace leaves exactly the new block set", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", patternBytes(3*storage.BlockSize)))
		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("short")))

		got, err := eng.ReadFile(ctx, "alpha/f")
		require.NoError(t, err)
		assert.Equal(t, []byte("short"), got)

		blocks, err := eng.Store().BunDB().GetBlocks(ctx, "alpha/f")
		require.NoError(t, err)
		assert.Len(t, blocks, 1, "no residual blocks from the previous content")
	})

	t.Run("empty content stores size zero with no blocks", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/empty", nil))

		entry, err := eng.Stat(ctx, "alpha/empty")
		require.NoError(t, err)
		assert.Equal(t, int64(0), entry.Size)

		blocks, err := eng.Store().BunDB().GetBlocks(ctx, "alpha/empty")
		require.NoError(t, err)
		assert.Empty(t, blocks)
	})

	t.Run("preserves created_at across rewrites", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("one")))
		first, err := eng.Stat(ctx, "alpha/f")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("two")))

		second, err := eng.Stat(ctx, "alpha/f")
		require.NoError(t, err)
		assert.Equal(t, first.Created, second.Created)
		assert.False(t, second.Updated.Before(first.Updated), "updated_at must not move backwards")
	})

	t.Run("fails on a directory target", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))
		err := eng.WriteFile(ctx, "alpha/d", []byte("x"))
		assert.ErrorIs(t, err, common.ErrIsDir)
	})

	t.Run("fails when an ancestor is a file", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("x")))
		err := eng.WriteFile(ctx, "alpha/f/child", []byte("y"))
		assert.ErrorIs(t, err, common.ErrNotDir)
	})

	t.Run("rejects invalid paths", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		for _, path := range []string{"", ".", "..", "../escape", "a\x00b"} {
			err := eng.WriteFile(ctx, path, []byte("x"))
			assert.ErrorIs(t, err, common.ErrInvalidPath, "path %q", path)
		}
	})
}

func TestReadFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fails for missing path", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		_, err := eng.ReadFile(ctx, "alpha/nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("a directory does not satisfy a read", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))
		_, err := eng.ReadFile(ctx, "alpha/d")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestUnlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("removes file and cascades to blocks", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f.bin", patternBytes(storage.BlockSize+100)))
		require.NoError(t, eng.Unlink(ctx, "alpha/f.bin"))

		_, err := eng.Stat(ctx, "alpha/f.bin")
		assert.ErrorIs(t, err, common.ErrNotFound)

		blocks, err := eng.Store().BunDB().GetBlocks(ctx, "alpha/f.bin")
		require.NoError(t, err)
		assert.Empty(t, blocks, "no residual block rows after unlink")
	})

	t.Run("fails for missing path", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		err := eng.Unlink(ctx, "alpha/nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("a directory is not a valid target", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))
		err := eng.Unlink(ctx, "alpha/d")
		assert.ErrorIs(t, err, common.ErrNotFound)

		entry, statErr := eng.Stat(ctx, "alpha/d")
		require.NoError(t, statErr)
		assert.True(t, entry.IsDir(), "directory must be untouched by a failed unlink")
	})
}

func TestMkdir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates full ancestor chain", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/b/c"))
		for _, dir := range []string{"alpha", "alpha/b", "alpha/b/c"} {
			entry, err := eng.Stat(ctx, dir)
			require.NoError(t, err)
			assert.True(t, entry.IsDir())
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))
		before, err := eng.Stat(ctx, "alpha/d")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))

		after, err := eng.Stat(ctx, "alpha/d")
		require.NoError(t, err)
		assert.Equal(t, before.Created, after.Created)
		assert.Equal(t, before.Updated, after.Updated, "repeat mkdir must not touch the entry")
	})

	t.Run("fails over an existing file", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("x")))
		err := eng.Mkdir(ctx, "alpha/f")
		assert.ErrorIs(t, err, common.ErrNotDir)

		err = eng.Mkdir(ctx, "alpha/f/sub")
		assert.ErrorIs(t, err, common.ErrNotDir)
	})
}

func TestRmdir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("guards non-empty directories", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "x/y"))

		err := eng.Rmdir(ctx, "x")
		assert.ErrorIs(t, err, common.ErrNotEmpty)

		require.NoError(t, eng.Rmdir(ctx, "x/y"))
		require.NoError(t, eng.Rmdir(ctx, "x"))

		_, err = eng.Stat(ctx, "x")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("counts any depth as non-empty", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "x/a/b/deep.txt", []byte("x")))
		err := eng.Rmdir(ctx, "x")
		assert.ErrorIs(t, err, common.ErrNotEmpty)
	})

	t.Run("fails for missing path", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		err := eng.Rmdir(ctx, "nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("a file is not a valid target", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("x")))
		err := eng.Rmdir(ctx, "alpha/f")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestReadDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns direct children only", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "x/y/z"))

		names, err := eng.ReadDir(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, []string{"y"}, names, "never y/z or any name containing a separator")
	})

	t.Run("sorts names and mixes kinds", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/b.txt", []byte("b")))
		require.NoError(t, eng.Mkdir(ctx, "alpha/a"))
		require.NoError(t, eng.WriteFile(ctx, "alpha/c", []byte("c")))

		names, err := eng.ReadDir(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b.txt", "c"}, names)
	})

	t.Run("ignores prefix-sharing siblings", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "ab/sub"))
		require.NoError(t, eng.Mkdir(ctx, "a"))

		names, err := eng.ReadDir(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, names, "ab/* must not appear under a")
	})

	t.Run("empty directory lists nothing", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))
		names, err := eng.ReadDir(ctx, "alpha/d")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("fails when path is not a directory", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		_, err := eng.ReadDir(ctx, "alpha/nope")
		assert.ErrorIs(t, err, common.ErrNotFound)

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", []byte("x")))
		_, err = eng.ReadDir(ctx, "alpha/f")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("entries carry kind and size", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", patternBytes(10)))
		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))

		entries, err := eng.ReadDirEntries(ctx, "alpha")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "alpha/d", entries[0].Path)
		assert.True(t, entries[0].IsDir())
		assert.Equal(t, "alpha/f", entries[1].Path)
		assert.True(t, entries[1].IsFile())
		assert.Equal(t, int64(10), entries[1].Size)
	})
}

func TestStat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reports file metadata", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.WriteFile(ctx, "alpha/f", patternBytes(42)))

		entry, err := eng.Stat(ctx, "alpha/f")
		require.NoError(t, err)
		assert.True(t, entry.IsFile())
		assert.Equal(t, int64(42), entry.Size)
		assert.False(t, entry.Created.IsZero())
		assert.False(t, entry.Updated.IsZero())
	})

	t.Run("normalizes before lookup", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		require.NoError(t, eng.Mkdir(ctx, "alpha/d"))
		entry, err := eng.Stat(ctx, "alpha/d/")
		require.NoError(t, err)
		assert.Equal(t, "alpha/d", entry.Path)
	})

	t.Run("fails for missing path", func(t *testing.T) {
		t.Parallel()
		eng, cleanup := testEngine(t)
		defer cleanup()

		_, err := eng.Stat(ctx, "alpha/nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}
