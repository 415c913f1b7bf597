package storage

import "time"

// Entry represents one path catalog record: a file or directory.
type Entry struct {
	Path    string
	Kind    string // KindFile or KindDir
	Size    int64  // byte length for files; 0 for directories
	Created time.Time
	Updated time.Time
}

// IsDir returns true if the entry is a directory
func (e *Entry) IsDir() bool {
	return e.Kind == KindDir
}

// IsFile returns true if the entry is a regular file
func (e *Entry) IsFile() bool {
	return e.Kind == KindFile
}

// BlockCount returns the number of content blocks implied by the entry size:
// ceil(size / BlockSize), zero for empty files and directories.
func (e *Entry) BlockCount() int64 {
	if e.Kind != KindFile || e.Size == 0 {
		return 0
	}
	return (e.Size + BlockSize - 1) / BlockSize
}

// NowMillis returns the current time in unix milliseconds, the resolution
// used for created_at/updated_at columns.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// FromMillis converts a unix-millisecond timestamp to time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
