package dump

import (
	ignore "github.com/sabhiram/go-gitignore"
)

// Filter decides which catalog paths a dump or restore touches.
// Patterns use gitignore syntax and match against the root-relative
// catalog path.
type Filter struct {
	matcher *ignore.GitIgnore
}

// NewFilter compiles gitignore-style exclude patterns. With no
// patterns every path passes.
func NewFilter(patterns []string) *Filter {
	if len(patterns) == 0 {
		return &Filter{}
	}
	return &Filter{matcher: ignore.CompileIgnoreLines(patterns...)}
}

// Excluded reports whether path matches an exclude pattern. Directory
// paths are also checked with a trailing slash so `dir/` patterns
// behave as in gitignore.
func (f *Filter) Excluded(path string, isDir bool) bool {
	if f == nil || f.matcher == nil {
		return false
	}
	if f.matcher.MatchesPath(path) {
		return true
	}
	if isDir && f.matcher.MatchesPath(path+"/") {
		return true
	}
	return false
}
