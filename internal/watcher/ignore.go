package watcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// defaultIgnorePatterns are editor scratch files that never deserve a
// history of their own.
var defaultIgnorePatterns = []string{
	"*.swp",
	"*.swo",
	"*~",
	".#*",
	".DS_Store",
}

// IgnoreFilter decides which paths under a watch root are skipped entirely:
// not registered, not emitted, never backed up.
//
// Glob patterns are matched against each path component below the root, so
// "node_modules" matches "a/node_modules/b.js" and "*.swp" matches any swap
// file. When gitignore support is on, the .gitignore files found under the
// root at construction time are honoured as well.
type IgnoreFilter struct {
	root     string
	patterns []string
	git      gitignore.Matcher
}

// NewIgnoreFilter creates a filter for root with the default patterns merged
// with extra. Duplicates are removed.
func NewIgnoreFilter(root string, extra []string, useGitignore bool) (*IgnoreFilter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	// Match the resolved root the Watcher reports paths under.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	seen := make(map[string]struct{}, len(defaultIgnorePatterns)+len(extra))
	var merged []string
	for _, list := range [][]string{defaultIgnorePatterns, extra} {
		for _, p := range list {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				merged = append(merged, p)
			}
		}
	}

	f := &IgnoreFilter{root: abs, patterns: merged}
	if useGitignore {
		ps, err := gitignore.ReadPatterns(osfs.New(abs), nil)
		if err != nil {
			return nil, fmt.Errorf("read .gitignore files: %w", err)
		}
		f.git = gitignore.NewMatcher(ps)
	}
	return f, nil
}

// ShouldIgnore reports whether path should be skipped. isDir only matters for
// directory-only gitignore rules ("build/"). The root itself is never ignored.
func (f *IgnoreFilter) ShouldIgnore(path string, isDir bool) bool {
	if f == nil {
		return false
	}
	components := f.components(path)
	if len(components) == 0 {
		return false
	}

	for _, component := range components {
		for _, pattern := range f.patterns {
			if matched, _ := filepath.Match(pattern, component); matched {
				return true
			}
		}
	}
	if f.git != nil && f.git.Match(components, isDir) {
		return true
	}
	return false
}

// components splits path relative to the root. Paths outside the root are
// split whole.
func (f *IgnoreFilter) components(path string) []string {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(f.root, cleaned)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			cleaned = rel
		}
	}
	if cleaned == "." {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(cleaned, string(filepath.Separator)) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
