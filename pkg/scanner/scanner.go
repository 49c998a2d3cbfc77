// Package scanner enumerates a directory tree in caller-bounded steps.
//
// A Scanner keeps an explicit stack of open directory handles instead of
// recursing, so Scan can stop after any number of entries and resume on the
// next call exactly where it left off.
package scanner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// ErrNotDirectory is returned when a scan root exists but is not a directory.
var ErrNotDirectory = errors.New("scan root is not a directory")

// Excluder decides whether a relative path is skipped. *filter.Rules satisfies it.
type Excluder interface {
	Excluded(relPath string) bool
}

// readBatch is how many directory entries are fetched per ReadDir call.
const readBatch = 256

type dirCursor struct {
	f       *os.File
	rel     string
	pending []os.DirEntry
}

// Scanner walks one tree. It is not safe for concurrent use.
type Scanner struct {
	root    string
	exclude Excluder
	log     *plog.Logger

	stack     []*dirCursor
	paths     map[string]struct{}
	fileCount int
	started   bool
}

// New creates a scanner for root. A nil exclude records every regular file.
// The scanner is idle until Reset is called.
func New(root string, exclude Excluder, log *plog.Logger) *Scanner {
	return &Scanner{
		root:    root,
		exclude: exclude,
		log:     log,
		paths:   make(map[string]struct{}),
	}
}

// Root returns the scanned root directory.
func (s *Scanner) Root() string { return s.root }

// Reset discards every discovered path and restarts at the root. A missing
// root is created; a root that cannot be created or is not a directory is an
// error and leaves the scanner finished and empty.
func (s *Scanner) Reset() error {
	s.closeHandles()
	s.paths = make(map[string]struct{})
	s.fileCount = 0
	s.started = true

	info, err := os.Stat(s.root)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(s.root, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create scan root %s: %w", s.root, err)
		}
	case err != nil:
		return fmt.Errorf("failed to stat scan root %s: %w", s.root, err)
	case !info.IsDir():
		return fmt.Errorf("%w: %s", ErrNotDirectory, s.root)
	}

	f, err := os.Open(s.root)
	if err != nil {
		return fmt.Errorf("failed to open scan root %s: %w", s.root, err)
	}
	s.stack = append(s.stack, &dirCursor{f: f})
	return nil
}

// Scan visits at most amount directory entries and returns how many regular
// files it saw (filtered or not). Unreadable subdirectories are logged and
// skipped.
func (s *Scanner) Scan(amount int) int {
	seen := 0
	for visited := 0; visited < amount && len(s.stack) > 0; {
		top := s.stack[len(s.stack)-1]
		if len(top.pending) == 0 {
			entries, err := top.f.ReadDir(readBatch)
			if len(entries) == 0 {
				if err != nil && !errors.Is(err, io.EOF) {
					s.log.Warn("Failed to read directory", "path", filepath.Join(s.root, filepath.FromSlash(top.rel)), "error", err)
				}
				top.f.Close()
				s.stack = s.stack[:len(s.stack)-1]
				continue
			}
			top.pending = entries
		}

		entry := top.pending[0]
		top.pending = top.pending[1:]
		visited++

		rel := entry.Name()
		if top.rel != "" {
			rel = path.Join(top.rel, entry.Name())
		}

		switch {
		case entry.IsDir():
			abs := filepath.Join(s.root, filepath.FromSlash(rel))
			f, err := os.Open(abs)
			if err != nil {
				s.log.Warn("Failed to open directory", "path", abs, "error", err)
				continue
			}
			s.stack = append(s.stack, &dirCursor{f: f, rel: rel})
		case entry.Type().IsRegular():
			seen++
			s.fileCount++
			if s.exclude != nil && s.exclude.Excluded(rel) {
				continue
			}
			s.paths[rel] = struct{}{}
		}
		// Symlinks, devices and other special entries are not followed or recorded.
	}
	return seen
}

// Finished reports whether the enumeration reached the end of the tree.
func (s *Scanner) Finished() bool {
	return s.started && len(s.stack) == 0
}

// FileCount returns the number of regular files visited since the last
// Reset, including filtered ones.
func (s *Scanner) FileCount() int { return s.fileCount }

// Len returns the number of recorded paths.
func (s *Scanner) Len() int { return len(s.paths) }

// Paths returns the recorded relative paths in ascending order. The slice is
// a copy owned by the caller.
func (s *Scanner) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Close releases open directory handles. The scanner can be Reset again.
func (s *Scanner) Close() {
	s.closeHandles()
}

func (s *Scanner) closeHandles() {
	for _, c := range s.stack {
		c.f.Close()
	}
	s.stack = nil
}
