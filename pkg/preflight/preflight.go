// Package preflight validates task roots before a task is created. Apart
// from creating missing destination directories the checks do not change
// the filesystem.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// writeTestName is created and removed by CheckDestinationWritable.
const writeTestName = ".pgl-spread-writetest.tmp"

// CheckTaskRoots validates the relation between a source and its
// destinations: no empty paths, no destination equal to the source or nested
// inside it (and the other way round), and no duplicate destinations.
func CheckTaskRoots(source string, destinations []string) error {
	if source == "" {
		return errors.New("source cannot be empty")
	}
	if len(destinations) == 0 {
		return fmt.Errorf("task for %s has no destinations", source)
	}
	src := normalize(source)
	seen := make(map[string]struct{}, len(destinations))
	for _, d := range destinations {
		if d == "" {
			return fmt.Errorf("task for %s has an empty destination", source)
		}
		dst := normalize(d)
		if _, dup := seen[dst]; dup {
			return fmt.Errorf("destination %s is listed twice", d)
		}
		seen[dst] = struct{}{}

		switch {
		case dst == src:
			return fmt.Errorf("destination %s is the source itself", d)
		case isWithin(dst, src):
			return fmt.Errorf("destination %s is inside source %s", d, source)
		case isWithin(src, dst):
			return fmt.Errorf("source %s is inside destination %s", source, d)
		}
		if isUnsafeRoot(filepath.Clean(d)) {
			return fmt.Errorf("destination %s is a filesystem root", d)
		}
	}
	return nil
}

// normalize returns a comparable form of path for nesting checks.
func normalize(path string) string {
	p := filepath.Clean(path)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if util.IsHostCaseInsensitiveFS() {
		p = strings.ToLower(p)
	}
	return p
}

// isWithin reports whether path lies strictly below dir. Both are normalized.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CheckSourceAccessible accepts a missing source (it is created on the first
// scan) but rejects one that exists and is not a directory.
func CheckSourceAccessible(srcPath string) error {
	info, err := os.Stat(srcPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}
	return nil
}

// CheckDestinationAccessible gives friendlier errors than letting MkdirAll fail:
//  1. On Windows, the drive or network share (e.g., "Z:", "\\Server\Share") must exist.
//  2. An existing destination must be a directory.
//  3. For a missing destination, its deepest existing ancestor must be accessible.
func CheckDestinationAccessible(dstPath string) error {
	if err := checkVolumeExists(dstPath); err != nil {
		return err
	}

	info, err := os.Stat(dstPath)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("destination path exists but is not a directory: %s", dstPath)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("cannot access destination path: %w", err)
	}

	ancestor := dstPath
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return nil
		}
		_, err := os.Stat(parent)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot access ancestor directory %s: %w", parent, err)
		}
		ancestor = parent
	}
}

// CheckDestinationWritable creates the destination if needed and proves it
// is writable by creating and removing a probe file.
func CheckDestinationWritable(dstPath string) error {
	if err := os.MkdirAll(dstPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dstPath, err)
	}
	probe := filepath.Join(dstPath, writeTestName)
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", dstPath, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// CheckTask runs every check for one task and creates missing destinations.
func CheckTask(source string, destinations []string) error {
	if err := CheckTaskRoots(source, destinations); err != nil {
		return err
	}
	if err := CheckSourceAccessible(source); err != nil {
		return err
	}
	for _, d := range destinations {
		if err := CheckDestinationAccessible(d); err != nil {
			return err
		}
		if err := CheckDestinationWritable(d); err != nil {
			return err
		}
	}
	return nil
}
