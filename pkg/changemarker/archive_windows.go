//go:build windows

package changemarker

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// ArchiveBit uses the FILE_ATTRIBUTE_ARCHIVE flag. Windows sets it whenever a
// file is written, so a set bit reads Dirty.
type ArchiveBit struct{}

// New returns the native marker for this host.
func New() Marker { return ArchiveBit{} }

func (ArchiveBit) Get(path string) (State, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Dirty, err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return Dirty, fmt.Errorf("failed to read attributes of %s: %w", path, err)
	}
	if attrs&windows.FILE_ATTRIBUTE_ARCHIVE != 0 {
		return Dirty, nil
	}
	return Clean, nil
}

func (ArchiveBit) Set(path string, state State) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return fmt.Errorf("failed to read attributes of %s: %w", path, err)
	}
	switch state {
	case Clean:
		attrs &^= windows.FILE_ATTRIBUTE_ARCHIVE
	case Dirty:
		attrs |= windows.FILE_ATTRIBUTE_ARCHIVE
	default:
		return fmt.Errorf("invalid change marker state %d", state)
	}
	if err := windows.SetFileAttributes(p, attrs); err != nil {
		return fmt.Errorf("failed to set attributes of %s: %w", path, err)
	}
	return nil
}

var _ Marker = ArchiveBit{}
