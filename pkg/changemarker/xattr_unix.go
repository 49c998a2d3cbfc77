//go:build linux || darwin || freebsd

package changemarker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// XattrName is the extended attribute that stores the clean stamp.
const XattrName = "user.pgl-spread.clean"

// Xattr emulates an archive bit with an extended attribute. Marking a file
// Clean stores its modification time and size; the file reads Dirty again as
// soon as either differs, or when the attribute is missing.
type Xattr struct{}

// New returns the native marker for this host.
func New() Marker { return Xattr{} }

func (Xattr) Get(path string) (State, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Dirty, err
	}

	buf := make([]byte, 64)
	n, err := unix.Getxattr(path, XattrName, buf)
	if err != nil {
		if errors.Is(err, errNoAttr) {
			return Dirty, nil
		}
		return Dirty, fmt.Errorf("failed to read change marker of %s: %w", path, err)
	}
	if string(buf[:n]) != stamp(info) {
		return Dirty, nil
	}
	return Clean, nil
}

func (Xattr) Set(path string, state State) error {
	switch state {
	case Clean:
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if err := unix.Setxattr(path, XattrName, []byte(stamp(info)), 0); err != nil {
			return fmt.Errorf("failed to set change marker of %s: %w", path, err)
		}
	case Dirty:
		if err := unix.Removexattr(path, XattrName); err != nil && !errors.Is(err, errNoAttr) {
			return fmt.Errorf("failed to clear change marker of %s: %w", path, err)
		}
	default:
		return fmt.Errorf("invalid change marker state %d", state)
	}
	return nil
}

func stamp(info os.FileInfo) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(info.ModTime().UnixNano(), 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(info.Size(), 10))
	return b.String()
}

var _ Marker = Xattr{}
