// Package copier streams a single file to its destination in fixed-size
// chunks. Data goes to a temporary sibling of the destination and only a
// fully copied file is renamed into place, so the destination path never
// holds partial content.
package copier

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/paulschiretz/pgl-spread/pkg/changemarker"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/pool"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

const (
	// DefaultChunkSize is the number of bytes moved per CopyChunk call.
	DefaultChunkSize = 1 << 20
	// DefaultTempSuffix is appended to the destination path while copying.
	DefaultTempSuffix = ".spread.temp"
)

// Options configures a Copier. Zero values fall back to defaults.
type Options struct {
	// ResetMarkers marks source and destination Clean after a commit.
	ResetMarkers bool
	Marker       changemarker.Marker
	TempSuffix   string
	// Buffers supplies chunk buffers; its size is the chunk size.
	Buffers *pool.ChunkPool
	Log     *plog.Logger
}

// Copier is one in-flight file copy. It is not safe for concurrent use.
type Copier struct {
	srcPath, dstPath, tempPath string
	opts                       Options

	src, dst *os.File
	mode     os.FileMode
	modTime  time.Time

	total, copied int64
	ill           bool
	eof           bool
	readErr       error
	writeErr      error
	released      bool
}

// New opens src for reading and the temporary destination for writing.
// Failures do not return an error: the copier is marked ill instead and
// the owner drops it on its next check of IsGood.
func New(srcPath, dstPath string, opts Options) *Copier {
	if opts.TempSuffix == "" {
		opts.TempSuffix = DefaultTempSuffix
	}
	if opts.Buffers == nil {
		opts.Buffers = pool.NewChunkPool(DefaultChunkSize)
	}
	if opts.Log == nil {
		opts.Log = plog.Discard()
	}

	c := &Copier{
		srcPath:  srcPath,
		dstPath:  dstPath,
		tempPath: dstPath + opts.TempSuffix,
		opts:     opts,
	}

	src, err := os.Open(srcPath)
	if err != nil {
		c.markIll("Failed to open source file", err)
		return c
	}
	info, err := src.Stat()
	if err != nil {
		src.Close()
		c.markIll("Failed to stat source file", err)
		return c
	}
	if !info.Mode().IsRegular() {
		src.Close()
		c.markIll("Source is not a regular file", fmt.Errorf("mode %s", info.Mode()))
		return c
	}

	dst, err := os.OpenFile(c.tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		src.Close()
		c.markIll("Failed to create temporary file", err)
		return c
	}

	c.src, c.dst = src, dst
	c.total = info.Size()
	c.mode = info.Mode().Perm()
	c.modTime = info.ModTime()
	return c
}

func (c *Copier) markIll(msg string, err error) {
	c.ill = true
	c.opts.Log.Warn(msg, "source", c.srcPath, "destination", c.dstPath, "error", err)
}

// CopyChunk moves at most one chunk from the source into the temporary file
// and returns the number of bytes written. It is a no-op once the source is
// exhausted or a stream failed.
func (c *Copier) CopyChunk() int64 {
	if c.ill || c.eof || c.readErr != nil || c.writeErr != nil {
		return 0
	}

	bufPtr := c.opts.Buffers.Get()
	defer c.opts.Buffers.Put(bufPtr)
	buf := *bufPtr

	n, err := io.ReadFull(c.src, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.eof = true
	case err != nil:
		c.readErr = err
		c.opts.Log.Warn("Failed to read source file", "source", c.srcPath, "error", err)
	}
	if n == 0 {
		return 0
	}

	written, err := c.dst.Write(buf[:n])
	c.copied += int64(written)
	if err != nil {
		c.writeErr = err
		c.opts.Log.Warn("Failed to write temporary file", "path", c.tempPath, "error", err)
	}
	return int64(written)
}

// IsDone reports whether the whole source has been copied.
func (c *Copier) IsDone() bool {
	return !c.ill && c.copied == c.total
}

// IsGood reports whether the copy can still complete. A source that ended
// before its recorded size (truncated while copying) is not good.
func (c *Copier) IsGood() bool {
	if c.ill || c.readErr != nil || c.writeErr != nil {
		return false
	}
	return !c.eof || c.copied == c.total
}

// Source returns the absolute source path.
func (c *Copier) Source() string { return c.srcPath }

// Destination returns the absolute final destination path.
func (c *Copier) Destination() string { return c.dstPath }

// TempPath returns the path of the temporary file.
func (c *Copier) TempPath() string { return c.tempPath }

// Copied returns the number of bytes written so far.
func (c *Copier) Copied() int64 { return c.copied }

// Total returns the source size captured when the copier was created.
func (c *Copier) Total() int64 { return c.total }

// Percent returns the completion in percent. Empty files report 100.
func (c *Copier) Percent() float64 {
	if c.total <= 0 {
		return 100
	}
	return float64(c.copied) * 100 / float64(c.total)
}

// Release ends the copy. A finished copy is committed by renaming the
// temporary file onto the destination and, if enabled, both files are marked
// Clean. Anything else discards the temporary file. Errors are logged, never
// returned. Release reports whether the file was committed; calling it
// again is a no-op.
func (c *Copier) Release() bool {
	if c.released {
		return false
	}
	c.released = true

	if c.src != nil {
		c.src.Close()
	}
	if c.dst == nil {
		// Nothing was ever created.
		return false
	}

	if !c.IsDone() {
		c.dst.Close()
		c.discard("Removed incomplete temporary file")
		return false
	}

	if err := c.finalizeTemp(); err != nil {
		c.opts.Log.Warn("Failed to finalize temporary file", "path", c.tempPath, "error", err)
		c.discard("Removed unfinalized temporary file")
		return false
	}

	if err := os.Rename(c.tempPath, c.dstPath); err != nil {
		c.opts.Log.Warn("Failed to move temporary file into place", "from", c.tempPath, "to", c.dstPath, "error", err)
		c.discard("Removed uncommitted temporary file")
		return false
	}

	if c.opts.ResetMarkers && c.opts.Marker != nil {
		for _, p := range []string{c.dstPath, c.srcPath} {
			if err := c.opts.Marker.Set(p, changemarker.Clean); err != nil {
				c.opts.Log.Warn("Failed to reset change marker", "path", p, "error", err)
			}
		}
	}
	return true
}

// finalizeTemp copies permissions, closes the file and copies timestamps.
// Timestamps are set after Close because flushing can touch them.
func (c *Copier) finalizeTemp() error {
	if err := c.dst.Chmod(util.WithUserWritePermission(c.mode)); err != nil {
		c.dst.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := c.dst.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	if err := os.Chtimes(c.tempPath, c.modTime, c.modTime); err != nil {
		return fmt.Errorf("failed to set timestamps: %w", err)
	}
	return nil
}

func (c *Copier) discard(msg string) {
	if err := os.Remove(c.tempPath); err != nil {
		if !os.IsNotExist(err) {
			c.opts.Log.Warn("Failed to remove temporary file", "path", c.tempPath, "error", err)
		}
		return
	}
	c.opts.Log.Debug(msg, "path", c.tempPath)
}
