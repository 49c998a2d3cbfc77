// Package tasklist reads and writes the persisted task-list document.
//
// The document is JSON. A file name ending in ".gz" is gzip compressed and
// one ending in ".zst" is zstd compressed; anything else is plain text.
package tasklist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-spread/pkg/filter"
	"github.com/paulschiretz/pgl-spread/pkg/hints"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// DefaultFileName is the task list used when none is configured.
const DefaultFileName = "pgl-spread.tasks.json"

// Document is the root of a task-list file.
type Document struct {
	Tasks []Task `json:"task_collection"`
}

// Task is one source and its destinations.
type Task struct {
	Source string `json:"source"`
	// UseArchiveBit turns on change-marker tracking for the task.
	UseArchiveBit bool          `json:"useArchiveBit"`
	Destinations  []Destination `json:"destinations"`
}

// Destination is one mirror target. The colon-separated list strings are an
// alternative spelling of the list fields; both are merged on read.
type Destination struct {
	Directory       string   `json:"directory"`
	WhiteList       []string `json:"whiteList,omitempty"`
	BlackList       []string `json:"blackList,omitempty"`
	WhiteListString string   `json:"whiteListString,omitempty"`
	BlackListString string   `json:"blackListString,omitempty"`
	WhiteListRegex  string   `json:"whiteListRegex,omitempty"`
	BlackListRegex  string   `json:"blackListRegex,omitempty"`
}

// Filter returns the destination's filter lists with the colon strings merged in.
func (d Destination) Filter() filter.Spec {
	return filter.Spec{
		WhiteList:  util.MergeUnique(d.WhiteList, util.ParseColonList(d.WhiteListString)),
		BlackList:  util.MergeUnique(d.BlackList, util.ParseColonList(d.BlackListString)),
		WhiteRegex: d.WhiteListRegex,
		BlackRegex: d.BlackListRegex,
	}
}

// NewDestination builds the persisted form of a destination. Lists are
// always written as arrays.
func NewDestination(dir string, spec filter.Spec) Destination {
	return Destination{
		Directory:      dir,
		WhiteList:      spec.WhiteList,
		BlackList:      spec.BlackList,
		WhiteListRegex: spec.WhiteRegex,
		BlackListRegex: spec.BlackRegex,
	}
}

type codec int

const (
	plain codec = iota
	gzipped
	zstded
)

func codecFor(path string) codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return gzipped
	case ".zst":
		return zstded
	default:
		return plain
	}
}

// Read loads a task list. A missing file is returned as a hint so callers
// can start with an empty list.
func Read(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, hints.Wrap(fmt.Errorf("task list %s not found: %w", path, err))
		}
		return nil, fmt.Errorf("could not open task list %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch codecFor(path) {
	case gzipped:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("could not open gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case zstded:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("could not open zstd stream of %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("could not parse task list %s: %w. It may be corrupt", path, err)
	}
	for i, t := range doc.Tasks {
		if t.Source == "" {
			return nil, fmt.Errorf("task list %s: task %d has no source", path, i)
		}
		for j, d := range t.Destinations {
			if d.Directory == "" {
				return nil, fmt.Errorf("task list %s: task %d destination %d has no directory", path, i, j)
			}
		}
	}
	return &doc, nil
}

// Write stores doc at path. The file is written to a temporary sibling and
// renamed into place.
func Write(path string, doc *Document) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("could not create directory for task list %s: %w", path, err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temporary task list: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if err := encode(tmp, codecFor(path), doc); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write task list %s: %w", path, err)
	}
	if err := tmp.Chmod(util.UserWritableFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("could not set permissions on task list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temporary task list: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("could not move task list into place: %w", err)
	}
	return nil
}

func encode(f *os.File, c codec, doc *Document) error {
	bw := bufio.NewWriter(f)
	var w io.WriteCloser
	switch c {
	case gzipped:
		w = pgzip.NewWriter(bw)
	case zstded:
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			return err
		}
		w = zw
	default:
		w = nopCloser{bw}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
