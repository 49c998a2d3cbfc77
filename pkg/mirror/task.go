// Package mirror implements the per-source mirror task: one source tree
// replicated into N destination trees.
//
// A task is driven by repeated calls to Pulse. Each call does one bounded
// step of the current phase:
//
//	Scanning  every scanner advances by the scan budget
//	Diffing   every destination's difference advances by the diff quantum
//	Syncing   finished jobs are retired, idle destinations get a new job and
//	          every active job copies one chunk
//
// Refresh and Reset send the task back to Scanning.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/paulschiretz/pgl-spread/pkg/changemarker"
	"github.com/paulschiretz/pgl-spread/pkg/copier"
	"github.com/paulschiretz/pgl-spread/pkg/filter"
	"github.com/paulschiretz/pgl-spread/pkg/scanner"
	"github.com/paulschiretz/pgl-spread/pkg/symdiff"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

var (
	// ErrBusy is returned by writers that found the task lock taken.
	ErrBusy = errors.New("task is busy")
	// ErrUnavailable is returned by Progress when the lock could not be taken in time.
	ErrUnavailable = errors.New("task progress unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("task is closed")
)

// Phase is the state of a task's state machine.
type Phase int

const (
	Scanning Phase = iota
	Diffing
	Syncing
)

func (p Phase) String() string {
	switch p {
	case Scanning:
		return "scanning"
	case Diffing:
		return "diffing"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("unknown_phase(%d)", int(p))
	}
}

type destination struct {
	dir   string
	spec  filter.Spec
	rules *filter.Rules
	scan  *scanner.Scanner
	diff  *symdiff.Extractor[string]
	job   *copier.Copier

	// blocked holds paths whose destination directory could not be created.
	blocked map[string]struct{}
}

// Task mirrors one source into its destinations.
type Task struct {
	// sem is the task lock. Writers only ever TryAcquire it; readers wait
	// at most ReportTimeout.
	sem *semaphore.Weighted
	cfg Config

	source    *scanner.Scanner
	dests     []*destination
	diffFound bool
	lastWork  int64 // unix nanos of the last pulse that did work
	closed    bool
}

// New validates cfg, compiles the filters and resets every scanner, creating
// missing roots. Any failure is a configuration error and no task is returned.
func New(cfg Config) (*Task, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	temp := filter.TempSuffix(cfg.TempSuffix)
	// Both sides skip temporary files; destination rules apply at diff time.
	tempOnly := &filter.Rules{Implicit: []filter.Filter{temp}}

	t := &Task{
		sem:    semaphore.NewWeighted(1),
		cfg:    cfg,
		source: scanner.New(cfg.Source, tempOnly, cfg.Log),
	}
	for _, d := range cfg.Destinations {
		rules, err := filter.Compile(d.Filter, temp)
		if err != nil {
			return nil, fmt.Errorf("invalid filter for destination %s: %w", d.Dir, err)
		}
		t.dests = append(t.dests, &destination{
			dir:   d.Dir,
			spec:  d.Filter,
			rules: rules,
			scan:  scanner.New(d.Dir, tempOnly, cfg.Log),
		})
	}

	if err := t.resetScanners(); err != nil {
		t.closeScanners()
		return nil, err
	}
	t.touch()
	return t, nil
}

// Source returns the source root.
func (t *Task) Source() string { return t.cfg.Source }

// UseChangeMarker reports whether the change-marker recopy policy is on.
func (t *Task) UseChangeMarker() bool { return t.cfg.UseChangeMarker }

// Destinations returns the configured destinations.
func (t *Task) Destinations() []Destination {
	out := make([]Destination, len(t.dests))
	for i, d := range t.dests {
		out[i] = Destination{Dir: d.dir, Filter: d.spec}
	}
	return out
}

// Pulse runs one bounded step and reports whether any work was done.
// It returns immediately if the task lock is held by someone else.
func (t *Task) Pulse(scanBudget int) bool {
	if !t.sem.TryAcquire(1) {
		return false
	}
	defer t.sem.Release(1)
	if t.closed {
		return false
	}

	switch t.phase() {
	case Scanning:
		t.scanStep(scanBudget)
		t.touch()
		return true
	case Diffing:
		t.diffStep()
		t.touch()
		return true
	default:
		worked := t.syncStep()
		if worked {
			t.touch()
		}
		return worked
	}
}

func (t *Task) phase() Phase {
	if !t.scansFinished() {
		return Scanning
	}
	if !t.diffFound {
		return Diffing
	}
	return Syncing
}

func (t *Task) scansFinished() bool {
	if !t.source.Finished() {
		return false
	}
	for _, d := range t.dests {
		if !d.scan.Finished() {
			return false
		}
	}
	return true
}

func (t *Task) scanStep(budget int) {
	total := t.source.Scan(budget)
	for _, d := range t.dests {
		total += d.scan.Scan(budget)
	}
	if total > 0 {
		t.cfg.Metrics.AddFilesScanned(int64(total))
		t.cfg.Log.Notice("Scanned files", "source", t.cfg.Source, "count", total)
	}
}

func (t *Task) diffStep() {
	var sourcePaths []string
	found := true
	for _, d := range t.dests {
		if d.diff == nil {
			if sourcePaths == nil {
				sourcePaths = t.source.Paths()
			}
			d.diff = symdiff.New(eligible(sourcePaths, d.rules), d.scan.Paths())
		}
		if !t.advanceDiff(d) {
			found = false
		}
	}
	t.diffFound = found
	if found {
		for _, d := range t.dests {
			t.cfg.Log.Info("Difference found",
				"source", t.cfg.Source,
				"destination", d.dir,
				"missing", len(d.diff.LeftOnly()),
				"extraneous", len(d.diff.RightOnly()),
				"common", len(d.diff.Common()))
		}
	}
}

// eligible keeps the source paths a destination's rules allow.
func eligible(paths []string, rules *filter.Rules) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !rules.Excluded(p) {
			out = append(out, p)
		}
	}
	return out
}

// advanceDiff runs the left pass, then the right pass, then (with change
// markers) the sweep that drops clean common files. It reports whether all
// of them are complete.
func (t *Task) advanceDiff(d *destination) bool {
	q := t.cfg.DiffQuantum
	if !d.diff.LeftPassDone() && !d.diff.WorkLeftOnly(q) {
		return false
	}
	if !d.diff.RightPassDone() && !d.diff.WorkRightOnly(q) {
		return false
	}
	if !t.cfg.UseChangeMarker {
		return true
	}
	return d.diff.SweepCommon(max(q/sweepDivisor, 1), t.isDirty)
}

// isDirty reads the source marker of rel. Unreadable markers count as dirty.
func (t *Task) isDirty(rel string) bool {
	src := t.sourcePath(rel)
	state, err := t.cfg.Marker.Get(src)
	if err != nil {
		t.cfg.Log.Debug("Change marker unreadable, treating as dirty", "path", src, "error", err)
		return true
	}
	if state == changemarker.Clean {
		t.cfg.Metrics.AddFilesSkippedClean(1)
		return false
	}
	return true
}

func (t *Task) syncStep() bool {
	active := 0
	for _, d := range t.dests {
		if d.job != nil && (d.job.IsDone() || !d.job.IsGood()) {
			t.retireJob(d)
		}
		if d.job == nil {
			t.startJob(d)
		}
		if d.job != nil {
			t.cfg.Metrics.AddBytesWritten(d.job.CopyChunk())
			active++
		}
	}
	return active > 0
}

func (t *Task) retireJob(d *destination) {
	job := d.job
	d.job = nil
	if job.Release() {
		t.cfg.Metrics.AddFilesCopied(1)
		t.cfg.Log.Debug("Finished", "file", job.Destination(), "bytes", job.Total())
		return
	}
	t.cfg.Metrics.AddFilesFailed(1)
	t.cfg.Log.Warn("Dropped copy job", "source", job.Source(), "destination", job.Destination())
}

// startJob picks the next file for d: left-only files first, then (with
// change markers) dirty common files. A file whose destination directory
// cannot be created goes to the back of the queue and the next candidate is
// tried, so one blocked path never stalls the rest.
func (t *Task) startJob(d *destination) {
	leftTries := len(d.diff.LeftOnly())
	for attempts := leftTries + len(d.diff.Common()); attempts > 0; attempts-- {
		rel, fromCommon, ok := t.nextCandidate(d, leftTries > 0)
		if !ok {
			return
		}
		if !fromCommon {
			leftTries--
		}

		dst := filepath.Join(d.dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
			t.deferJob(d, rel, fromCommon, err)
			continue
		}

		src := t.sourcePath(rel)
		d.job = copier.New(src, dst, copier.Options{
			ResetMarkers: t.cfg.UseChangeMarker,
			Marker:       t.cfg.Marker,
			TempSuffix:   t.cfg.TempSuffix,
			Buffers:      t.cfg.Buffers,
			Log:          t.cfg.Log,
		})
		delete(d.blocked, rel)
		t.cfg.Log.Debug("Started", "source", src, "destination", dst)
		return
	}
}

// nextCandidate pops the next file for d. Left-only files are skipped when
// withLeft is false, which happens once every one of them was tried.
func (t *Task) nextCandidate(d *destination, withLeft bool) (rel string, fromCommon, ok bool) {
	if withLeft {
		if rel, ok = d.diff.PopLeftOnly(); ok {
			return rel, false, true
		}
	}
	if !t.cfg.UseChangeMarker {
		return "", false, false
	}
	for {
		if rel, ok = d.diff.PopCommon(); !ok || t.isDirty(rel) {
			return rel, ok, ok
		}
	}
}

// deferJob requeues rel behind the other pending files of d. Only the first
// failure of a path is a warning.
func (t *Task) deferJob(d *destination, rel string, fromCommon bool, err error) {
	if fromCommon {
		d.diff.RequeueCommon(rel)
	} else {
		d.diff.RequeueLeftOnly(rel)
	}
	dir := filepath.Dir(filepath.Join(d.dir, filepath.FromSlash(rel)))
	if _, seen := d.blocked[rel]; seen {
		t.cfg.Log.Debug("Destination directory still unavailable", "path", dir, "error", err)
		return
	}
	if d.blocked == nil {
		d.blocked = make(map[string]struct{})
	}
	d.blocked[rel] = struct{}{}
	t.cfg.Log.Warn("Failed to create destination directory, retrying later", "path", dir, "error", err)
}

func (t *Task) sourcePath(rel string) string {
	return filepath.Join(t.cfg.Source, filepath.FromSlash(rel))
}

func (t *Task) touch() { t.lastWork = t.cfg.Now().UnixNano() }

// NeedsRefresh reports whether no destination has left-only work pending
// and the task has been idle for longer than interval. A busy task does not
// need a refresh.
func (t *Task) NeedsRefresh(interval time.Duration) bool {
	if !t.sem.TryAcquire(1) {
		return false
	}
	defer t.sem.Release(1)
	if t.closed {
		return false
	}
	for _, d := range t.dests {
		if d.diff != nil && len(d.diff.LeftOnly()) > 0 {
			return false
		}
	}
	return t.cfg.Now().UnixNano()-t.lastWork > int64(interval)
}

// Refresh discards scan and difference state so the next pulse rescans.
// Active copy jobs keep running.
func (t *Task) Refresh() error {
	if !t.sem.TryAcquire(1) {
		return ErrBusy
	}
	defer t.sem.Release(1)
	if t.closed {
		return ErrClosed
	}
	t.cfg.Metrics.AddRefreshes(1)
	t.cfg.Log.Debug("Refreshing task", "source", t.cfg.Source)
	return t.restart()
}

// Reset is Refresh plus abandoning every active copy job.
func (t *Task) Reset() error {
	if !t.sem.TryAcquire(1) {
		return ErrBusy
	}
	defer t.sem.Release(1)
	if t.closed {
		return ErrClosed
	}
	t.dropJobs()
	return t.restart()
}

func (t *Task) restart() error {
	t.diffFound = false
	for _, d := range t.dests {
		d.diff = nil
		d.blocked = nil
	}
	err := t.resetScanners()
	t.touch()
	return err
}

func (t *Task) resetScanners() error {
	if err := t.source.Reset(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	for _, d := range t.dests {
		if err := d.scan.Reset(); err != nil {
			return fmt.Errorf("destination: %w", err)
		}
	}
	return nil
}

func (t *Task) dropJobs() {
	for _, d := range t.dests {
		if d.job != nil {
			d.job.Release()
			d.job = nil
		}
	}
}

func (t *Task) closeScanners() {
	t.source.Close()
	for _, d := range t.dests {
		d.scan.Close()
	}
}

// Close waits for the task lock, ends every active copy job (finished ones
// are committed, the rest discarded) and releases directory handles. The task
// is inert afterwards.
func (t *Task) Close() {
	// Acquire with a background context cannot fail.
	_ = t.sem.Acquire(context.Background(), 1)
	defer t.sem.Release(1)
	if t.closed {
		return
	}
	t.closed = true
	t.dropJobs()
	t.closeScanners()
}
