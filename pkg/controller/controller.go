// Package controller owns the mirror tasks and drives them from a single
// background loop.
//
// One loop iteration pulses every task once, sleeps briefly if none of them
// did any work and then refreshes the tasks that have been idle longer than
// the update interval. Progress readers run concurrently with the loop; they
// only ever wait on a task's own lock, never on the loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-spread/pkg/changemarker"
	"github.com/paulschiretz/pgl-spread/pkg/copier"
	"github.com/paulschiretz/pgl-spread/pkg/metrics"
	"github.com/paulschiretz/pgl-spread/pkg/mirror"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/pool"
	"github.com/paulschiretz/pgl-spread/pkg/preflight"
	"github.com/paulschiretz/pgl-spread/pkg/progress"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

var (
	// ErrRunning is returned by operations that require a paused controller.
	ErrRunning = errors.New("controller is running")
	// ErrUnknownTask is returned when no task exists for a source.
	ErrUnknownTask = errors.New("no task for source")
	// ErrIntervalTooSmall is returned by SetUpdateInterval.
	ErrIntervalTooSmall = errors.New("update interval too small")
)

// MinUpdateInterval is the smallest accepted refresh interval.
const MinUpdateInterval = 100 * time.Millisecond

// reportWorkers bounds how many tasks are asked for progress at once.
const reportWorkers = 8

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	ScanMax        int
	UpdateInterval time.Duration
	IdleSleep      time.Duration
	ChunkSize      int
	DiffQuantum    int
	TempSuffix     string

	Marker  changemarker.Marker
	Metrics metrics.Metrics
	Log     *plog.Logger
}

// Controller schedules every mirror task.
type Controller struct {
	opts    Options
	buffers *pool.ChunkPool

	mu    sync.RWMutex
	tasks map[string]*mirror.Task

	interval atomic.Int64 // time.Duration

	runMu   sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	errMu   sync.Mutex
	lastErr string

	reports singleflight.Group
}

// New creates a paused controller without tasks.
func New(opts Options) *Controller {
	if opts.ScanMax <= 0 {
		opts.ScanMax = 1000
	}
	if opts.UpdateInterval < MinUpdateInterval {
		opts.UpdateInterval = 5 * time.Second
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 50 * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = copier.DefaultChunkSize
	}
	if opts.TempSuffix == "" {
		opts.TempSuffix = copier.DefaultTempSuffix
	}
	if opts.Marker == nil {
		opts.Marker = changemarker.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.NoopMetrics{}
	}
	if opts.Log == nil {
		opts.Log = plog.Discard()
	}

	c := &Controller{
		opts:    opts,
		buffers: pool.NewChunkPool(opts.ChunkSize),
		tasks:   make(map[string]*mirror.Task),
	}
	c.interval.Store(int64(opts.UpdateInterval))
	return c
}

// AddTask validates t, creates missing destination directories and installs
// the task. An existing task for the same source is closed first.
func (c *Controller) AddTask(t tasklist.Task) error {
	source, err := util.CleanRoot(t.Source)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	dests := make([]mirror.Destination, 0, len(t.Destinations))
	dirs := make([]string, 0, len(t.Destinations))
	for _, d := range t.Destinations {
		dir, err := util.CleanRoot(d.Directory)
		if err != nil {
			return fmt.Errorf("invalid destination of %s: %w", source, err)
		}
		dests = append(dests, mirror.Destination{Dir: dir, Filter: d.Filter()})
		dirs = append(dirs, dir)
	}
	if err := preflight.CheckTask(source, dirs); err != nil {
		return err
	}

	if err := c.RemoveTask(source); err != nil && !errors.Is(err, ErrUnknownTask) {
		return err
	}

	task, err := mirror.New(mirror.Config{
		Source:          source,
		Destinations:    dests,
		UseChangeMarker: t.UseArchiveBit,
		TempSuffix:      c.opts.TempSuffix,
		DiffQuantum:     c.opts.DiffQuantum,
		Marker:          c.opts.Marker,
		Buffers:         c.buffers,
		Metrics:         c.opts.Metrics,
		Log:             c.opts.Log.With("task", filepath.Base(source)),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tasks[source] = task
	c.mu.Unlock()
	c.opts.Log.Info("Added task", "source", source, "destinations", len(dests), "change_marker", t.UseArchiveBit)
	return nil
}

// RemoveTask closes and forgets the task for source. In-flight copies are
// abandoned and their temporary files removed.
func (c *Controller) RemoveTask(source string) error {
	key, err := util.CleanRoot(source)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	c.mu.Lock()
	task, ok := c.tasks[key]
	delete(c.tasks, key)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	// Close waits for a pulse of this task that may still be running.
	task.Close()
	c.opts.Log.Info("Removed task", "source", key)
	return nil
}

// Tasks returns the definitions of all tasks, ordered by source.
func (c *Controller) Tasks() []tasklist.Task {
	tasks := c.snapshot()
	out := make([]tasklist.Task, 0, len(tasks))
	for _, t := range tasks {
		entry := tasklist.Task{Source: t.Source(), UseArchiveBit: t.UseChangeMarker()}
		for _, d := range t.Destinations() {
			entry.Destinations = append(entry.Destinations, tasklist.NewDestination(d.Dir, d.Filter))
		}
		out = append(out, entry)
	}
	return out
}

// snapshot returns the current tasks ordered by source.
func (c *Controller) snapshot() []*mirror.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.tasks))
	for k := range c.tasks {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*mirror.Task, len(keys))
	for i, k := range keys {
		out[i] = c.tasks[k]
	}
	return out
}

// SetUpdateInterval changes how long a task must be idle before it rescans.
func (c *Controller) SetUpdateInterval(d time.Duration) error {
	if d < MinUpdateInterval {
		return fmt.Errorf("%w: %s, minimum is %s", ErrIntervalTooSmall, d, MinUpdateInterval)
	}
	c.interval.Store(int64(d))
	c.opts.Log.Info("Update interval changed", "interval", d)
	return nil
}

// UpdateInterval returns the current refresh interval.
func (c *Controller) UpdateInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

// LastError returns the message that stopped the loop, once. Later calls
// return "" until the loop fails again.
func (c *Controller) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	msg := c.lastErr
	c.lastErr = ""
	return msg
}

func (c *Controller) setLastError(msg string) {
	c.errMu.Lock()
	c.lastErr = msg
	c.errMu.Unlock()
}

// Close stops the loop and closes every task.
func (c *Controller) Close() {
	c.Pause()
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = make(map[string]*mirror.Task)
	c.mu.Unlock()
	for _, t := range tasks {
		t.Close()
	}
}

// CompileProgressReport collects the progress of every task. Tasks that are
// too busy to answer within the per-task timeout are listed as unavailable.
// Concurrent calls with the same flags share one compilation. The shared
// compilation ignores the cancellation of whichever caller started it; each
// task wait is bounded by mirror.ReportTimeout instead.
func (c *Controller) CompileProgressReport(ctx context.Context, verbose, byteTotals bool) progress.Report {
	key := fmt.Sprintf("verbose=%t,bytes=%t", verbose, byteTotals)
	shared := context.WithoutCancel(ctx)
	v, _, _ := c.reports.Do(key, func() (any, error) {
		return c.compileReport(shared, verbose, byteTotals), nil
	})
	return v.(progress.Report)
}

func (c *Controller) compileReport(ctx context.Context, verbose, byteTotals bool) progress.Report {
	tasks := c.snapshot()
	sources := make([]progress.Source, len(tasks))
	available := make([]bool, len(tasks))

	var g errgroup.Group
	g.SetLimit(reportWorkers)
	for i, t := range tasks {
		g.Go(func() error {
			p, err := t.Progress(ctx, verbose, byteTotals)
			if err != nil {
				c.opts.Log.Debug("Task progress unavailable", "source", t.Source(), "error", err)
				return nil
			}
			sources[i], available[i] = p, true
			return nil
		})
	}
	_ = g.Wait() // workers never fail

	var report progress.Report
	var totalBytes int64
	for i, t := range tasks {
		if !available[i] {
			report.Unavailable = append(report.Unavailable, t.Source())
			continue
		}
		for _, d := range sources[i].Destinations {
			report.TotalRemainingFiles += d.RemainingFileCount
			if d.RemainingBytes != nil {
				totalBytes += *d.RemainingBytes
			}
		}
		report.Sources = append(report.Sources, sources[i])
	}
	if byteTotals {
		report.TotalRemainingBytes = &totalBytes
	}
	return report
}

// SaveTasksToFile writes every task definition to path.
func (c *Controller) SaveTasksToFile(path string) error {
	doc := &tasklist.Document{Tasks: c.Tasks()}
	if err := tasklist.Write(path, doc); err != nil {
		return err
	}
	c.opts.Log.Info("Saved tasks", "path", path, "count", len(doc.Tasks))
	return nil
}

// LoadTasksFromFile adds every task of path. The controller must be paused.
// A task that fails validation is skipped; its error is part of the joined
// result and the other tasks are still added. The document is read completely
// before any task changes, so a missing or corrupt file changes nothing.
func (c *Controller) LoadTasksFromFile(path string) error {
	if c.IsRunning() {
		return ErrRunning
	}
	doc, err := tasklist.Read(path)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range doc.Tasks {
		if err := c.AddTask(t); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Source, err))
		}
	}
	c.opts.Log.Info("Loaded tasks", "path", path, "count", len(doc.Tasks)-len(errs), "failed", len(errs))
	return errors.Join(errs...)
}
