package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/paulschiretz/pgl-spread/pkg/changemarker"
	"github.com/paulschiretz/pgl-spread/pkg/hints"
	"github.com/paulschiretz/pgl-spread/pkg/metrics"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/progress"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
)

func createFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create file %s: %v", path, err)
	}
}

func newController(t *testing.T, marker changemarker.Marker) (*Controller, *metrics.SpreadMetrics) {
	t.Helper()
	m := &metrics.SpreadMetrics{}
	c := New(Options{
		ScanMax:        5,
		UpdateInterval: time.Hour,
		IdleSleep:      time.Millisecond,
		ChunkSize:      8,
		DiffQuantum:    10,
		Marker:         marker,
		Metrics:        m,
		Log:            plog.Discard(),
	})
	t.Cleanup(c.Close)
	return c, m
}

// runUntilIdle steps the loop synchronously until the report shows no work left.
func runUntilIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10_000; i++ {
		c.step(ctx)
		r := c.CompileProgressReport(ctx, false, false)
		if r.TotalRemainingFiles == 0 && len(r.Unavailable) == 0 && allSyncing(r.Sources) {
			// One more step retires the last finished job.
			c.step(ctx)
			return
		}
	}
	t.Fatal("controller never went idle")
}

func allSyncing(sources []progress.Source) bool {
	for _, s := range sources {
		if s.Phase != "syncing" {
			return false
		}
		for _, d := range s.Destinations {
			if d.CurrentFile != "" {
				return false
			}
		}
	}
	return true
}

func TestAddTaskMirrorsAndReports(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dstA := filepath.Join(root, "a")
	dstB := filepath.Join(root, "b")
	createFile(t, filepath.Join(src, "one.txt"), "first file")
	createFile(t, filepath.Join(src, "dir", "two.log"), "second")

	c, m := newController(t, changemarker.NewMemory())
	err := c.AddTask(tasklist.Task{
		Source: src,
		Destinations: []tasklist.Destination{
			{Directory: dstA},
			{Directory: dstB, BlackListString: "*.log"},
		},
	})
	if err != nil {
		t.Fatalf("AddTask() failed: %v", err)
	}
	for _, d := range []string{dstA, dstB} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("expected destination %s to be created: %v", d, err)
		}
	}

	ctx := context.Background()
	// Scan and diff before anything is copied.
	for i := 0; i < 100; i++ {
		c.step(ctx)
		if r := c.CompileProgressReport(ctx, false, false); len(r.Sources) == 1 && r.Sources[0].Phase == "syncing" {
			break
		}
	}
	report := c.CompileProgressReport(ctx, true, true)
	if report.TotalRemainingFiles != 3 {
		t.Errorf("expected 3 remaining files (2 + 1), got %d", report.TotalRemainingFiles)
	}
	if report.TotalRemainingBytes == nil || *report.TotalRemainingBytes != int64(len("first file")*2+len("second")) {
		t.Errorf("unexpected remaining bytes: %v", report.TotalRemainingBytes)
	}

	runUntilIdle(t, c)

	if b, err := os.ReadFile(filepath.Join(dstA, "dir", "two.log")); err != nil || string(b) != "second" {
		t.Errorf("expected two.log in %s: %v", dstA, err)
	}
	if _, err := os.Stat(filepath.Join(dstB, "dir", "two.log")); !os.IsNotExist(err) {
		t.Errorf("expected two.log to be filtered from %s", dstB)
	}
	if got := m.FilesCopied.Load(); got != 3 {
		t.Errorf("expected 3 copied files, got %d", got)
	}
}

func TestAddTaskValidation(t *testing.T) {
	root := t.TempDir()
	c, _ := newController(t, nil)

	tests := []struct {
		name string
		task tasklist.Task
	}{
		{"empty source", tasklist.Task{Destinations: []tasklist.Destination{{Directory: root}}}},
		{"no destinations", tasklist.Task{Source: root}},
		{"destination inside source", tasklist.Task{Source: root, Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "x")}}}},
		{"bad regex", tasklist.Task{Source: filepath.Join(root, "s"), Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "d"), BlackListRegex: "["}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.AddTask(tc.task); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if len(c.Tasks()) != 0 {
		t.Errorf("expected no tasks, got %d", len(c.Tasks()))
	}
}

func TestAddTaskReplacesExisting(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	c, _ := newController(t, nil)

	first := tasklist.Task{Source: src, Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "a")}}}
	second := tasklist.Task{Source: src + string(filepath.Separator), UseArchiveBit: true,
		Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "b")}}}
	if err := c.AddTask(first); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTask(second); err != nil {
		t.Fatal(err)
	}

	tasks := c.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if !tasks[0].UseArchiveBit || tasks[0].Destinations[0].Directory != filepath.Join(root, "b") {
		t.Errorf("task was not replaced: %+v", tasks[0])
	}
}

func TestRemoveTask(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	c, _ := newController(t, nil)
	if err := c.AddTask(tasklist.Task{Source: src, Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "d")}}}); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveTask(src); err != nil {
		t.Fatalf("RemoveTask() failed: %v", err)
	}
	if err := c.RemoveTask(src); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestStartPause(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	createFile(t, filepath.Join(src, "a.txt"), "content of a")

	c, _ := newController(t, nil)
	if err := c.AddTask(tasklist.Task{Source: src, Destinations: []tasklist.Destination{{Directory: dst}}}); err != nil {
		t.Fatal(err)
	}

	c.Start()
	c.Start()
	if !c.IsRunning() {
		t.Fatal("expected controller to run")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(filepath.Join(dst, "a.txt")); err == nil && string(b) == "content of a" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(filepath.Join(dst, "a.txt")); err != nil {
		t.Fatalf("file was never mirrored: %v", err)
	}

	if err := c.LoadTasksFromFile(filepath.Join(root, "tasks.json")); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning while running, got %v", err)
	}

	c.Pause()
	c.Pause()
	if c.IsRunning() {
		t.Error("expected controller to be paused")
	}
}

type panickingMarker struct{}

func (panickingMarker) Get(string) (changemarker.State, error) { panic("marker exploded") }
func (panickingMarker) Set(string, changemarker.State) error   { return nil }

func TestLoopFailureIsRecordedOnce(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	createFile(t, filepath.Join(src, "a.txt"), "a")
	createFile(t, filepath.Join(dst, "a.txt"), "a")

	c, _ := newController(t, panickingMarker{})
	if err := c.AddTask(tasklist.Task{Source: src, UseArchiveBit: true, Destinations: []tasklist.Destination{{Directory: dst}}}); err != nil {
		t.Fatal(err)
	}
	c.Start()

	deadline := time.Now().Add(5 * time.Second)
	for c.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.IsRunning() {
		t.Fatal("expected the loop to stop")
	}
	msg := c.LastError()
	if !strings.Contains(msg, "marker exploded") {
		t.Errorf("unexpected last error %q", msg)
	}
	if again := c.LastError(); again != "" {
		t.Errorf("expected last error to clear on read, got %q", again)
	}
}

func TestSetUpdateInterval(t *testing.T) {
	c, _ := newController(t, nil)
	if err := c.SetUpdateInterval(50 * time.Millisecond); !errors.Is(err, ErrIntervalTooSmall) {
		t.Errorf("expected ErrIntervalTooSmall, got %v", err)
	}
	if err := c.SetUpdateInterval(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := c.UpdateInterval(); got != 2*time.Second {
		t.Errorf("expected 2s, got %s", got)
	}
}

func TestSaveAndLoadTasks(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "tasks.json.zst")
	want := []tasklist.Task{
		{
			Source:        filepath.Join(root, "photos"),
			UseArchiveBit: true,
			Destinations: []tasklist.Destination{
				{Directory: filepath.Join(root, "m1"), BlackList: []string{"*.tmp"}},
				{Directory: filepath.Join(root, "m2"), WhiteListRegex: `.*\.jpg`},
			},
		},
		{Source: filepath.Join(root, "docs"), Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "m3")}}},
	}

	c1, _ := newController(t, nil)
	for _, task := range want {
		if err := c1.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}
	if err := c1.SaveTasksToFile(path); err != nil {
		t.Fatalf("SaveTasksToFile() failed: %v", err)
	}

	c2, _ := newController(t, nil)
	if err := c2.LoadTasksFromFile(path); err != nil {
		t.Fatalf("LoadTasksFromFile() failed: %v", err)
	}
	if diff := cmp.Diff(c1.Tasks(), c2.Tasks()); diff != "" {
		t.Errorf("loaded tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileIsHint(t *testing.T) {
	c, _ := newController(t, nil)
	err := c.LoadTasksFromFile(filepath.Join(t.TempDir(), "absent.json"))
	if !hints.IsHint(err) {
		t.Errorf("expected a hint, got %v", err)
	}
}

// blockingMarker holds the first Get until release is closed, keeping the
// calling task's lock taken.
type blockingMarker struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMarker) Get(string) (changemarker.State, error) {
	m.once.Do(func() { close(m.entered) })
	<-m.release
	return changemarker.Dirty, nil
}

func (m *blockingMarker) Set(string, changemarker.State) error { return nil }

func TestBusyTaskIsUnavailable(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	createFile(t, filepath.Join(src, "a.txt"), "a")
	createFile(t, filepath.Join(dst, "a.txt"), "a")

	marker := &blockingMarker{entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := newController(t, marker)
	if err := c.AddTask(tasklist.Task{Source: src, UseArchiveBit: true, Destinations: []tasklist.Destination{{Directory: dst}}}); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer close(marker.release) // runs before the controller is closed

	select {
	case <-marker.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("task never consulted the change marker")
	}

	report := c.CompileProgressReport(context.Background(), false, false)
	if diff := cmp.Diff([]string{src}, report.Unavailable); diff != "" {
		t.Errorf("unavailable mismatch (-want +got):\n%s", diff)
	}
	if len(report.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(report.Sources))
	}
}

func TestReportIgnoresCallerCancellation(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	c, _ := newController(t, nil)
	if err := c.AddTask(tasklist.Task{Source: src, Destinations: []tasklist.Destination{{Directory: filepath.Join(root, "d")}}}); err != nil {
		t.Fatal(err)
	}

	// A caller that went away must not turn the shared report into
	// an all-unavailable one for callers that joined it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := c.CompileProgressReport(ctx, false, false)
	if len(report.Unavailable) != 0 {
		t.Errorf("expected no unavailable tasks, got %v", report.Unavailable)
	}
	if len(report.Sources) != 1 || report.Sources[0].Source != src {
		t.Errorf("expected a report for %s, got %+v", src, report.Sources)
	}
}
