package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-spread/pkg/plog"
)

func writeStale(t *testing.T, dir string, age time.Duration) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	stale := Content{
		PID:        12345,
		Hostname:   "stale-host",
		LastUpdate: time.Now().Add(-age),
		Nonce:      "stale-nonce",
		AppID:      "stale-app",
	}
	if err := writeContent(f, stale); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, "test-app", plog.Discard())
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}
	if lock.Path() != lockPath {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file was not created: %v", err)
	}

	lock.Release()
	lock.Release()
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}
}

func TestContention(t *testing.T) {
	dir := t.TempDir()
	lock1, err := Acquire(context.Background(), dir, "app-1", nil)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, "app-2", nil)
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if lockErr.AppID != "app-1" {
		t.Errorf("expected AppID 'app-1', got '%s'", lockErr.AppID)
	}
}

func TestStaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	writeStale(t, dir, staleTimeout+time.Minute)

	lock, err := Acquire(context.Background(), dir, "new-app", nil)
	if err != nil {
		t.Fatalf("expected to take over stale lock, got %v", err)
	}
	defer lock.Release()

	content, err := readContent(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	if content.AppID != "new-app" || content.PID != int64(os.Getpid()) {
		t.Errorf("lock not taken over: %+v", content)
	}
}

func TestStaleLockContention(t *testing.T) {
	dir := t.TempDir()
	writeStale(t, dir, staleTimeout+time.Minute)

	const workers = 5
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		locks []*Lock
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, err := Acquire(context.Background(), dir, "racer", nil); err == nil {
				mu.Lock()
				locks = append(locks, l)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, l := range locks {
		l.Release()
	}
	// All racers share one PID, so several may legitimately win the readback.
	// At least one must succeed.
	if len(locks) == 0 {
		t.Fatal("expected at least one racer to take over the stale lock")
	}
}

func TestCorruptLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	lock, err := Acquire(context.Background(), dir, "app", nil)
	if err != nil {
		t.Fatalf("expected corrupt lock to be taken over, got %v", err)
	}
	lock.Release()
}

func TestHeartbeatUpdatesLock(t *testing.T) {
	orig := heartbeatInterval
	heartbeatInterval = 20 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = orig })

	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "app", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	first, err := readContent(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(30 * time.Millisecond)
		c, err := readContent(lock.Path())
		if err == nil && c.LastUpdate.After(first.LastUpdate) {
			return
		}
	}
	t.Fatal("heartbeat never refreshed the lock file")
}

func TestReadContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock")

	if _, err := readContent(path); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readContent(path); !errors.Is(err, ErrCorruptLockFile) {
		t.Errorf("expected ErrCorruptLockFile for an empty file, got %v", err)
	}
}

func TestRemoveOldTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	oldTmp := path + ".old.tmp"
	newTmp := path + ".new.tmp"
	for _, p := range []string{oldTmp, newTmp} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-(staleTimeout + time.Minute))
	if err := os.Chtimes(oldTmp, past, past); err != nil {
		t.Fatal(err)
	}

	removeOldTempFiles(path, plog.Discard())

	if _, err := os.Stat(oldTmp); !os.IsNotExist(err) {
		t.Error("expected old temp file to be removed")
	}
	if _, err := os.Stat(newTmp); err != nil {
		t.Error("expected recent temp file to be kept")
	}
}
