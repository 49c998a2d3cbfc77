// Package lockfile keeps two daemons from driving the same task list. The
// lock is a JSON file refreshed by a heartbeat; a lock whose heartbeat is
// older than the stale timeout may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// LockFileName is created next to the task list. The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-spread.lock"

// Content is what a lock file holds.
type Content struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"`
	AppID      string    `json:"appID"`
}

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

var (
	// ErrLostRace means another process won a stale-lock takeover.
	ErrLostRace = errors.New("lost race during stale lock takeover")
	// ErrCorruptLockFile means the lock file stayed empty or unparsable across retries.
	ErrCorruptLockFile = errors.New("lock file is corrupt or empty")
)

// vars so tests can shorten them.
var (
	heartbeatInterval = time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond
)

// Lock is a held lock. Release it exactly once; extra calls are no-ops.
type Lock struct {
	path    string
	content Content
	log     *plog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	held   bool
}

// Acquire takes the lock in dirPath. ctx bounds the attempt, not the
// heartbeat. A lock held by a live process yields *ErrLockActive.
func Acquire(ctx context.Context, dirPath, appID string, log *plog.Logger) (*Lock, error) {
	if log == nil {
		log = plog.Discard()
	}
	path := filepath.Join(dirPath, LockFileName)
	const maxAttempts = 3

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := newContent(appID)
		if err != nil {
			return nil, err
		}

		err = createExclusive(path, content)
		if err == nil {
			return start(path, content, log), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		held, readErr := readContent(path)
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			log.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		case readErr != nil:
			time.Sleep(retryDelay)
			continue
		default:
			age := time.Since(held.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{PID: held.PID, Hostname: held.Hostname, AppID: held.AppID, TimeSince: age}
			}
			log.Warn("Found stale lock, attempting takeover", "pid", held.PID, "age", age)
		}

		if err := takeover(path, content); err != nil {
			if errors.Is(err, ErrLostRace) {
				log.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				log.Warn("Failed to take over lock, retrying", "error", err)
			}
			time.Sleep(retryDelay)
			continue
		}
		log.Debug("Took over stale lock", "path", path)
		return start(path, content, log), nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

func newContent(appID string) (Content, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Content{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Content{}, err
	}
	return Content{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
		AppID:      appID,
	}, nil
}

// createExclusive creates the lock with O_EXCL, so only one process can win.
func createExclusive(path string, content Content) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	werr := writeContent(f, content)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// takeover replaces a stale lock atomically and reads it back to learn
// whether this process won.
func takeover(path string, content Content) error {
	if err := writeAtomic(path, content); err != nil {
		return err
	}
	back, err := readContent(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if back.PID != content.PID || back.Nonce != content.Nonce {
		return ErrLostRace
	}
	return nil
}

func start(path string, content Content, log *plog.Logger) *Lock {
	removeOldTempFiles(path, log)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		path:    path,
		content: content,
		log:     log,
		cancel:  cancel,
		done:    make(chan struct{}),
		held:    true,
	}
	go l.heartbeat(ctx)
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.cancel()
	<-l.done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	l.log.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := writeAtomic(l.path, l.content); err != nil {
				l.log.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// writeAtomic writes content to a temporary sibling and renames it over path,
// so readers never see a partial lock.
func writeAtomic(path string, content Content) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// removeOldTempFiles deletes temporary lock files left by crashed runs. Only
// files older than the stale timeout are touched; younger ones may belong to
// a heartbeat in progress.
func removeOldTempFiles(path string, log *plog.Logger) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		log.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}
	threshold := time.Now().Add(-staleTimeout)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove leftover temporary lock file", "path", m, "error", err)
		}
	}
}

func writeContent(w io.Writer, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readContent reads the lock, retrying briefly over empty or partial files.
func readContent(path string) (Content, error) {
	var lastErr, corruptErr error
	for range 3 {
		data, err := os.ReadFile(path)
		switch {
		case err != nil && os.IsNotExist(err):
			return Content{}, err
		case err != nil:
			lastErr = err
		case len(data) == 0:
			corruptErr = errors.New("lock file is empty")
		default:
			var c Content
			if corruptErr = json.Unmarshal(data, &c); corruptErr == nil {
				return c, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if corruptErr != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, corruptErr)
	}
	return Content{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
