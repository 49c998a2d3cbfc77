// Package plog provides the logger service shared by every component of the
// daemon. A Logger is constructed once in main with New, handed to the
// components that log, and closed on shutdown.
package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Log levels. Notice sits between Debug and Info and carries per-pulse
// chatter that is too noisy for Info.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelFromString maps a config value to a level. Unknown values yield Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. Records below WARN go to stdout,
// WARN and above go to stderr. If a file handler is set it receives every
// enabled record as well.
type LevelDispatchHandler struct {
	level         slog.Leveler
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
	fileHandler   slog.Handler
}

// Enabled reports whether the record level passes the logger's level.
func (h *LevelDispatchHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle dispatches the record to the appropriate handlers.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if r.Level >= slog.LevelWarn {
		err = h.stderrHandler.Handle(ctx, r)
	} else {
		err = h.stdoutHandler.Handle(ctx, r)
	}
	if h.fileHandler != nil {
		if ferr := h.fileHandler.Handle(ctx, r.Clone()); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &LevelDispatchHandler{
		level:         h.level,
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
	if h.fileHandler != nil {
		n.fileHandler = h.fileHandler.WithAttrs(attrs)
	}
	return n
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	n := &LevelDispatchHandler{
		level:         h.level,
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
	if h.fileHandler != nil {
		n.fileHandler = h.fileHandler.WithGroup(name)
	}
	return n
}

// Options configures New.
type Options struct {
	Level slog.Level
	// Stdout and Stderr default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
	// FilePath, if set, is opened in append mode and receives a copy of every record.
	FilePath string
}

// Logger is the injected logging service.
type Logger struct {
	slog  *slog.Logger
	level *slog.LevelVar
	res   *resources
}

// resources is shared between a Logger and the children derived via With.
type resources struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New builds a Logger. The caller owns it and must call Close.
func New(opts Options) (*Logger, error) {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(opts.Level)

	h := &LevelDispatchHandler{
		level:         level,
		stdoutHandler: newTextHandler(stdout),
		stderrHandler: newTextHandler(stderr),
	}

	res := &resources{}
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.FilePath, err)
		}
		res.file = f
		h.fileHandler = newTextHandler(f)
	}

	return &Logger{slog: slog.New(h), level: level, res: res}, nil
}

// NewWriter builds a Logger that writes every level to w. Used by tests.
func NewWriter(w io.Writer, level slog.Level) *Logger {
	l, _ := New(Options{Level: level, Stdout: w, Stderr: w})
	return l
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelError+4)
}

func newTextHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		// Level gating happens in LevelDispatchHandler.
		Level:       slog.Level(-8),
		ReplaceAttr: replaceLevelName,
	})
}

func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

// Close releases the log file, if any. Further records still reach stdout
// and stderr.
func (l *Logger) Close() error {
	l.res.mu.Lock()
	defer l.res.mu.Unlock()
	if l.res.closed || l.res.file == nil {
		l.res.closed = true
		return nil
	}
	l.res.closed = true
	return l.res.file.Close()
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *Logger) SetLevel(level slog.Level) { l.level.Set(level) }

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level { return l.level.Level() }

// With returns a child logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), level: l.level, res: l.res}
}

// Slog exposes the underlying *slog.Logger, e.g. for http.Server.ErrorLog.
func (l *Logger) Slog() *slog.Logger { return l.slog }

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

func (l *Logger) Notice(msg string, args ...any) {
	l.slog.Log(context.Background(), LevelNotice, msg, args...)
}

func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }
