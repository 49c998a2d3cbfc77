package plog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var logBuf bytes.Buffer
	log := NewWriter(&logBuf, LevelDebug)

	t.Run("Logs all levels when level is Debug", func(t *testing.T) {
		logBuf.Reset()
		log.SetLevel(LevelDebug)

		log.Debug("debug message", "key", "val1")
		log.Info("info message", "key", "val2")
		log.Warn("warn message")

		output := logBuf.String()
		if !strings.Contains(output, "level=DEBUG msg=\"debug message\" key=val1") {
			t.Errorf("expected debug message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=WARN msg=\"warn message\"") {
			t.Errorf("expected warn message to be logged, but it wasn't. Got: %s", output)
		}
	})

	t.Run("Suppresses lower levels when level is Warn", func(t *testing.T) {
		logBuf.Reset()
		log.SetLevel(LevelWarn)

		log.Debug("debug message")
		log.Info("info message")

		output := logBuf.String()
		if strings.Contains(output, "level=DEBUG") || strings.Contains(output, "level=INFO") {
			t.Errorf("expected no debug or info output at warn level, but got: %s", output)
		}
	})

	t.Run("Logs Notice and above, but suppresses Debug", func(t *testing.T) {
		logBuf.Reset()
		log.SetLevel(LevelNotice)

		log.Debug("debug message")
		log.Notice("notice message", "key", "val1")
		log.Info("info message", "key", "val2")

		output := logBuf.String()
		if strings.Contains(output, "level=DEBUG msg=\"debug message\"") {
			t.Errorf("expected debug message to be suppressed at notice level, but it was logged. Got: %s", output)
		}
		if !strings.Contains(output, "level=NOTICE msg=\"notice message\" key=val1") {
			t.Errorf("expected notice message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, but it wasn't. Got: %s", output)
		}
	})

	t.Run("Children share the level", func(t *testing.T) {
		logBuf.Reset()
		child := log.With("task", "/src")
		log.SetLevel(LevelError)
		child.Info("hidden")
		log.SetLevel(LevelInfo)
		child.Info("visible")

		output := logBuf.String()
		if strings.Contains(output, "hidden") {
			t.Errorf("expected child to follow parent level, got: %s", output)
		}
		if !strings.Contains(output, "msg=visible task=/src") {
			t.Errorf("expected child attributes on record, got: %s", output)
		}
	})
}

func TestLevelDispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer
	log, err := New(Options{Level: LevelInfo, Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer log.Close()

	log.Info("to stdout")
	log.Warn("to stderr")
	log.Error("also to stderr")

	if !strings.Contains(stdout.String(), "to stdout") || strings.Contains(stdout.String(), "stderr") {
		t.Errorf("unexpected stdout content: %s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "to stderr") || !strings.Contains(stderr.String(), "also to stderr") {
		t.Errorf("unexpected stderr content: %s", stderr.String())
	}
}

func TestLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "spread.log")
	var sink bytes.Buffer
	log, err := New(Options{Level: LevelInfo, Stdout: &sink, Stderr: &sink, FilePath: logPath})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log.Info("info line")
	log.Warn("warn line")
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "info line") || !strings.Contains(string(content), "warn line") {
		t.Errorf("expected both records in log file, got: %s", content)
	}
}

func TestNewFailsOnBadLogFile(t *testing.T) {
	_, err := New(Options{FilePath: filepath.Join(t.TempDir(), "missing", "dir", "spread.log")})
	if err == nil {
		t.Error("expected error for unopenable log file")
	}
}

func TestLevelFromString(t *testing.T) {
	testCases := map[string]string{
		"debug":   "DEBUG",
		"NOTICE":  "DEBUG+2",
		"info":    "INFO",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range testCases {
		if got := LevelFromString(in).String(); got != want {
			t.Errorf("LevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}
