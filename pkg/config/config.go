package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-spread/pkg/buildinfo"
	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-spread.config.json"

const (
	// MinUpdateIntervalMs is the smallest accepted refresh interval.
	MinUpdateIntervalMs = 100
	// fallbackUpdateIntervalMs replaces too small intervals given on the command line.
	fallbackUpdateIntervalMs = 1000
)

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	// AllowRemote permits a non-loopback listen address. The API has no authentication.
	AllowRemote bool `json:"allowRemote"`
}

type EngineConfig struct {
	ScanMax          int    `json:"scanMax" comment:"Directory entries scanned per task and pulse."`
	UpdateIntervalMs int    `json:"updateIntervalMs" comment:"Idle time after which a task rescans its trees."`
	IdleSleepMs      int    `json:"idleSleepMs"`
	ChunkSizeKB      int    `json:"chunkSizeKB"`
	DiffQuantum      int    `json:"diffQuantum"`
	TempSuffix       string `json:"tempSuffix"`
}

type TasksConfig struct {
	File      string `json:"file"`
	AutoStart bool   `json:"autoStart"`
}

type Config struct {
	Version       string       `json:"version"`
	Path          string       `json:"-"` // where the config was loaded from, never saved
	LogLevel      string       `json:"logLevel"`
	LogFile       string       `json:"logFile"`
	Metrics       bool         `json:"metrics"`
	ReportSeconds int          `json:"reportSeconds"`
	Server        ServerConfig `json:"server"`
	Engine        EngineConfig `json:"engine"`
	Tasks         TasksConfig  `json:"tasks"`
}

// NewDefault returns a Config with sensible defaults.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Path:     ConfigFileName,
		LogLevel: "info",
		Metrics:  true,
		Server: ServerConfig{
			Enabled: true,
			Address: "127.0.0.1:8989",
		},
		Engine: EngineConfig{
			ScanMax:          1000,
			UpdateIntervalMs: 5000,
			IdleSleepMs:      50,
			ChunkSizeKB:      1024, // 1 MiB per chunk
			DiffQuantum:      100_000,
			TempSuffix:       ".spread.temp",
		},
		Tasks: TasksConfig{
			File: tasklist.DefaultFileName,
		},
	}
}

// Load reads the configuration at path. A missing file yields the defaults
// without an error. Unset keys keep their default values.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config %s: %w", path, err)
	}

	cfg := NewDefault()
	cfg.Path = absPath

	file, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}
	cfg.Version = buildinfo.Version
	return cfg, nil
}

// Generate writes cfg to cfg.Path, replacing any existing file.
func Generate(cfg Config) error {
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(cfg.Path, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for logical errors. It expands and
// cleans the file paths it holds.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q is invalid. Must be 'debug', 'notice', 'info', 'warn' or 'error'", c.LogLevel)
	}

	if c.Server.Enabled {
		host, _, err := net.SplitHostPort(c.Server.Address)
		if err != nil {
			return fmt.Errorf("server.address %q is invalid: %w", c.Server.Address, err)
		}
		if !c.Server.AllowRemote && !isLoopback(host) {
			return fmt.Errorf("server.address %q is not a loopback address; set server.allowRemote to expose the unauthenticated API", c.Server.Address)
		}
	}

	if c.Engine.ScanMax < 1 {
		return fmt.Errorf("engine.scanMax must be at least 1")
	}
	if c.Engine.UpdateIntervalMs < MinUpdateIntervalMs {
		return fmt.Errorf("engine.updateIntervalMs must be at least %d", MinUpdateIntervalMs)
	}
	if c.Engine.IdleSleepMs < 1 {
		return fmt.Errorf("engine.idleSleepMs must be at least 1")
	}
	if c.Engine.ChunkSizeKB < 1 {
		return fmt.Errorf("engine.chunkSizeKB must be at least 1")
	}
	if c.Engine.DiffQuantum < 1 {
		return fmt.Errorf("engine.diffQuantum must be at least 1")
	}
	if c.Engine.TempSuffix == "" || strings.ContainsAny(c.Engine.TempSuffix, `\/`) {
		return fmt.Errorf("engine.tempSuffix must be a non-empty file name suffix")
	}
	if c.ReportSeconds < 0 {
		return fmt.Errorf("reportSeconds cannot be negative")
	}

	if c.Tasks.File == "" {
		return fmt.Errorf("tasks.file cannot be empty")
	}
	var err error
	if c.Tasks.File, err = util.ExpandPath(c.Tasks.File); err != nil {
		return fmt.Errorf("could not expand tasks.file: %w", err)
	}
	c.Tasks.File = filepath.Clean(c.Tasks.File)
	if c.LogFile != "" {
		if c.LogFile, err = util.ExpandPath(c.LogFile); err != nil {
			return fmt.Errorf("could not expand logFile: %w", err)
		}
		c.LogFile = filepath.Clean(c.LogFile)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LogSummary prints the effective configuration.
func (c *Config) LogSummary(log *plog.Logger) {
	logArgs := []any{
		"config", c.Path,
		"log_level", c.LogLevel,
		"tasks_file", c.Tasks.File,
		"auto_start", c.Tasks.AutoStart,
		"scan_max", c.Engine.ScanMax,
		"update_interval_ms", c.Engine.UpdateIntervalMs,
		"chunk_size_kb", c.Engine.ChunkSizeKB,
		"metrics", c.Metrics,
	}
	if c.Server.Enabled {
		logArgs = append(logArgs, "server", c.Server.Address)
	} else {
		logArgs = append(logArgs, "server", "disabled")
	}
	if c.LogFile != "" {
		logArgs = append(logArgs, "log_file", c.LogFile)
	}
	if c.ReportSeconds > 0 {
		logArgs = append(logArgs, "report_seconds", c.ReportSeconds)
	}
	log.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the flags the user set explicitly on base.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-file":
			merged.LogFile = value.(string)
		case "metrics":
			merged.Metrics = value.(bool)
		case "report-seconds":
			merged.ReportSeconds = value.(int)
		case "tasks":
			merged.Tasks.File = value.(string)
		case "start":
			if command == flagparse.Serve {
				merged.Tasks.AutoStart = value.(bool)
			}
		case "address":
			merged.Server.Address = value.(string)
		case "server":
			merged.Server.Enabled = value.(bool)
		case "allow-remote":
			merged.Server.AllowRemote = value.(bool)
		case "interval":
			ms := value.(int)
			if ms < MinUpdateIntervalMs {
				ms = fallbackUpdateIntervalMs
			}
			merged.Engine.UpdateIntervalMs = ms
		case "scan-max":
			merged.Engine.ScanMax = value.(int)
		case "chunk-size-kb":
			merged.Engine.ChunkSizeKB = value.(int)
		default:
			// "config" is consumed before loading; add's flags describe a task.
		}
	}
	return merged
}
