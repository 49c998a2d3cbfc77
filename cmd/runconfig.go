package cmd

import (
	"fmt"
	"io"

	"github.com/paulschiretz/pgl-spread/pkg/config"
	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
)

// loadRunConfig loads the configuration named by -config (or the default
// file), overlays the flags the user set and validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	path, _ := flagMap["config"].(string)
	loaded, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	runConfig := config.MergeConfigWithFlags(command, loaded, flagMap)
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}
	return runConfig, nil
}

// newCommandLogger builds the logger of a short-lived command. Records go to
// stderr only so that stdout stays clean for the command's output.
func newCommandLogger(level string, stderr io.Writer) *plog.Logger {
	return plog.NewWriter(stderr, plog.LevelFromString(level))
}
