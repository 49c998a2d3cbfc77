package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-spread/pkg/buildinfo"
	"github.com/paulschiretz/pgl-spread/pkg/config"
	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
)

// RunInit writes a default configuration file, overlaid with the flags given,
// and an empty task list if none exists yet.
func RunInit(flagMap map[string]any, stdin io.Reader, stdout, stderr io.Writer) error {
	level, _ := flagMap["log-level"].(string)
	log := newCommandLogger(level, stderr)

	path, _ := flagMap["config"].(string)
	if path == "" {
		path = config.ConfigFileName
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for config %s: %w", path, err)
	}

	force, _ := flagMap["force"].(bool)
	if !force {
		if _, err := os.Stat(absPath); err == nil {
			fmt.Fprintf(stdout, "WARNING: Configuration file already exists at %s.\n", absPath)
			fmt.Fprintf(stdout, "It will be overwritten with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation(stdin, stdout, "Are you sure you want to continue?", false) {
				log.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
	}

	base := config.NewDefault()
	base.Path = absPath
	// A relative task list lives next to the configuration.
	if _, ok := flagMap["tasks"]; !ok {
		base.Tasks.File = filepath.Join(filepath.Dir(absPath), base.Tasks.File)
	}
	runConfig := config.MergeConfigWithFlags(flagparse.Init, base, flagMap)
	if err := runConfig.Validate(); err != nil {
		return err
	}

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	log.Info("Configuration written", "file", runConfig.Path)

	if _, err := os.Stat(runConfig.Tasks.File); errors.Is(err, os.ErrNotExist) {
		if err := tasklist.Write(runConfig.Tasks.File, &tasklist.Document{Tasks: []tasklist.Task{}}); err != nil {
			return fmt.Errorf("failed to create task list: %w", err)
		}
		log.Info("Empty task list created", "file", runConfig.Tasks.File)
	}
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
