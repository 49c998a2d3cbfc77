package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/paulschiretz/pgl-spread/pkg/filter"
	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/hints"
	"github.com/paulschiretz/pgl-spread/pkg/lockfile"
	"github.com/paulschiretz/pgl-spread/pkg/preflight"
	"github.com/paulschiretz/pgl-spread/pkg/tasklist"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// RunAdd adds a task to the task list file, replacing a task with the same
// source. Every destination gets the filter given on the command line.
func RunAdd(ctx context.Context, flagMap map[string]any, stderr io.Writer) error {
	runConfig, err := loadRunConfig(flagparse.Add, flagMap)
	if err != nil {
		return err
	}
	log := newCommandLogger(runConfig.LogLevel, stderr)

	source, _ := flagMap["source"].(string)
	if source == "" {
		return fmt.Errorf("the -source flag is required to add a task")
	}
	dirs, _ := flagMap["destinations"].([]string)
	if len(dirs) == 0 {
		return fmt.Errorf("the -destinations flag is required to add a task")
	}

	source, err = util.CleanRoot(source)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	for i, d := range dirs {
		if dirs[i], err = util.CleanRoot(d); err != nil {
			return fmt.Errorf("invalid destination %s: %w", d, err)
		}
	}
	if err := preflight.CheckTaskRoots(source, dirs); err != nil {
		return err
	}

	spec := filter.Spec{}
	spec.WhiteList, _ = flagMap["white-list"].([]string)
	spec.BlackList, _ = flagMap["black-list"].([]string)
	spec.WhiteRegex, _ = flagMap["white-regex"].(string)
	spec.BlackRegex, _ = flagMap["black-regex"].(string)
	if _, err := filter.Compile(spec); err != nil {
		return err
	}

	task := tasklist.Task{Source: source}
	task.UseArchiveBit, _ = flagMap["archive-bit"].(bool)
	for _, d := range dirs {
		task.Destinations = append(task.Destinations, tasklist.NewDestination(d, spec))
	}

	// A running daemon owns its task list; edits must go through its API.
	path := runConfig.Tasks.File
	lock, err := lockfile.Acquire(ctx, filepath.Dir(path), "pgl-spread-add:"+path, log)
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			return fmt.Errorf("task list %s is in use by a running daemon (pid %d); add the task through its API", path, active.PID)
		}
		return fmt.Errorf("failed to lock task list: %w", err)
	}
	defer lock.Release()

	doc, err := tasklist.Read(path)
	switch {
	case hints.IsHint(err):
		doc = &tasklist.Document{}
	case err != nil:
		return err
	}

	replaced := false
	doc.Tasks = slices.DeleteFunc(doc.Tasks, func(t tasklist.Task) bool {
		if existing, err := util.CleanRoot(t.Source); err == nil && existing == source {
			replaced = true
			return true
		}
		return false
	})
	doc.Tasks = append(doc.Tasks, task)

	if err := tasklist.Write(path, doc); err != nil {
		return err
	}
	log.Info("Task saved", "source", source, "destinations", len(dirs), "replaced", replaced, "file", path)
	return nil
}
