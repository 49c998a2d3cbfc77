package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-spread/cmd"
	"github.com/paulschiretz/pgl-spread/pkg/buildinfo"
	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(os.Stdout, buildinfo.Name, buildinfo.Version)
	case flagparse.Serve:
		return cmd.RunServe(ctx, flagMap)
	case flagparse.Init:
		return cmd.RunInit(flagMap, os.Stdin, os.Stdout, os.Stderr)
	case flagparse.Add:
		return cmd.RunAdd(ctx, flagMap, os.Stderr)
	case flagparse.List:
		return cmd.RunList(flagMap, os.Stdout)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Cancel on Ctrl+C and on service stop.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		plog.NewWriter(os.Stderr, plog.LevelInfo).Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
