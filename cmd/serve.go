package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-spread/pkg/api"
	"github.com/paulschiretz/pgl-spread/pkg/buildinfo"
	"github.com/paulschiretz/pgl-spread/pkg/config"
	"github.com/paulschiretz/pgl-spread/pkg/controller"
	"github.com/paulschiretz/pgl-spread/pkg/flagparse"
	"github.com/paulschiretz/pgl-spread/pkg/hints"
	"github.com/paulschiretz/pgl-spread/pkg/lockfile"
	"github.com/paulschiretz/pgl-spread/pkg/metrics"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// RunServe runs the mirror daemon until ctx is cancelled.
func RunServe(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Serve, flagMap)
	if err != nil {
		return err
	}

	log, err := plog.New(plog.Options{
		Level:    plog.LevelFromString(runConfig.LogLevel),
		FilePath: runConfig.LogFile,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
	runConfig.LogSummary(log)

	// One daemon per task list.
	tasksDir := filepath.Dir(runConfig.Tasks.File)
	if err := os.MkdirAll(tasksDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create task list directory: %w", err)
	}
	appID := "pgl-spread-serve:" + runConfig.Tasks.File
	lock, err := lockfile.Acquire(ctx, tasksDir, appID, log)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on task list directory: %w", err)
	}
	defer lock.Release()

	var (
		m        metrics.Metrics = &metrics.NoopMetrics{}
		registry *prometheus.Registry
	)
	if runConfig.Metrics {
		sm := &metrics.SpreadMetrics{}
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			metrics.NewCollector(sm),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = sm
	}

	ctrl := controller.New(controllerOptions(runConfig, m, log))

	startTime := time.Now()
	if err := ctrl.LoadTasksFromFile(runConfig.Tasks.File); err != nil {
		if hints.IsHint(err) {
			log.Info("No task list found, starting without tasks", "file", runConfig.Tasks.File)
		} else {
			log.Warn("Some tasks could not be loaded", "file", runConfig.Tasks.File, "error", err)
		}
	}
	log.Info("Tasks loaded", "count", len(ctrl.Tasks()))

	if runConfig.Tasks.AutoStart {
		ctrl.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	if runConfig.Server.Enabled {
		server := api.NewServer(ctrl, api.Options{
			TasksFile: runConfig.Tasks.File,
			Registry:  registry,
			Log:       log.With("component", "api"),
		})
		g.Go(func() error { return server.ListenAndServe(gctx, runConfig.Server.Address) })
	}
	if runConfig.ReportSeconds > 0 {
		g.Go(func() error {
			reportProgress(gctx, ctrl, time.Duration(runConfig.ReportSeconds)*time.Second, log)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	ctrl.Close()
	m.Log(log)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info(buildinfo.Name+" stopped.", "uptime", time.Since(startTime).Round(time.Second))
	return nil
}

func controllerOptions(runConfig config.Config, m metrics.Metrics, log *plog.Logger) controller.Options {
	return controller.Options{
		ScanMax:        runConfig.Engine.ScanMax,
		UpdateInterval: time.Duration(runConfig.Engine.UpdateIntervalMs) * time.Millisecond,
		IdleSleep:      time.Duration(runConfig.Engine.IdleSleepMs) * time.Millisecond,
		ChunkSize:      runConfig.Engine.ChunkSizeKB * 1024,
		DiffQuantum:    runConfig.Engine.DiffQuantum,
		TempSuffix:     runConfig.Engine.TempSuffix,
		Metrics:        m,
		Log:            log,
	}
}

// reportProgress logs a progress summary every period until ctx is done.
func reportProgress(ctx context.Context, ctrl *controller.Controller, period time.Duration, log *plog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		report := ctrl.CompileProgressReport(ctx, false, false)
		log.Info("Progress",
			"running", ctrl.IsRunning(),
			"tasks", len(report.Sources),
			"remaining_files", report.TotalRemainingFiles,
			"unavailable", len(report.Unavailable))
	}
}
