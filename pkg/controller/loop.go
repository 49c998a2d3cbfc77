package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/paulschiretz/pgl-spread/pkg/mirror"
)

// Start launches the background loop. Starting a running controller is a no-op.
func (c *Controller) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running.Load() {
		return
	}
	if c.cancel != nil {
		// The previous loop stopped on a failure.
		c.cancel()
		<-c.done
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.run(ctx, c.done)
	c.opts.Log.Info("Mirroring started")
}

// Pause stops the loop after its current iteration and waits for it.
// Active copy jobs stay open and continue on the next Start.
func (c *Controller) Pause() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
	c.opts.Log.Info("Mirroring paused")
}

// IsRunning reports whether the loop is active. A loop stopped by a failure
// reports false.
func (c *Controller) IsRunning() bool {
	return c.running.Load()
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("mirror loop stopped: %v", r)
			c.setLastError(msg)
			c.opts.Log.Error("Mirror loop stopped", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for ctx.Err() == nil {
		c.step(ctx)
	}
}

// step is one loop iteration.
func (c *Controller) step(ctx context.Context) {
	tasks := c.snapshot()

	worked := false
	for _, t := range tasks {
		if t.Pulse(c.opts.ScanMax) {
			worked = true
		}
	}
	if !worked {
		sleep(ctx, c.opts.IdleSleep)
	}

	interval := c.UpdateInterval()
	for _, t := range tasks {
		if !t.NeedsRefresh(interval) {
			continue
		}
		err := t.Refresh()
		switch {
		case err == nil, errors.Is(err, mirror.ErrBusy), errors.Is(err, mirror.ErrClosed):
		default:
			c.setLastError(fmt.Sprintf("refresh of %s failed: %v", t.Source(), err))
			c.opts.Log.Warn("Failed to refresh task", "source", t.Source(), "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
