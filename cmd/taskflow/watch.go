package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets a burst of editor writes finish before re-running.
const settleDelay = 200 * time.Millisecond

// watch runs the workflow, then re-runs it each time the file changes until
// ctx is cancelled. Run failures are reported and do not stop the loop.
func (c *RunCmd) watch(ctx context.Context, rt *runtime) error {
	path, err := filepath.Abs(c.File)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file instead of writing it, so watch the
	// directory and filter by name.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch file: %w", err)
	}

	c.runReported(ctx, rt)
	fmt.Fprintf(os.Stderr, "\nWatching %s for changes (Ctrl-C to stop)\n", c.File)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(settleDelay)
			drain(watcher.Events)
			fmt.Fprintf(os.Stderr, "\n↻ %s changed, re-running\n\n", c.File)
			c.runReported(ctx, rt)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "warning: watch error: %v\n", err)
		}
	}
}

// runReported runs once and prints the error instead of returning it.
func (c *RunCmd) runReported(ctx context.Context, rt *runtime) {
	err := c.runOnce(ctx, rt)
	switch {
	case err == nil:
	case errors.Is(err, errRunNotSucceeded):
		// summary already printed
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

// drain discards events queued while the file settled.
func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
