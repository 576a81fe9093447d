package job

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"acousticsbake/pkg/backoff"
)

// WriteGuard makes sure a result file may be overwritten before a download
// is dispatched to it. EnsureWritable may block until ctx ends.
type WriteGuard interface {
	EnsureWritable(ctx context.Context, path string) error
}

// PollingGuard waits for a write-protected file to become writable,
// polling with exponential backoff. A missing file is writable.
type PollingGuard struct {
	Backoff backoff.Config

	check  func(path string) error
	logger *slog.Logger
}

// NewPollingGuard creates a guard that polls between cfg.Initial and cfg.Max.
func NewPollingGuard(cfg backoff.Config) *PollingGuard {
	return &PollingGuard{
		Backoff: cfg,
		check:   openForWrite,
		logger:  slog.With("component", "write-guard"),
	}
}

// EnsureWritable returns once path can be opened for writing. Permission
// errors are waited out; any other error is returned.
func (g *PollingGuard) EnsureWritable(ctx context.Context, path string) error {
	for attempt := 1; ; attempt++ {
		err := g.check(path)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("Result file is writable again", "path", path)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrPermission) {
			return err
		}
		if attempt == 1 {
			g.logger.Warn("Result file is write protected, waiting for write access", "path", path)
		}

		timer := time.NewTimer(backoff.Exponential(attempt, &g.Backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func openForWrite(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return f.Close()
}
