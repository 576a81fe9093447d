package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"acousticsbake/internal/apperrors"
	"acousticsbake/internal/compute"
	"acousticsbake/internal/history"
)

// Tick advances the lifecycle by one polling step. It returns false without
// touching any state when the previous Tick has not returned yet.
func (c *Controller) Tick(ctx context.Context) (ran bool) {
	if !c.tickMu.TryLock() {
		c.logger.Debug("Previous status update still running, skipping")
		if c.metrics != nil {
			c.metrics.RecordTick(ctx, true)
		}
		return false
	}
	defer c.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Status update panicked", "panic", r)
			ran = true
			c.setReport(Report{Succeeded: false, Message: msgQueryFailed})
		}
	}()

	if c.metrics != nil {
		c.metrics.RecordTick(ctx, false)
	}

	var (
		rec  Record
		disp *submitOp
		sub  *submitOp
		dl   *downloadOp
	)
	c.locked(func() {
		rec, disp, sub, dl = c.record, c.dispatch, c.submit, c.download
	})

	switch {
	case sub != nil:
		c.checkSubmission(ctx, sub)
	case dl != nil:
		c.checkDownload(ctx, rec, dl)
	case rec.JobID != "":
		c.pollJob(ctx, rec)
	case disp != nil:
		// Submit is still waiting for the compute client to accept the job.
		c.locked(func() {
			if c.dispatch == disp {
				c.report = Report{Succeeded: true, Message: msgSubmitInProgress}
			}
		})
	}
	return true
}

func (c *Controller) checkSubmission(ctx context.Context, sub *submitOp) {
	logger := c.logger.With("prefix", sub.prefix)

	switch sub.handle.Status() {
	case compute.HandleInProgress:
		c.locked(func() {
			if c.submit == sub {
				c.report = Report{Succeeded: true, Message: msgSubmitInProgress}
			}
		})

	case compute.HandleFailed:
		_, err := sub.handle.Result()
		logger.Error("Job submission failed", "error", err)

		current := c.lockedIf(func() bool { return c.submit == sub }, func() {
			c.submit = nil
			c.record = Record{}
			c.report = Report{Succeeded: false, Message: msgSubmitFailed}
			_ = c.saveLocked()
		})
		if !current {
			return
		}

		c.recordSubmission(ctx, false)
		c.finish(ctx, Record{Prefix: sub.prefix}, history.OutcomeFailed, "", err)

	case compute.HandleSucceeded:
		jobID, _ := sub.handle.Result()

		rec := Record{JobID: jobID, Prefix: sub.prefix, SubmitTime: c.now().UTC().Truncate(time.Second)}
		current := c.lockedIf(func() bool { return c.submit == sub }, func() {
			c.submit = nil
			c.record = rec
			c.report = Report{Succeeded: true, Message: msgSubmitSucceeded}
			_ = c.saveLocked()
		})
		if !current {
			return
		}

		logger.Info("Job submission succeeded", "jobId", jobID)
		c.recordSubmission(ctx, true)
		c.recordHistory(ctx, history.Entry{
			Prefix:      rec.Prefix,
			JobID:       rec.JobID,
			SubmittedAt: rec.SubmitTime,
			Outcome:     history.OutcomeSubmitted,
		})
		c.publish(NewEventBuilder(rec.Prefix, rec.JobID).BuildSubmittedEvent(sub.estimate.Minutes()))
	}
}

func (c *Controller) pollJob(ctx context.Context, rec Record) {
	logger := c.logger.With("jobId", rec.JobID, "prefix", rec.Prefix)

	info, err := c.client.QueryJob(ctx, rec.JobID)
	if err != nil {
		logger.Error("Failed to query job status", "error", err)
		if !errors.Is(err, apperrors.ErrNotFound) {
			c.setReportFor(rec.JobID, Report{Succeeded: false, Message: msgQueryFailed})
			return
		}

		// The job is gone remotely; nothing left to monitor.
		current := c.lockedIf(func() bool { return c.record.JobID == rec.JobID && c.download == nil }, func() {
			c.record = Record{}
			c.report = Report{Succeeded: false, Message: msgJobGone}
			_ = c.saveLocked()
		})
		if !current {
			return
		}
		c.finish(ctx, rec, history.OutcomeFailed, "", err)
		return
	}

	switch info.Status {
	case compute.JobInProgress:
		msg := fmt.Sprintf(msgRunning, info.Tasks.Completed, info.Tasks.Total())
		if info.Tasks.Failed > 0 {
			msg += fmt.Sprintf(msgTasksFailed, info.Tasks.Failed)
		}
		c.setReportFor(rec.JobID, Report{Succeeded: true, Message: msg})
	case compute.JobPending:
		c.setReportFor(rec.JobID, Report{Succeeded: true, Message: msgInitializing})
	case compute.JobCompleted:
		c.startDownload(ctx, rec)
	default:
		c.setReportFor(rec.JobID, Report{Succeeded: true, Message: msgWaiting})
	}
}

// startDownload dispatches the result download. It may block on the write
// guard until a protected result file from an earlier bake is released.
func (c *Controller) startDownload(ctx context.Context, rec Record) {
	logger := c.logger.With("jobId", rec.JobID, "prefix", rec.Prefix)
	dest := filepath.Join(c.paths.ResultsDir, compute.ResultFileName(rec.Prefix))

	fail := func(err error) {
		logger.Error("Failed to start result download", "path", dest, "error", err)
		c.setReportFor(rec.JobID, Report{Succeeded: false, Message: msgDownloadStartError})
		if c.metrics != nil {
			c.metrics.RecordDownload(ctx, false)
		}
	}

	if err := os.MkdirAll(c.paths.ResultsDir, 0o755); err != nil {
		fail(err)
		return
	}
	if err := c.guard.EnsureWritable(ctx, dest); err != nil {
		fail(err)
		return
	}
	if !c.isCurrent(rec.JobID) {
		return
	}

	h, err := c.client.DownloadResult(ctx, rec.JobID, dest)
	if err != nil {
		fail(err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record.JobID != rec.JobID || c.download != nil {
		return
	}
	c.download = &downloadOp{jobID: rec.JobID, dest: dest, handle: h}
	c.report = Report{Succeeded: true, Message: msgDownloading}
	logger.Info("Downloading results", "path", dest)
}

func (c *Controller) checkDownload(ctx context.Context, rec Record, dl *downloadOp) {
	logger := c.logger.With("jobId", rec.JobID, "prefix", rec.Prefix)

	switch dl.handle.Status() {
	case compute.HandleInProgress:
		c.locked(func() {
			if c.download == dl {
				c.report = Report{Succeeded: true, Message: msgDownloading}
			}
		})

	case compute.HandleFailed:
		_, err := dl.handle.Result()
		logger.Error("Failed to download results", "path", dl.dest, "error", err)

		// The remote job is kept so the next Tick can retry.
		c.locked(func() {
			if c.download == dl {
				c.download = nil
				c.report = Report{Succeeded: false, Message: msgDownloadFailed}
			}
		})
		if c.metrics != nil {
			c.metrics.RecordDownload(ctx, false)
		}

	case compute.HandleSucceeded:
		if !c.isDownloading(dl) {
			return
		}
		logDir := filepath.Join(c.paths.LogDir, rec.Prefix)
		if err := c.client.DeleteJob(ctx, dl.jobID, true, logDir); err != nil {
			logger.Error("Failed to delete completed job", "error", err)
		}

		current := c.lockedIf(func() bool { return c.download == dl }, func() {
			c.download = nil
			c.record = Record{}
			c.report = Report{Succeeded: true, Message: fmt.Sprintf(msgDownloaded, compute.ResultFileName(rec.Prefix))}
			_ = c.saveLocked()
		})
		if !current {
			return
		}

		logger.Info("Downloaded results", "path", dl.dest)
		if c.metrics != nil {
			c.metrics.RecordDownload(ctx, true)
		}
		c.finish(ctx, rec, history.OutcomeCompleted, dl.dest, nil)

		if err := c.importer.Import(ctx, rec.Prefix, dl.dest); err != nil {
			logger.Error("Failed to request asset import", "path", dl.dest, "error", err)
		}
	}
}

func (c *Controller) setReport(r Report) {
	c.locked(func() { c.report = r })
}

// locked runs fn with mu held. mu is released even when fn panics, so a
// recovered Tick never leaves the controller locked.
func (c *Controller) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// lockedIf runs fn with mu held when cond holds and reports whether it did.
func (c *Controller) lockedIf(cond func() bool, fn func()) (ran bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !cond() {
		return false
	}
	fn()
	return true
}

// setReportFor updates the report unless the job was replaced meanwhile.
func (c *Controller) setReportFor(jobID string, r Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record.JobID == jobID {
		c.report = r
	}
}

func (c *Controller) isCurrent(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.JobID == jobID && c.download == nil
}

func (c *Controller) isDownloading(dl *downloadOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.download == dl
}
