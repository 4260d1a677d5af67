package service

import (
	"context"
	"time"

	"github.com/docflowai/docqueue/internal/fs"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
)

// Cleanup removes terminal jobs older than the TTL: repository row and job
// directory together. Both deletions are attempted even if one fails so
// neither resource can leak indefinitely, and re-running over an already
// cleaned job is a no-op.
type Cleanup struct {
	repo     *repository.JobRepository
	fs       *fs.Service
	ttl      time.Duration
	interval time.Duration
}

// NewCleanup creates a new cleanup sweeper.
// Parameters:
//   - repo: job repository.
//   - fsvc: filesystem service owning the job directories.
//   - ttl: how long terminal jobs are retained after their last update.
//   - interval: sweep interval.
// Returns:
//   - *Cleanup: initialized sweeper.
func NewCleanup(repo *repository.JobRepository, fsvc *fs.Service, ttl, interval time.Duration) *Cleanup {
	return &Cleanup{repo: repo, fs: fsvc, ttl: ttl, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (c *Cleanup) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	logger.Info("CleanupStarted interval=%s ttl=%s", c.interval, c.ttl)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				logger.Error("CleanupSweepFailed err=%v", err)
			}
		}
	}
}

// RunOnce performs one sweep. Exposed for tests and manual triggering.
func (c *Cleanup) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.ttl)
	removed, err := c.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range removed {
		if err := c.fs.DeleteJobDirectory(job.ID); err != nil {
			// the row is already gone; log and continue so one stuck
			// directory does not block the rest of the sweep
			logger.CtxWarn(ctx, "CleanupFsError job_id=%s err=%v", job.ID, err)
		}
	}
	if len(removed) > 0 {
		logger.With(logger.Fields{logger.FieldCount: len(removed)}).
			Info(ctx, "CleanupCompleted cutoff=%s", cutoff.Format(time.RFC3339))
	}
	return nil
}
