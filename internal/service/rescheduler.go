package service

import (
	"context"
	"time"

	"github.com/docflowai/docqueue/internal/fs"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
)

const maxAttemptsMessage = "max attempts reached"

// Rescheduler recovers jobs abandoned by a crashed or hung worker. Each sweep
// finds Running jobs whose lease has expired and either requeues them with
// backoff or fails them permanently at the attempt ceiling. It never executes
// jobs itself.
type Rescheduler struct {
	repo        *repository.JobRepository
	fs          *fs.Service
	maxAttempts int
	interval    time.Duration
}

// NewRescheduler creates a new rescheduler.
// Parameters:
//   - repo: job repository.
//   - fsvc: filesystem service, used to write the terminal error artifact.
//   - maxAttempts: attempt ceiling before a job fails permanently.
//   - interval: sweep interval.
// Returns:
//   - *Rescheduler: initialized rescheduler.
func NewRescheduler(repo *repository.JobRepository, fsvc *fs.Service, maxAttempts int, interval time.Duration) *Rescheduler {
	return &Rescheduler{repo: repo, fs: fsvc, maxAttempts: maxAttempts, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (rs *Rescheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()
	logger.Info("ReschedulerStarted interval=%s max_attempts=%d", rs.interval, rs.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rs.Tick(ctx); err != nil {
				logger.Error("RescheduleSweepFailed err=%v", err)
			}
		}
	}
}

// Tick performs one sweep. Exposed for tests and manual triggering.
func (rs *Rescheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := rs.repo.FindRunningExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, job := range expired {
		attempt := job.Attempts + 1
		if attempt <= rs.maxAttempts {
			available := now.Add(backoffFor(attempt))
			requeued, err := rs.repo.Requeue(ctx, job.ID, attempt, time.Now().UTC(), available)
			if err != nil {
				return err
			}
			if requeued {
				logger.With(logger.Fields{logger.FieldJobID: job.ID, logger.FieldAttempt: attempt}).
					Warn(ctx, "LeaseExpiredRequeue available_at=%s", available.Format(time.RFC3339))
			}
			continue
		}

		if _, err := rs.fs.SaveTextAtomic(job.ID, errorFileName, maxAttemptsMessage); err != nil {
			logger.CtxWarn(ctx, "ErrorArtifactWriteFailed job_id=%s err=%v", job.ID, err)
		}
		if _, err := rs.repo.CompleteFailure(ctx, job.ID, maxAttemptsMessage); err != nil {
			return err
		}
		logger.With(logger.Fields{logger.FieldJobID: job.ID}).Warn(ctx, "MaxAttemptsReached")
	}
	return nil
}

// backoffFor returns the delay before a requeued job becomes dispatchable
// again. Monotonically increasing and capped at four minutes.
func backoffFor(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 15 * time.Second
	case 2:
		return 30 * time.Second
	case 3:
		return 60 * time.Second
	case 4:
		return 120 * time.Second
	default:
		return 240 * time.Second
	}
}
