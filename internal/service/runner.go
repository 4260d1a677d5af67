package service

import (
	"context"
	"errors"
	"time"

	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/executor"
	"github.com/docflowai/docqueue/internal/fs"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
)

const (
	outputFileName   = "output.json"
	errorFileName    = "error.txt"
	markdownFileName = "markdown.md"

	cancelledMessage = "cancelled by user"
	timeoutMessage   = "timeout"

	progressStarted   = 10
	progressExtracted = 90
)

// Runner executes one job end to end: concurrency slot, lease, executor call
// under a cancellation scope, artifact write, terminal transition. Run is
// safe under at-least-once delivery because only the lease winner proceeds.
//
// The slot is always taken before the lease. The lease clock only runs while
// the heartbeat keeps it alive; holding a lease while queued for a slot would
// let it lapse and hand the job to a second runner.
type Runner struct {
	repo        *repository.JobRepository
	fs          *fs.Service
	exec        executor.ProcessExecutor
	gate        *Gate
	leaseWindow time.Duration
	jobTimeout  time.Duration
}

// NewRunner creates a new runner.
// Parameters:
//   - repo: job repository.
//   - fsvc: filesystem service.
//   - exec: process executor invoked for each job.
//   - gate: heavy-job concurrency gate, shared across all runner callers.
//   - leaseWindow: lease duration set on acquire and on each heartbeat.
//   - jobTimeout: default execution timeout.
// Returns:
//   - *Runner: initialized runner.
func NewRunner(repo *repository.JobRepository, fsvc *fs.Service, exec executor.ProcessExecutor, gate *Gate, leaseWindow, jobTimeout time.Duration) *Runner {
	return &Runner{
		repo:        repo,
		fs:          fsvc,
		exec:        exec,
		gate:        gate,
		leaseWindow: leaseWindow,
		jobTimeout:  jobTimeout,
	}
}

// Run executes the job under the default timeout, queueing for a heavy-job
// slot first.
// Parameters:
//   - ctx: caller cancellation scope; for queued jobs this is the dispatcher
//     lifetime.
//   - jobID: job to execute.
// Returns:
//   - error: non-nil only on repository or filesystem failures; a lost lease
//     race or a failed job is not an error.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	return r.run(ctx, jobID, r.jobTimeout, true)
}

// RunImmediate executes the job synchronously for the immediate path. The
// caller already holds the immediate gate, so the heavy-job gate is skipped
// and the immediate timeout applies.
func (r *Runner) RunImmediate(ctx context.Context, jobID string, timeout time.Duration) error {
	return r.run(ctx, jobID, timeout, false)
}

func (r *Runner) run(ctx context.Context, jobID string, timeout time.Duration, useGate bool) error {
	ctx = logger.SetJobID(ctx, jobID)

	job, err := r.repo.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.CtxWarn(ctx, "JobMissing")
			return nil
		}
		return err
	}

	if useGate {
		// The slot wait is bounded by the caller's context. No lease is held
		// yet, so a cancelled wait leaves the job Queued for redelivery.
		if err := r.gate.Acquire(ctx); err != nil {
			return nil
		}
		defer r.gate.Release()
	}

	acquired, err := r.repo.TryAcquireLease(ctx, jobID, r.leaseWindow)
	if err != nil {
		return err
	}
	if !acquired {
		// another holder owns the lease, or the job already left Queued
		logger.CtxDebug(ctx, "LeaseNotAcquired status=%s", job.Status)
		return nil
	}

	started := time.Now().UTC()
	logger.CtxInfo(ctx, "JobStarted attempt=%d", job.Attempts)
	if err := r.repo.UpdateProgress(ctx, jobID, progressStarted); err != nil {
		logger.CtxWarn(ctx, "ProgressUpdateFailed err=%v", err)
	}

	stopHeartbeat := r.startHeartbeat(jobID)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	result, execErr := r.exec.Execute(execCtx, job)
	cancel()
	stopHeartbeat()

	switch {
	case ctx.Err() != nil:
		logger.CtxWarn(ctx, "JobCancelled")
		return r.finishCancelled(jobID)

	case execCtx.Err() == context.DeadlineExceeded:
		logger.CtxWarn(ctx, "JobTimeout after=%s", timeout)
		return r.finishFailed(jobID, timeoutMessage)

	case execErr != nil:
		logger.CtxError(ctx, "JobExecutionError err=%v", execErr)
		return r.finishFailed(jobID, execErr.Error())

	case !result.Success:
		msg := result.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		logger.CtxWarn(ctx, "JobFailed error=%s", msg)
		return r.finishFailed(jobID, msg)
	}

	if err := r.repo.UpdateProgress(ctx, jobID, progressExtracted); err != nil {
		logger.CtxWarn(ctx, "ProgressUpdateFailed err=%v", err)
	}
	if result.Markdown != "" {
		if _, err := r.fs.SaveTextAtomic(jobID, markdownFileName, result.Markdown); err != nil {
			return r.finishFailed(jobID, "failed to persist markdown: "+err.Error())
		}
	}
	if _, err := r.fs.SaveTextAtomic(jobID, outputFileName, result.OutputJSON); err != nil {
		return r.finishFailed(jobID, "failed to persist output: "+err.Error())
	}

	ended := time.Now().UTC()
	durationMs := ended.Sub(started).Milliseconds()
	metrics := domain.JobMetrics{
		StartedAt:    &started,
		EndedAt:      &ended,
		DurationMs:   &durationMs,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Cost:         result.Cost,
	}
	applied, err := r.repo.CompleteSuccess(ctx, jobID, metrics)
	if err != nil {
		return err
	}
	if !applied {
		// a concurrent cancel won the terminal transition
		logger.CtxWarn(ctx, "CompletionSuperseded")
		return nil
	}
	logger.With(logger.Fields{logger.FieldDurationMs: durationMs}).Info(ctx, "JobCompleted")
	return nil
}

// startHeartbeat extends the lease periodically while the executor runs, so
// long jobs are not reaped mid-flight. Returns a stop function.
func (r *Runner) startHeartbeat(jobID string) func() {
	interval := r.leaseWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// background context: the heartbeat must outlive a cancelled
				// run just long enough for the terminal transition to win
				if err := r.repo.TouchLease(context.Background(), jobID, time.Now().UTC().Add(r.leaseWindow)); err != nil {
					logger.Warn("HeartbeatFailed job_id=%s err=%v", jobID, err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// finishFailed writes the error artifact then applies the Failed transition.
// Uses a fresh context: terminal bookkeeping must complete even when the
// run's context is gone.
func (r *Runner) finishFailed(jobID, message string) error {
	if _, err := r.fs.SaveTextAtomic(jobID, errorFileName, message); err != nil {
		logger.Warn("ErrorArtifactWriteFailed job_id=%s err=%v", jobID, err)
	}
	applied, err := r.repo.CompleteFailure(context.Background(), jobID, message)
	if err == nil && !applied {
		logger.Warn("FailureSuperseded job_id=%s", jobID)
	}
	return err
}

// finishCancelled writes the cancelled artifact then applies the Cancelled
// transition.
func (r *Runner) finishCancelled(jobID string) error {
	if _, err := r.fs.SaveTextAtomic(jobID, errorFileName, cancelledMessage); err != nil {
		logger.Warn("ErrorArtifactWriteFailed job_id=%s err=%v", jobID, err)
	}
	applied, err := r.repo.Cancel(context.Background(), jobID, cancelledMessage)
	if err == nil && !applied {
		logger.Warn("CancelSuperseded job_id=%s", jobID)
	}
	return err
}
