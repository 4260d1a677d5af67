package service

import (
	"context"
	"time"

	"github.com/docflowai/docqueue/internal/config"
	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
)

// ImmediateOutcome is the result of an immediate-mode submission.
type ImmediateOutcome struct {
	Job *domain.Job
	// Ran is true when the job executed synchronously and Job carries its
	// terminal state; false when the job was queued instead (gate fallback
	// or dedupe hit).
	Ran bool
}

// Immediate is the synchronous execution path. It has its own concurrency
// gate, independent of the queue-length backpressure check, and propagates
// the caller's cancellation into the run so a dropped connection cancels the
// job instead of leaving it Running.
type Immediate struct {
	submit *SubmitService
	runner *Runner
	repo   *repository.JobRepository
	gate   *Gate
	cfg    config.ImmediateConfig
}

// NewImmediate creates the immediate execution path.
// Parameters:
//   - submit: submission pipeline, shared with the queued path.
//   - runner: runner executing the job synchronously.
//   - repo: job repository, used to read back the terminal state.
//   - cfg: immediate-path configuration.
// Returns:
//   - *Immediate: initialized path with its own gate.
func NewImmediate(submit *SubmitService, runner *Runner, repo *repository.JobRepository, cfg config.ImmediateConfig) *Immediate {
	return &Immediate{
		submit: submit,
		runner: runner,
		repo:   repo,
		gate:   NewGate(cfg.MaxParallel),
		cfg:    cfg,
	}
}

// Execute submits and synchronously runs a job within the caller's lifetime.
// Parameters:
//   - ctx: request-scoped context; cancellation aborts the run.
//   - req: submission request, validated by the shared pipeline.
// Returns:
//   - *ImmediateOutcome: terminal job (Ran=true) or queued job (Ran=false).
//   - error: ErrImmediateDisabled, ErrImmediateCapacity, or any submission
//     pipeline error.
func (im *Immediate) Execute(ctx context.Context, req *SubmitRequest) (*ImmediateOutcome, error) {
	if !im.cfg.Enabled {
		return nil, ErrImmediateDisabled
	}

	if !im.gate.TryAcquire() {
		if im.cfg.FallbackToQueue {
			logger.CtxInfo(ctx, "ImmediateFallbackToQueue")
			outcome, err := im.submit.Submit(ctx, req)
			if err != nil {
				return nil, err
			}
			return &ImmediateOutcome{Job: outcome.Job}, nil
		}
		return nil, ErrImmediateCapacity
	}
	defer im.gate.Release()

	outcome, err := im.submit.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if outcome.Deduped {
		// another submission owns this job; do not race it for the lease
		return &ImmediateOutcome{Job: outcome.Job}, nil
	}

	// The immediate gate held above is the only admission control here; the
	// run skips the heavy-job gate so a saturated queue cannot stall the
	// synchronous path.
	timeout := time.Duration(im.cfg.TimeoutSeconds) * time.Second
	if err := im.runner.RunImmediate(ctx, outcome.Job.ID, timeout); err != nil {
		return nil, err
	}

	job, err := im.repo.Get(ctx, outcome.Job.ID)
	if err != nil {
		return nil, err
	}
	return &ImmediateOutcome{Job: job, Ran: true}, nil
}
