package service

import (
	"context"
	"sync"
	"time"

	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/repository"
)

// Dispatcher delivers Queued jobs to the runner: a poll loop feeds job IDs to
// a fixed pool of workers. Delivery is at-least-once; the runner's lease
// acquisition makes duplicate delivery a no-op, so the poll loop does not
// track in-flight IDs.
type Dispatcher struct {
	repo         *repository.JobRepository
	runner       *Runner
	workers      int
	pollInterval time.Duration

	jobs chan string
	wg   sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
// Parameters:
//   - repo: job repository polled for due jobs.
//   - runner: runner invoked once per delivered job ID.
//   - workers: number of concurrent dispatch workers.
//   - pollInterval: delay between repository polls.
// Returns:
//   - *Dispatcher: initialized dispatcher.
func NewDispatcher(repo *repository.JobRepository, runner *Runner, workers int, pollInterval time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		repo:         repo,
		runner:       runner,
		workers:      workers,
		pollInterval: pollInterval,
		jobs:         make(chan string),
	}
}

// Start launches the worker pool and the poll loop. It returns immediately;
// call Stop (or cancel ctx) to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.pollLoop(ctx)
	logger.Info("DispatcherStarted workers=%d poll_interval=%s", d.workers, d.pollInterval)
}

// Wait blocks until all workers and the poll loop have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-d.jobs:
			if err := d.runner.Run(ctx, jobID); err != nil {
				logger.Error("DispatchRunFailed worker=%d job_id=%s err=%v", id, jobID, err)
			}
		}
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchDue(ctx)
		}
	}
}

// dispatchDue hands every due Queued job to a worker. The send blocks until a
// worker frees up, which naturally paces polling to execution capacity.
func (d *Dispatcher) dispatchDue(ctx context.Context) {
	due, err := d.repo.FindQueuedDue(ctx, time.Now().UTC(), d.workers*2)
	if err != nil {
		logger.Error("DispatchPollFailed err=%v", err)
		return
	}
	for _, job := range due {
		select {
		case <-ctx.Done():
			return
		case d.jobs <- job.ID:
		}
	}
}
