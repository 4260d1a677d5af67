package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/executor"
)

func TestRunner_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	runner := env.newRunner(succeedingExecutor(`{"invoice_number":"F-001"}`), 2)
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, err := env.repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected Succeeded, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if got.Metrics.DurationMs == nil {
		t.Error("expected run duration in metrics")
	}
	if got.Metrics.InputTokens != 100 || got.Metrics.OutputTokens != 20 {
		t.Error("expected token usage in metrics")
	}

	content, err := os.ReadFile(got.Paths.Output.Path)
	if err != nil {
		t.Fatalf("expected output artifact: %v", err)
	}
	if string(content) != `{"invoice_number":"F-001"}` {
		t.Errorf("unexpected output content: %s", content)
	}

	hasTmp, _ := env.fs.HasTempFiles(job.ID)
	if hasTmp {
		t.Error("expected no .tmp residue after a run")
	}
}

func TestRunner_ExecutorError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		return nil, errors.New("model endpoint unreachable")
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "model endpoint unreachable" {
		t.Error("expected executor error recorded on the job")
	}

	content, err := os.ReadFile(got.Paths.Error.Path)
	if err != nil {
		t.Fatalf("expected error artifact: %v", err)
	}
	if string(content) != "model endpoint unreachable" {
		t.Errorf("unexpected error artifact content: %s", content)
	}
}

func TestRunner_UnsuccessfulResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		return &executor.ProcessResult{Success: false, ErrorMessage: "model returned malformed JSON"}, nil
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "model returned malformed JSON" {
		t.Error("expected result error recorded on the job")
	}
}

func TestRunner_Timeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.RunImmediate(ctx, job.ID, 50*time.Millisecond); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "timeout" {
		t.Errorf("expected timeout message, got %v", got.ErrorMessage)
	}
}

func TestRunner_CallerCancelled(t *testing.T) {
	env := newTestEnv(t)
	job := env.mustSubmit(t, newSubmitRequest())

	callerCtx, cancel := context.WithCancel(context.Background())
	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		cancel() // the client goes away mid-run
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.Run(callerCtx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", got.Status)
	}

	content, err := os.ReadFile(got.Paths.Error.Path)
	if err != nil {
		t.Fatalf("expected error artifact: %v", err)
	}
	if string(content) != "cancelled by user" {
		t.Errorf("unexpected error artifact content: %s", content)
	}
}

func TestRunner_LeaseLost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	// another holder already owns the lease
	if ok, _ := env.repo.TryAcquireLease(ctx, job.ID, time.Minute); !ok {
		t.Fatal("expected setup acquire to win")
	}

	invoked := false
	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		invoked = true
		return &executor.ProcessResult{Success: true, OutputJSON: "{}"}, nil
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if invoked {
		t.Error("expected executor to be skipped when the lease is lost")
	}
	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusRunning {
		t.Errorf("expected the holder's Running status untouched, got %s", got.Status)
	}
}

func TestRunner_MissingJob(t *testing.T) {
	env := newTestEnv(t)

	runner := env.newRunner(succeedingExecutor("{}"), 2)
	if err := runner.Run(context.Background(), "no-such-job"); err != nil {
		t.Errorf("expected missing job to be a no-op, got %v", err)
	}
}

func TestRunner_WritesMarkdownArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		return &executor.ProcessResult{
			Success:    true,
			OutputJSON: "{}",
			Markdown:   "# Converted document",
		}, nil
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(ctx, job.ID)
	content, err := os.ReadFile(got.Paths.Markdown.Path)
	if err != nil {
		t.Fatalf("expected markdown artifact: %v", err)
	}
	if string(content) != "# Converted document" {
		t.Errorf("unexpected markdown content: %s", content)
	}
}

func TestRunner_NoLeaseWhileGated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	gate := NewGate(1)
	if !gate.TryAcquire() {
		t.Fatal("expected setup slot acquire to win")
	}
	runner := NewRunner(env.repo, env.fs, succeedingExecutor("{}"), gate, env.queue.LeaseWindow(), 5*time.Second)

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, job.ID) }()

	// while queued for a slot the job must stay Queued and unleased, so an
	// expiry sweep can never hand it to a second runner
	time.Sleep(150 * time.Millisecond)
	got, err := env.repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobStatusQueued {
		t.Fatalf("expected Queued while waiting for a slot, got %s", got.Status)
	}
	if got.LeaseUntil != nil {
		t.Fatal("expected no lease held while waiting for a slot")
	}

	gate.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the slot freed")
	}

	got, _ = env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Errorf("expected Succeeded, got %s", got.Status)
	}
}

func TestRunner_GateWaitCancelledLeavesQueued(t *testing.T) {
	env := newTestEnv(t)
	job := env.mustSubmit(t, newSubmitRequest())

	gate := NewGate(1)
	if !gate.TryAcquire() {
		t.Fatal("expected setup slot acquire to win")
	}
	defer gate.Release()
	runner := NewRunner(env.repo, env.fs, succeedingExecutor("{}"), gate, env.queue.LeaseWindow(), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusQueued {
		t.Errorf("expected Queued for redelivery, got %s", got.Status)
	}
}

func TestRunner_ImmediateSkipsHeavyGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	gate := NewGate(1)
	if !gate.TryAcquire() {
		t.Fatal("expected setup slot acquire to win")
	}
	defer gate.Release()
	runner := NewRunner(env.repo, env.fs, succeedingExecutor("{}"), gate, env.queue.LeaseWindow(), 5*time.Second)

	if err := runner.RunImmediate(ctx, job.ID, 5*time.Second); err != nil {
		t.Fatalf("immediate run failed: %v", err)
	}

	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Errorf("expected Succeeded despite a saturated heavy gate, got %s", got.Status)
	}
}

func TestRunner_CompletionLosesToCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		// a user cancel lands while the job is still executing
		if _, err := env.repo.Cancel(ctx, job.ID, "cancelled by user"); err != nil {
			t.Errorf("cancel failed: %v", err)
		}
		return &executor.ProcessResult{Success: true, OutputJSON: "{}"}, nil
	}}
	runner := env.newRunner(exec, 2)
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusCancelled {
		t.Errorf("expected the concurrent cancel to stand, got %s", got.Status)
	}
	if got.Progress == 100 {
		t.Error("expected no completion side effects after a lost transition")
	}
}

func TestRunner_DuplicateDeliveryRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.mustSubmit(t, newSubmitRequest())

	runs := 0
	exec := &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		runs++
		return &executor.ProcessResult{Success: true, OutputJSON: "{}"}, nil
	}}
	runner := env.newRunner(exec, 2)

	// at-least-once delivery: the same ID arrives twice
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := runner.Run(ctx, job.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if runs != 1 {
		t.Errorf("expected exactly one execution, got %d", runs)
	}
	got, _ := env.repo.Get(ctx, job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Errorf("expected Succeeded, got %s", got.Status)
	}
}
