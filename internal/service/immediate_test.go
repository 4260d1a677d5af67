package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docflowai/docqueue/internal/config"
	"github.com/docflowai/docqueue/internal/domain"
)

func newImmediateEnv(t *testing.T, cfg config.ImmediateConfig) (*testEnv, *Immediate) {
	t.Helper()
	env := newTestEnv(t)
	runner := env.newRunner(succeedingExecutor(`{"ok":true}`), 2)
	return env, NewImmediate(env.submit, runner, env.repo, cfg)
}

func TestImmediate_Disabled(t *testing.T) {
	_, im := newImmediateEnv(t, config.ImmediateConfig{Enabled: false})

	_, err := im.Execute(context.Background(), newSubmitRequest())
	if !errors.Is(err, ErrImmediateDisabled) {
		t.Errorf("expected ErrImmediateDisabled, got %v", err)
	}
}

func TestImmediate_RunsSynchronously(t *testing.T) {
	env, im := newImmediateEnv(t, config.ImmediateConfig{
		Enabled:        true,
		MaxParallel:    1,
		TimeoutSeconds: 5,
	})

	outcome, err := im.Execute(context.Background(), newSubmitRequest())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !outcome.Ran {
		t.Fatal("expected the job to run synchronously")
	}
	if outcome.Job.Status != domain.JobStatusSucceeded {
		t.Errorf("expected Succeeded, got %s", outcome.Job.Status)
	}
	if outcome.Job.Metrics.DurationMs == nil {
		t.Error("expected run metrics on the returned job")
	}

	got, _ := env.repo.Get(context.Background(), outcome.Job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Errorf("expected persisted Succeeded, got %s", got.Status)
	}
}

func TestImmediate_CapacityWithoutFallback(t *testing.T) {
	_, im := newImmediateEnv(t, config.ImmediateConfig{
		Enabled:         true,
		MaxParallel:     1,
		TimeoutSeconds:  5,
		FallbackToQueue: false,
	})

	// saturate the immediate gate
	if !im.gate.TryAcquire() {
		t.Fatal("expected to take the only slot")
	}
	defer im.gate.Release()

	_, err := im.Execute(context.Background(), newSubmitRequest())
	if !errors.Is(err, ErrImmediateCapacity) {
		t.Errorf("expected ErrImmediateCapacity, got %v", err)
	}
}

func TestImmediate_FallbackToQueue(t *testing.T) {
	env, im := newImmediateEnv(t, config.ImmediateConfig{
		Enabled:         true,
		MaxParallel:     1,
		TimeoutSeconds:  5,
		FallbackToQueue: true,
	})

	if !im.gate.TryAcquire() {
		t.Fatal("expected to take the only slot")
	}
	defer im.gate.Release()

	outcome, err := im.Execute(context.Background(), newSubmitRequest())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if outcome.Ran {
		t.Error("expected fallback to queue, not a synchronous run")
	}

	got, _ := env.repo.Get(context.Background(), outcome.Job.ID)
	if got.Status != domain.JobStatusQueued {
		t.Errorf("expected Queued, got %s", got.Status)
	}
}

func TestImmediate_NotBlockedByHeavyGate(t *testing.T) {
	env := newTestEnv(t)

	// every heavy-job slot is taken by queued work
	heavy := NewGate(1)
	if !heavy.TryAcquire() {
		t.Fatal("expected to take the only heavy slot")
	}
	defer heavy.Release()

	runner := NewRunner(env.repo, env.fs, succeedingExecutor(`{"ok":true}`), heavy, env.queue.LeaseWindow(), 5*time.Second)
	im := NewImmediate(env.submit, runner, env.repo, config.ImmediateConfig{
		Enabled:        true,
		MaxParallel:    1,
		TimeoutSeconds: 2,
	})

	start := time.Now()
	outcome, err := im.Execute(context.Background(), newSubmitRequest())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !outcome.Ran {
		t.Fatal("expected a synchronous run")
	}
	if outcome.Job.Status != domain.JobStatusSucceeded {
		t.Errorf("expected Succeeded, got %s", outcome.Job.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected the run to bypass the heavy gate, took %s", elapsed)
	}
}

func TestImmediate_DedupeSkipsRun(t *testing.T) {
	env, im := newImmediateEnv(t, config.ImmediateConfig{
		Enabled:        true,
		MaxParallel:    1,
		TimeoutSeconds: 5,
	})

	// identical submission already queued
	existing := env.mustSubmit(t, newSubmitRequest())

	outcome, err := im.Execute(context.Background(), newSubmitRequest())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if outcome.Ran {
		t.Error("expected dedupe hit to skip the synchronous run")
	}
	if outcome.Job.ID != existing.ID {
		t.Error("expected the existing job back")
	}

	got, _ := env.repo.Get(context.Background(), existing.ID)
	if got.Status != domain.JobStatusQueued {
		t.Errorf("expected existing job left Queued, got %s", got.Status)
	}
}
