package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/repository"
)

func TestCleanupRunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldJob := env.mustSubmit(t, newSubmitRequest())
	freshReq := newSubmitRequest()
	freshReq.TemplateToken = "receipt"
	freshJob := env.mustSubmit(t, freshReq)

	runner := env.newRunner(succeedingExecutor("{}"), 2)
	for _, id := range []string{oldJob.ID, freshJob.ID} {
		if err := runner.Run(ctx, id); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}

	// push one job past the retention window
	aged := time.Now().UTC().Add(-48 * time.Hour)
	if err := env.db.Model(&domain.Job{}).Where("id = ?", oldJob.ID).
		Update("updated_at", aged).Error; err != nil {
		t.Fatalf("failed to age job: %v", err)
	}

	cleanup := NewCleanup(env.repo, env.fs, 24*time.Hour, time.Hour)
	if err := cleanup.RunOnce(ctx); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if _, err := env.repo.Get(ctx, oldJob.ID); err != repository.ErrNotFound {
		t.Error("expected aged terminal job row to be removed")
	}
	if _, err := os.Stat(env.fs.JobDir(oldJob.ID)); !os.IsNotExist(err) {
		t.Error("expected aged job directory to be removed")
	}

	if _, err := env.repo.Get(ctx, freshJob.ID); err != nil {
		t.Error("expected fresh terminal job to survive")
	}
	if _, err := os.Stat(env.fs.JobDir(freshJob.ID)); err != nil {
		t.Error("expected fresh job directory to survive")
	}
}

func TestCleanupRunOnce_EmptyStore(t *testing.T) {
	env := newTestEnv(t)

	cleanup := NewCleanup(env.repo, env.fs, 24*time.Hour, time.Hour)
	if err := cleanup.RunOnce(context.Background()); err != nil {
		t.Errorf("expected no-op sweep to succeed, got %v", err)
	}
}
