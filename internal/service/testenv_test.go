package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/docflowai/docqueue/internal/config"
	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/executor"
	"github.com/docflowai/docqueue/internal/fs"
	"github.com/docflowai/docqueue/internal/repository"
	"gorm.io/gorm"
)

// pngBytes carries a valid PNG signature so MIME sniffing accepts it.
var pngBytes = append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 64)...)

type testEnv struct {
	repo   *repository.JobRepository
	db     *gorm.DB
	fs     *fs.Service
	submit *SubmitService
	queue  config.JobQueueConfig
	upload config.UploadConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "jobs.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}

	repo := repository.NewJobRepository(db)
	fsvc := fs.NewService(t.TempDir())
	queue := config.JobQueueConfig{
		MaxQueueLength:     5,
		LeaseWindowSeconds: 60,
		MaxAttempts:        5,
		DedupeTTLMinutes:   30,
		RetryAfterSeconds:  60,
	}
	upload := config.UploadConfig{MaxRequestBodyMB: 1}

	return &testEnv{
		repo:   repo,
		db:     db,
		fs:     fsvc,
		submit: NewSubmitService(repo, fsvc, queue, upload),
		queue:  queue,
		upload: upload,
	}
}

func newSubmitRequest() *SubmitRequest {
	return &SubmitRequest{
		FileBytes:     pngBytes,
		FileName:      "scan.png",
		Model:         "gpt-4o-mini",
		TemplateToken: "invoice",
		Language:      "eng",
	}
}

// stubExecutor lets tests script executor behavior per job.
type stubExecutor struct {
	fn func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error)
}

func (s *stubExecutor) Execute(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
	return s.fn(ctx, job)
}

func succeedingExecutor(output string) *stubExecutor {
	return &stubExecutor{fn: func(ctx context.Context, job *domain.Job) (*executor.ProcessResult, error) {
		return &executor.ProcessResult{
			Success:      true,
			OutputJSON:   output,
			InputTokens:  100,
			OutputTokens: 20,
		}, nil
	}}
}

func (e *testEnv) newRunner(exec executor.ProcessExecutor, gateSize int) *Runner {
	return NewRunner(e.repo, e.fs, exec, NewGate(gateSize), e.queue.LeaseWindow(), 5*time.Second)
}

// mustSubmit runs the submission pipeline and fails the test on error.
func (e *testEnv) mustSubmit(t *testing.T, req *SubmitRequest) *domain.Job {
	t.Helper()
	outcome, err := e.submit.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return outcome.Job
}
