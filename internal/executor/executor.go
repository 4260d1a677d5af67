package executor

import (
	"context"

	"github.com/docflowai/docqueue/internal/domain"
)

// ProcessResult is the outcome reported by a process executor.
// Success=false with an ErrorMessage is an executor-reported failure and is
// terminal for the attempt; a non-nil error from Execute is an infrastructure
// failure and is handled the same way by the runner.
type ProcessResult struct {
	Success    bool
	OutputJSON string
	// Markdown carries the converted-document artifact when the executor
	// produced one; empty means no markdown.md is written.
	Markdown     string
	ErrorMessage string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// ProcessExecutor runs the actual document extraction for one job. The
// runner calls it at-least-once: implementations must tolerate re-execution
// for the same job after a lease expiry.
type ProcessExecutor interface {
	Execute(ctx context.Context, job *domain.Job) (*ProcessResult, error)
}
