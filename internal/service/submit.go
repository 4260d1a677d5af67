package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	"github.com/docflowai/docqueue/internal/config"
	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/fs"
	"github.com/docflowai/docqueue/internal/logger"
	"github.com/docflowai/docqueue/internal/prompts"
	"github.com/docflowai/docqueue/internal/repository"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// allowedExtensions is the submission extension allow-list.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".tiff": true,
}

// allowedMIME is the sniffed content-type allow-list. Sniffing catches
// payloads whose extension lies about their content.
var allowedMIME = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/tiff":      true,
}

// SubmitRequest carries a validated-on-entry submission.
type SubmitRequest struct {
	FileBytes      []byte
	FileName       string
	Model          string
	TemplateToken  string
	Language       string
	MarkdownSystem string
	IdempotencyKey string
}

// SubmitOutcome is the result of running the submission pipeline.
type SubmitOutcome struct {
	Job *domain.Job
	// Deduped is true when an existing job was returned instead of creating
	// a new one (idempotency-key or content-hash hit).
	Deduped bool
}

// SubmitService validates, deduplicates, and persists incoming jobs. A
// rejection at any step leaves no row and no directory; the row is created
// only after every artifact write has succeeded.
type SubmitService struct {
	repo   *repository.JobRepository
	fs     *fs.Service
	queue  config.JobQueueConfig
	upload config.UploadConfig
}

// NewSubmitService creates a new submission service.
// Parameters:
//   - repo: job repository.
//   - fsvc: filesystem service for job directories and artifacts.
//   - queue: queue limits and dedupe window.
//   - upload: upload size limits.
// Returns:
//   - *SubmitService: initialized service.
func NewSubmitService(repo *repository.JobRepository, fsvc *fs.Service, queue config.JobQueueConfig, upload config.UploadConfig) *SubmitService {
	return &SubmitService{repo: repo, fs: fsvc, queue: queue, upload: upload}
}

// manifest is the manifest.json artifact recorded at submission time.
type manifest struct {
	JobID          string    `json:"job_id"`
	FileName       string    `json:"file_name"`
	Ext            string    `json:"ext"`
	Hash           string    `json:"hash"`
	CreatedAt      time.Time `json:"created_at"`
	Model          string    `json:"model"`
	TemplateToken  string    `json:"template_token"`
	Language       string    `json:"language"`
	MarkdownSystem string    `json:"markdown_system,omitempty"`
	ImageWidth     int       `json:"image_width,omitempty"`
	ImageHeight    int       `json:"image_height,omitempty"`
}

// Submit runs the pipeline: validation, size limit, idempotency-key dedupe,
// content-hash dedupe, backpressure, free-space floor, then directory +
// artifacts + row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: submission request.
// Returns:
//   - *SubmitOutcome: created or deduplicated job.
//   - error: one of the sentinel submission errors, or an internal error.
func (s *SubmitService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitOutcome, error) {
	// 1. validation: required fields, extension, sniffed MIME, language
	if len(req.FileBytes) == 0 || req.FileName == "" || req.Model == "" || req.TemplateToken == "" {
		return nil, ErrMissingField
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
	detected := mimetype.Detect(req.FileBytes)
	if !allowedMIME[baseMIME(detected.String())] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, detected.String())
	}
	if !prompts.SupportedLanguage(req.Language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}

	// 2. payload size
	if int64(len(req.FileBytes)) > s.upload.MaxRequestBodyBytes() {
		return nil, ErrPayloadTooLarge
	}

	// 3. idempotency-key dedupe, takes priority over the content hash
	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, req.IdempotencyKey, s.queue.DedupeTTL())
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.CtxInfo(ctx, "IdempotencyHit job_id=%s", existing.ID)
			return &SubmitOutcome{Job: existing, Deduped: true}, nil
		}
	}

	// 4. content-hash dedupe over bytes and all job-defining parameters
	hash := contentHash(req)
	dup, err := s.repo.FindRecentByHash(ctx, hash, s.queue.DedupeTTL())
	if err != nil {
		return nil, err
	}
	if dup != nil {
		logger.CtxInfo(ctx, "HashDedupeHit job_id=%s", dup.ID)
		return &SubmitOutcome{Job: dup, Deduped: true}, nil
	}

	// 5. backpressure, before any side effect
	pending, err := s.repo.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	if pending >= int64(s.queue.MaxQueueLength) {
		logger.With(logger.Fields{logger.FieldCount: pending}).
			Warn(ctx, "BackpressureTriggered max_queue_length=%d", s.queue.MaxQueueLength)
		return nil, ErrQueueFull
	}

	// 6. free-space floor on the data volume, last check before side effects
	if s.upload.MinFreeSpaceMB > 0 {
		free, err := s.fs.AvailableBytes()
		if err != nil {
			// an unreadable volume must not block intake
			logger.CtxWarn(ctx, "StorageProbeFailed err=%v", err)
		} else if free < s.upload.MinFreeSpaceBytes() {
			logger.CtxWarn(ctx, "InsufficientStorage free_bytes=%d min_free_mb=%d", free, s.upload.MinFreeSpaceMB)
			return nil, ErrInsufficientStorage
		}
	}

	// 7. directory + artifacts, then the row
	jobID := uuid.New().String()
	dir, err := s.fs.CreateJobDirectory(jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inputPath, err := s.fs.SaveBytesAtomic(jobID, "input"+ext, req.FileBytes)
	if err != nil {
		s.discardJobDirectory(ctx, jobID)
		return nil, err
	}
	promptPath, err := s.fs.SaveTextAtomic(jobID, "prompt.md",
		prompts.BuildExtractionPrompt(req.TemplateToken, req.Language, filepath.Base(req.FileName)))
	if err != nil {
		s.discardJobDirectory(ctx, jobID)
		return nil, err
	}
	fieldsJSON, _ := json.Marshal(map[string]interface{}{"fields": prompts.TemplateFields(req.TemplateToken)})
	fieldsPath, err := s.fs.SaveBytesAtomic(jobID, "fields.json", fieldsJSON)
	if err != nil {
		s.discardJobDirectory(ctx, jobID)
		return nil, err
	}

	m := manifest{
		JobID:          jobID,
		FileName:       filepath.Base(req.FileName),
		Ext:            ext,
		Hash:           hash,
		CreatedAt:      now,
		Model:          req.Model,
		TemplateToken:  req.TemplateToken,
		Language:       req.Language,
		MarkdownSystem: req.MarkdownSystem,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.FileBytes)); err == nil {
		m.ImageWidth = cfg.Width
		m.ImageHeight = cfg.Height
	}
	manifestJSON, _ := json.MarshalIndent(m, "", "  ")
	if _, err := s.fs.SaveBytesAtomic(jobID, "manifest.json", manifestJSON); err != nil {
		s.discardJobDirectory(ctx, jobID)
		return nil, err
	}

	job := &domain.Job{
		ID:             jobID,
		Status:         domain.JobStatusQueued,
		Hash:           hash,
		Model:          req.Model,
		TemplateToken:  req.TemplateToken,
		Language:       req.Language,
		MarkdownSystem: req.MarkdownSystem,
		AvailableAt:    now,
		Paths: domain.JobPaths{
			Dir:      dir,
			Input:    &domain.DocumentRef{Path: inputPath, CreatedAt: &now},
			Prompt:   &domain.DocumentRef{Path: promptPath, CreatedAt: &now},
			Fields:   &domain.DocumentRef{Path: fieldsPath, CreatedAt: &now},
			Output:   &domain.DocumentRef{Path: filepath.Join(dir, "output.json")},
			Error:    &domain.DocumentRef{Path: filepath.Join(dir, "error.txt")},
			Markdown: &domain.DocumentRef{Path: filepath.Join(dir, "markdown.md")},
		},
	}
	if req.IdempotencyKey != "" {
		job.IdempotencyKey = &req.IdempotencyKey
	}

	if err := s.repo.Create(ctx, job); err != nil {
		// the row never existed; remove the orphaned directory
		s.discardJobDirectory(ctx, jobID)
		return nil, err
	}

	logger.With(logger.Fields{logger.FieldJobID: jobID, logger.FieldModel: req.Model}).
		Info(ctx, "JobSubmitted template=%s language=%s", req.TemplateToken, req.Language)
	return &SubmitOutcome{Job: job}, nil
}

func (s *SubmitService) discardJobDirectory(ctx context.Context, jobID string) {
	if err := s.fs.DeleteJobDirectory(jobID); err != nil {
		logger.CtxWarn(ctx, "SubmitCleanupFailed job_id=%s err=%v", jobID, err)
	}
}

// contentHash fingerprints the submission: input bytes plus every
// job-defining parameter, so the same bytes against a different template or
// model are a different job.
func contentHash(req *SubmitRequest) string {
	h := sha256.New()
	h.Write(req.FileBytes)
	for _, part := range []string{req.FileName, req.Model, req.TemplateToken, req.Language, req.MarkdownSystem} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// baseMIME strips parameters like "; charset=utf-8" from a MIME string.
func baseMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		return strings.TrimSpace(m[:i])
	}
	return m
}
