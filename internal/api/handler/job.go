package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docflowai/docqueue/internal/domain"
	"github.com/docflowai/docqueue/internal/repository"
	"github.com/docflowai/docqueue/internal/service"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the error body returned by every job endpoint.
type ErrorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// JobHandler handles job submission, listing, detail, artifacts, and
// cancellation.
type JobHandler struct {
	submit     *service.SubmitService
	immediate  *service.Immediate
	repo       *repository.JobRepository
	retryAfter int
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - submit: submission pipeline.
//   - immediate: immediate execution path.
//   - repo: job repository for reads and cancellation.
//   - retryAfter: seconds advertised in Retry-After on backpressure.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(submit *service.SubmitService, immediate *service.Immediate, repo *repository.JobRepository, retryAfter int) *JobHandler {
	return &JobHandler{submit: submit, immediate: immediate, repo: repo, retryAfter: retryAfter}
}

type submitBody struct {
	FileBase64     string `json:"file_base64" binding:"required"`
	FileName       string `json:"file_name" binding:"required"`
	Model          string `json:"model" binding:"required"`
	TemplateToken  string `json:"template_token" binding:"required"`
	Language       string `json:"language" binding:"required"`
	MarkdownSystem string `json:"markdown_system"`
}

type jobSummary struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DerivedStatus string `json:"derived_status"`
	Progress      int    `json:"progress"`
	Attempts      int    `json:"attempts"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	Model         string `json:"model"`
	TemplateToken string `json:"template_token"`
	Language      string `json:"language"`
}

// Submit handles POST /api/v1/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "file, model, template and language are required"})
		return
	}
	fileBytes, err := base64.StdEncoding.DecodeString(body.FileBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "file_base64 is not valid base64"})
		return
	}

	req := &service.SubmitRequest{
		FileBytes:      fileBytes,
		FileName:       body.FileName,
		Model:          body.Model,
		TemplateToken:  body.TemplateToken,
		Language:       body.Language,
		MarkdownSystem: body.MarkdownSystem,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	}

	if c.Query("mode") == "immediate" {
		h.submitImmediate(c, req)
		return
	}

	outcome, err := h.submit.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     outcome.Job.ID,
		"status_url": "/api/v1/jobs/" + outcome.Job.ID,
	})
}

// submitImmediate runs the synchronous path. Executor failures surface as
// 200 with status=Failed: the HTTP layer succeeded, only the job failed.
func (h *JobHandler) submitImmediate(c *gin.Context, req *service.SubmitRequest) {
	outcome, err := h.immediate.Execute(c.Request.Context(), req)
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}
	if !outcome.Ran {
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     outcome.Job.ID,
			"status_url": "/api/v1/jobs/" + outcome.Job.ID,
		})
		return
	}

	resp := gin.H{
		"job_id": outcome.Job.ID,
		"status": string(outcome.Job.Status),
	}
	if outcome.Job.Metrics.DurationMs != nil {
		resp["duration_ms"] = *outcome.Job.Metrics.DurationMs
	}
	if outcome.Job.ErrorMessage != nil {
		resp["error"] = *outcome.Job.ErrorMessage
	}
	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrMissingField),
		errors.Is(err, service.ErrUnsupportedFileType),
		errors.Is(err, service.ErrUnsupportedLanguage),
		errors.Is(err, service.ErrImmediateDisabled):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
	case errors.Is(err, service.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload_too_large", Message: err.Error()})
	case errors.Is(err, service.ErrInsufficientStorage):
		c.JSON(http.StatusInsufficientStorage, ErrorResponse{Error: "insufficient_storage", Message: err.Error()})
	case errors.Is(err, service.ErrQueueFull):
		c.Header("Retry-After", strconv.Itoa(h.retryAfter))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "queue_full", Message: err.Error(), RetryAfterSeconds: h.retryAfter})
	case errors.Is(err, service.ErrImmediateCapacity):
		c.Header("Retry-After", strconv.Itoa(h.retryAfter))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "immediate_capacity", Message: err.Error(), RetryAfterSeconds: h.retryAfter})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "failed to submit job"})
	}
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "page must be >= 1"})
		return
	}
	// clamp here so the response echoes the page size actually served
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	jobs, total, err := h.repo.List(c.Request.Context(), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "failed to list jobs"})
		return
	}

	items := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobSummary{
			ID:            j.ID,
			Status:        string(j.Status),
			DerivedStatus: j.Status.DerivedStatus(),
			Progress:      j.Progress,
			Attempts:      j.Attempts,
			CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:     j.UpdatedAt.UTC().Format(time.RFC3339),
			Model:         j.Model,
			TemplateToken: j.TemplateToken,
			Language:      j.Language,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"page":     page,
		"pageSize": pageSize,
		"total":    total,
		"items":    items,
	})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "failed to load job"})
		return
	}

	resp := gin.H{
		"id":             job.ID,
		"status":         string(job.Status),
		"derived_status": job.Status.DerivedStatus(),
		"progress":       job.Progress,
		"attempts":       job.Attempts,
		"created_at":     job.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     job.UpdatedAt.UTC().Format(time.RFC3339),
		"metrics":        job.Metrics,
		"paths":          publicPaths(job),
		"model":          job.Model,
		"template_token": job.TemplateToken,
		"language":       job.Language,
	}
	if job.MarkdownSystem != "" {
		resp["markdown_system"] = job.MarkdownSystem
	}
	if job.ErrorMessage != nil {
		resp["error_message"] = *job.ErrorMessage
	}
	c.JSON(http.StatusOK, resp)
}

// File handles GET /api/v1/jobs/:id/files/:file, serving one named artifact.
func (h *JobHandler) File(c *gin.Context) {
	job, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "job not found"})
		return
	}

	name := filepath.Base(c.Param("file"))
	for _, ref := range artifactRefs(job) {
		if ref == nil || ref.Path == "" {
			continue
		}
		if !strings.EqualFold(filepath.Base(ref.Path), name) {
			continue
		}
		if !fileExists(ref.Path) {
			break
		}
		c.Header("Content-Type", contentTypeFor(name))
		c.File(ref.Path)
		return
	}
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "file not found"})
}

// Cancel handles DELETE /api/v1/jobs/:id.
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	job, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "failed to load job"})
		return
	}
	if job.Status.IsTerminal() {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "conflict", Message: "job already in terminal state"})
		return
	}

	cancelled, err := h.repo.Cancel(c.Request.Context(), id, "cancelled by user")
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "failed to cancel job"})
		return
	}
	if !cancelled {
		// lost the race against a terminal transition
		c.JSON(http.StatusConflict, ErrorResponse{Error: "conflict", Message: "job already in terminal state"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "status": string(domain.JobStatusCancelled)})
}

// publicPaths maps each existing artifact to its fetchable URL.
func publicPaths(job *domain.Job) gin.H {
	paths := gin.H{}
	names := map[string]*domain.DocumentRef{
		"input":         job.Paths.Input,
		"prompt":        job.Paths.Prompt,
		"fields":        job.Paths.Fields,
		"output":        job.Paths.Output,
		"error":         job.Paths.Error,
		"markdown":      job.Paths.Markdown,
		"markdown_json": job.Paths.MarkdownJSON,
	}
	for key, ref := range names {
		if ref == nil || ref.Path == "" || !fileExists(ref.Path) {
			continue
		}
		entry := gin.H{"path": "/api/v1/jobs/" + job.ID + "/files/" + filepath.Base(ref.Path)}
		if ref.CreatedAt != nil {
			entry["created_at"] = ref.CreatedAt.UTC().Format(time.RFC3339)
		}
		paths[key] = entry
	}
	return paths
}

func artifactRefs(job *domain.Job) []*domain.DocumentRef {
	return []*domain.DocumentRef{
		job.Paths.Input,
		job.Paths.Prompt,
		job.Paths.Fields,
		job.Paths.Output,
		job.Paths.Error,
		job.Paths.Markdown,
		job.Paths.MarkdownJSON,
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
