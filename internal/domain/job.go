package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the lifecycle status of an extraction job.
// Values include JobStatusQueued, JobStatusRunning, JobStatusSucceeded,
// JobStatusFailed, and JobStatusCancelled.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "Queued"
	JobStatusRunning   JobStatus = "Running"
	JobStatusSucceeded JobStatus = "Succeeded"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusCancelled JobStatus = "Cancelled"
)

// IsTerminal reports whether no further transition leaves this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// DerivedStatus maps an internal status to the human-readable status shown in
// list and detail responses.
func (s JobStatus) DerivedStatus() string {
	switch s {
	case JobStatusQueued:
		return "Pending"
	case JobStatusRunning:
		return "Processing"
	case JobStatusSucceeded:
		return "Completed"
	default:
		return string(s)
	}
}

// DocumentRef points at a single artifact file inside a job directory.
type DocumentRef struct {
	Path      string     `json:"path"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// JobPaths is the set of named document references for a job. It is stored as
// a JSON text column.
type JobPaths struct {
	Dir          string       `json:"dir"`
	Input        *DocumentRef `json:"input,omitempty"`
	Prompt       *DocumentRef `json:"prompt,omitempty"`
	Fields       *DocumentRef `json:"fields,omitempty"`
	Output       *DocumentRef `json:"output,omitempty"`
	Error        *DocumentRef `json:"error,omitempty"`
	Markdown     *DocumentRef `json:"markdown,omitempty"`
	MarkdownJSON *DocumentRef `json:"markdown_json,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded representation of the paths.
//   - error: non-nil if marshaling fails.
func (p JobPaths) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (p *JobPaths) Scan(value interface{}) error {
	if value == nil {
		*p = JobPaths{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JobPaths")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, p)
}

// JobMetrics carries run timing and usage accounting. Stored as a JSON text
// column.
type JobMetrics struct {
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
	Cost         float64    `json:"cost,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
func (m JobMetrics) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *JobMetrics) Scan(value interface{}) error {
	if value == nil {
		*m = JobMetrics{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JobMetrics")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// Job represents a document-extraction job and its persisted state.
//
// Status transitions happen only through the repository's conditional
// updates, so a Running job always has LeaseUntil set and exactly one caller
// can move a job out of any given status.
type Job struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	Status         JobStatus  `gorm:"type:text;index:idx_jobs_status;default:Queued" json:"status"`
	Progress       int        `gorm:"default:0" json:"progress"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	Priority       int        `gorm:"default:0" json:"priority"`
	AvailableAt    time.Time  `gorm:"index:idx_jobs_available" json:"available_at"`
	LeaseUntil     *time.Time `json:"lease_until,omitempty"`
	Hash           string     `gorm:"type:text;index:idx_jobs_hash" json:"hash"`
	IdempotencyKey *string    `gorm:"type:text;index:idx_jobs_idem" json:"idempotency_key,omitempty"`
	Model          string     `gorm:"type:text" json:"model"`
	TemplateToken  string     `gorm:"type:text" json:"template_token"`
	Language       string     `gorm:"type:text" json:"language"`
	MarkdownSystem string     `gorm:"type:text" json:"markdown_system,omitempty"`
	Paths          JobPaths   `gorm:"type:text" json:"paths"`
	Metrics        JobMetrics `gorm:"type:text" json:"metrics"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `gorm:"index:idx_jobs_created" json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}
