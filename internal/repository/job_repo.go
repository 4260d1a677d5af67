package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docflowai/docqueue/internal/domain"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a job lookup matches no row.
var ErrNotFound = errors.New("job not found")

// JobRepository handles job persistence. Every status-changing method is a
// single conditional UPDATE guarded by the current status, so exactly one
// caller can observe a successful transition out of a given status.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// Get retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job record if found.
//   - error: ErrNotFound if absent, otherwise the query error.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// List retrieves jobs ordered by creation time descending with pagination.
// Page is clamped to >= 1 and pageSize to the range 1..100.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - page: 1-based page number.
//   - pageSize: maximum records per page.
// Returns:
//   - []domain.Job: matching page of jobs.
//   - int64: total number of jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) List(ctx context.Context, page, pageSize int) ([]domain.Job, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CountPending counts jobs that occupy queue capacity (Queued or Running).
func (r *JobRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("status IN ?", []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}).
		Count(&count).Error
	return count, err
}

// TryAcquireLease atomically transitions a job to Running and sets its lease,
// or re-acquires a Running job whose lease has already expired. It is the only
// path into the Running status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - window: lease duration; leaseUntil becomes now+window.
// Returns:
//   - bool: true if this caller now holds the lease.
//   - error: non-nil if the update fails.
func (r *JobRepository) TryAcquireLease(ctx context.Context, id string, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(window)
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND ((status = ? AND available_at <= ?) OR (status = ? AND lease_until < ?))",
			id, domain.JobStatusQueued, now, domain.JobStatusRunning, now).
		Updates(map[string]interface{}{
			"status":      domain.JobStatusRunning,
			"lease_until": leaseUntil,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TouchLease extends the lease of a Running job. Used by the runner's
// heartbeat so long executions are not reaped mid-run.
func (r *JobRepository) TouchLease(ctx context.Context, id string, leaseUntil time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"lease_until": leaseUntil.UTC(),
			"updated_at":  time.Now().UTC(),
		}).Error
}

// UpdateProgress records progress for a Running job. Progress never
// decreases; stale writers lose the conditional update.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ? AND progress <= ?", id, domain.JobStatusRunning, progress).
		Updates(map[string]interface{}{
			"progress":   progress,
			"updated_at": time.Now().UTC(),
		}).Error
}

// CompleteSuccess transitions Running -> Succeeded with final metrics.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - metrics: final run metrics to persist.
// Returns:
//   - bool: true if this caller applied the transition.
//   - error: non-nil if the update fails.
func (r *JobRepository) CompleteSuccess(ctx context.Context, id string, metrics domain.JobMetrics) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusSucceeded,
			"progress":      100,
			"metrics":       metrics,
			"error_message": nil,
			"lease_until":   nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteFailure transitions Queued|Running -> Failed with an error message.
func (r *JobRepository) CompleteFailure(ctx context.Context, id string, message string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"error_message": message,
			"lease_until":   nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Cancel transitions Queued|Running -> Cancelled. Racing a terminal
// transition loses and returns false.
func (r *JobRepository) Cancel(ctx context.Context, id string, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusCancelled,
			"error_message": reason,
			"lease_until":   nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Requeue transitions Running -> Queued after a lease expiry, recording the
// new attempt count and the earliest time the job may be dispatched again.
// The lease must still be expired at update time: a heartbeat that refreshed
// it since the expiry sweep makes the requeue lose and return false.
func (r *JobRepository) Requeue(ctx context.Context, id string, attempts int, expiredBefore, availableAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ? AND lease_until < ?", id, domain.JobStatusRunning, expiredBefore.UTC()).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusQueued,
			"attempts":     attempts,
			"available_at": availableAt.UTC(),
			"lease_until":  nil,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindByIdempotencyKey finds a job created within ttl carrying the given
// idempotency key.
func (r *JobRepository) FindByIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (*domain.Job, error) {
	threshold := time.Now().UTC().Add(-ttl)
	var job domain.Job
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND created_at >= ?", key, threshold).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// FindRecentByHash finds a live job created within ttl with the given content
// hash. Cancelled jobs do not count as live, so a cancelled submission can be
// retried immediately.
func (r *JobRepository) FindRecentByHash(ctx context.Context, hash string, ttl time.Duration) (*domain.Job, error) {
	threshold := time.Now().UTC().Add(-ttl)
	var job domain.Job
	err := r.db.WithContext(ctx).
		Where("hash = ? AND created_at >= ? AND status <> ?", hash, threshold, domain.JobStatusCancelled).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// FindQueuedDue lists Queued jobs whose availableAt has passed, in dispatch
// order: priority descending, then creation time ascending.
func (r *JobRepository) FindQueuedDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	q := r.db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", domain.JobStatusQueued, now.UTC()).
		Order("priority DESC").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindRunningExpired lists Running jobs whose lease has expired. These are
// considered abandoned and belong to the rescheduler.
func (r *JobRepository) FindRunningExpired(ctx context.Context, now time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND lease_until < ?", domain.JobStatusRunning, now.UTC()).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteTerminalOlderThan deletes terminal jobs whose updatedAt is before
// cutoff and returns the deleted records so the caller can remove their
// directories. Running on an already-clean store is a no-op.
func (r *JobRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	terminal := []domain.JobStatus{domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled}

	var old []domain.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, cutoff.UTC()).
		Find(&old).Error; err != nil {
		return nil, err
	}
	if len(old) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(old))
	for _, j := range old {
		ids = append(ids, j.ID)
	}
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND status IN ?", ids, terminal).
		Delete(&domain.Job{}).Error; err != nil {
		return nil, err
	}
	return old, nil
}
