package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxRetryDelay = time.Hour

// Queue persists jobs in the jobs table.
type Queue struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
}

// NewQueue creates a Queue. maxAttempts <= 0 uses 5.
func NewQueue(db *gorm.DB, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{db: db, maxAttempts: maxAttempts, now: time.Now}
}

// Enqueue stores p for immediate execution.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (*models.Job, error) {
	return q.EnqueueAt(ctx, p, q.now())
}

// EnqueueAt stores p to run no earlier than runAt.
func (q *Queue) EnqueueAt(ctx context.Context, p Payload, runAt time.Time) (*models.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("jobs: enqueue %s: %w", p.Kind(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode %s: %w", p.Kind(), err)
	}
	job := &models.Job{
		Queue:        p.Queue(),
		Kind:         string(p.Kind()),
		Payload:      string(raw),
		PartitionKey: p.Partition(),
		Status:       models.JobPending,
		MaxAttempts:  q.maxAttempts,
		RunAt:        runAt,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("jobs: enqueue %s: %w", p.Kind(), err)
	}
	return job, nil
}

// Claim atomically takes the oldest due pending job of queue, marks it
// running and counts the attempt. With exclusive set, partitions that
// already have a running job are skipped. Returns ErrNoJob when idle.
func (q *Queue) Claim(ctx context.Context, queue string, exclusive bool) (*models.Job, error) {
	if queue == "" {
		return nil, fmt.Errorf("jobs: queue is required")
	}

	var claimed models.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		query := tx.Where("queue = ? AND status = ? AND run_at <= ?", queue, models.JobPending, now)
		if exclusive {
			busy := tx.Model(&models.Job{}).
				Select("partition_key").
				Where("queue = ? AND status = ? AND partition_key <> ?", queue, models.JobRunning, "")
			query = query.Where("partition_key NOT IN (?)", busy)
		}

		result := query.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("run_at ASC, id ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("jobs: find ready job on %s: %w", queue, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoJob
		}

		update := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", claimed.ID, models.JobPending).
			Updates(map[string]interface{}{
				"status":    models.JobRunning,
				"attempts":  gorm.Expr("attempts + 1"),
				"locked_at": now,
			})
		if update.Error != nil {
			return fmt.Errorf("jobs: claim job %d: %w", claimed.ID, update.Error)
		}
		if update.RowsAffected == 0 {
			return ErrNoJob
		}
		claimed.Status = models.JobRunning
		claimed.Attempts++
		claimed.LockedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	err := q.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":     models.JobDone,
		"locked_at":  nil,
		"last_error": "",
	}).Error
	if err != nil {
		return fmt.Errorf("jobs: complete job %d: %w", job.ID, err)
	}
	job.Status = models.JobDone
	return nil
}

// Fail records a failed attempt. Permanent errors and exhausted jobs become
// failed; others return to pending after 2^attempts seconds.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) error {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	updates := map[string]interface{}{
		"locked_at":  nil,
		"last_error": cause.Error(),
	}
	if IsPermanent(cause) || job.Attempts >= maxAttempts {
		updates["status"] = models.JobFailed
	} else {
		updates["status"] = models.JobPending
		updates["run_at"] = q.now().Add(RetryDelay(job.Attempts))
	}

	if err := q.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("jobs: fail job %d: %w", job.ID, err)
	}
	job.Status = updates["status"].(string)
	job.LastError = cause.Error()
	return nil
}

// RetryDelay is the wait before retrying after attempts failed attempts.
func RetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		return maxRetryDelay
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// RequeueStale returns jobs running since before now-olderThan to pending.
// Their attempt stays counted.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.now().Add(-olderThan)
	result := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND locked_at < ?", models.JobRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     models.JobPending,
			"locked_at":  nil,
			"run_at":     q.now(),
			"last_error": "requeued after stale lock",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: requeue stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := q.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("jobs: job %d not found: %w", id, err)
		}
		return nil, fmt.Errorf("jobs: get job %d: %w", id, err)
	}
	return &job, nil
}
