// Package store is the single source of truth for job and task state.
//
// All mutations are serialized through one mutex and executed inside a single
// GORM transaction, so the compound operations below (create job with tasks,
// claim, cancel, result + status recomputation) are atomic with respect to
// each other. SQLite additionally enforces a single writer at the connection
// level; the mutex keeps the discipline identical under postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetforge-io/fleetforge/internal/db"
	"github.com/fleetforge-io/fleetforge/internal/ids"
)

// ErrNotFound is returned when the requested job or task does not exist.
// Callers distinguish it from database failures with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrInvalidArgument is returned for requests that fail validation before
// touching the database (empty action, empty target list).
var ErrInvalidArgument = errors.New("invalid argument")

// listLimitMax caps ListJobs; requests outside [1, listLimitMax] are clamped.
const listLimitMax = 500

// CreateJobRequest carries the inputs for CreateJob. Region may be empty,
// meaning the job's tasks can be claimed by agents in any region.
type CreateJobRequest struct {
	Action  string
	Region  string
	Targets []string
	Payload map[string]any
	Meta    map[string]string
}

// TaskResult is a terminal outcome reported by an agent for one task.
// FinishedAt is the agent-side completion time; it is carried through to
// events but does not participate in status derivation.
type TaskResult struct {
	TaskID     string
	Success    bool
	Error      string
	Output     map[string]any
	FinishedAt time.Time
}

// Store owns the jobs and tasks tables.
type Store struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *zap.Logger

	// now is a clock hook; tests override it to control lease arithmetic.
	now func() time.Time
}

// New creates a Store on top of an opened database (see internal/db).
func New(database *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger.Named("store"),
		now:    time.Now,
	}
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// CreateJob persists one job row and one queued task per target in a single
// transaction. All rows share the job's creation millisecond.
func (s *Store) CreateJob(ctx context.Context, req CreateJobRequest) (*db.Job, []db.Task, error) {
	if req.Action == "" {
		return nil, nil, fmt.Errorf("%w: action must not be empty", ErrInvalidArgument)
	}
	if len(req.Targets) == 0 {
		return nil, nil, fmt.Errorf("%w: targets must not be empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	job := db.Job{
		ID:        ids.New(),
		Action:    req.Action,
		Region:    req.Region,
		Targets:   append([]string(nil), req.Targets...),
		Meta:      req.Meta,
		Status:    db.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]db.Task, len(req.Targets))
	for i, target := range req.Targets {
		tasks[i] = db.Task{
			ID:        ids.New(),
			JobID:     job.ID,
			Target:    target,
			Action:    req.Action,
			Region:    req.Region,
			Payload:   req.Payload,
			Status:    db.StatusQueued,
			Attempt:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("store: create job: %w", err)
		}
		if err := tx.Create(&tasks).Error; err != nil {
			return fmt.Errorf("store: create tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("action", job.Action),
		zap.String("region", job.Region),
		zap.Int("tasks", len(tasks)),
	)
	return &job, tasks, nil
}

// GetJob returns a job and its tasks in creation order.
func (s *Store) GetJob(ctx context.Context, id string) (*db.Job, []db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job db.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("store: get job: %w", err)
	}

	var tasks []db.Task
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error; err != nil {
		return nil, nil, fmt.Errorf("store: get tasks for job %s: %w", id, err)
	}
	return &job, tasks, nil
}

// ListJobs returns jobs ordered by creation time descending. The limit is
// clamped to [1, 500]; values outside the range do not error.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]db.Job, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > listLimitMax {
		limit = listLimitMax
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Limit(limit).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob marks the job canceled and cancels every queued or running task.
// Tasks already finished or failed are left alone. Cancel is sticky: once a
// job is canceled, status recomputation never moves it again (rule 1).
// Idempotent — canceling a canceled job yields the same final state.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Job{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": db.StatusCanceled, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("store: cancel job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := tx.Model(&db.Task{}).
			Where("job_id = ? AND status IN ?", id, []db.Status{db.StatusQueued, db.StatusRunning}).
			Updates(map[string]any{"status": db.StatusCanceled, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("store: cancel tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("job canceled", zap.String("job_id", id))
	return nil
}

// ClaimNextQueued atomically claims the oldest queued task whose region is
// either the requested region or empty ("any region"). Ties on created_at
// break by id ascending so claim order is deterministic.
//
// On success the task's attempt is incremented, its status becomes running,
// and the owning job transitions to running unless it has been canceled.
// Returns (nil, nil) when no task matches.
func (s *Store) ClaimNextQueued(ctx context.Context, region string) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	var claimed *db.Task

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task db.Task
		err := tx.Where("status = ? AND region IN ?", db.StatusQueued, []string{region, ""}).
			Order("created_at ASC, id ASC").
			First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("store: select queued task: %w", err)
		}

		// Conditional on the task still being queued so concurrent claimers
		// cannot duplicate, even without the outer mutex.
		res := tx.Model(&db.Task{}).
			Where("id = ? AND status = ?", task.ID, db.StatusQueued).
			Updates(map[string]any{
				"status":     db.StatusRunning,
				"attempt":    gorm.Expr("attempt + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("store: claim task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&db.Job{}).
			Where("id = ? AND status <> ?", task.JobID, db.StatusCanceled).
			Updates(map[string]any{"status": db.StatusRunning, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("store: mark job running: %w", err)
		}

		task.Status = db.StatusRunning
		task.Attempt++
		task.UpdatedAt = now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueTask puts a running task back into the queue, preserving its attempt
// counter. A no-op for tasks in any other state.
func (s *Store) RequeueTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	res := s.db.WithContext(ctx).Model(&db.Task{}).
		Where("id = ? AND status = ?", id, db.StatusRunning).
		Updates(map[string]any{"status": db.StatusQueued, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("store: requeue task: %w", res.Error)
	}
	return nil
}

// RequeueStaleRunning demotes every running task whose updated_at is older
// than now-lease back to queued, refreshing updated_at. Returns the number of
// tasks requeued. Attempt counters are preserved, so a lease expiry does not
// count as a retry by itself.
func (s *Store) RequeueStaleRunning(ctx context.Context, lease time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	cutoff := now - lease.Milliseconds()

	res := s.db.WithContext(ctx).Model(&db.Task{}).
		Where("status = ? AND updated_at < ?", db.StatusRunning, cutoff).
		Updates(map[string]any{"status": db.StatusQueued, "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("store: requeue stale running: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("requeued stale running tasks", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// SetTaskResult applies a terminal outcome to a task and recomputes the
// owning job's status, returning both updated rows.
//
// The new status is applied unconditionally — even to a task that is queued
// (a lease-expired dispatch rediscovered in flight) or canceled. This is the
// at-least-once contract: the agent did the work, the row records it. A
// canceled job still never leaves Canceled, because recomputation rule 1
// short-circuits.
func (s *Store) SetTaskResult(ctx context.Context, res TaskResult) (*db.Task, *db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()
	var (
		task db.Task
		job  db.Job
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ?", res.TaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("store: get task: %w", err)
		}

		status := db.StatusFinished
		if !res.Success {
			status = db.StatusFailed
		}
		if err := tx.Model(&db.Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]any{"status": status, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("store: set task result: %w", err)
		}
		task.Status = status
		task.UpdatedAt = now

		if err := tx.First(&job, "id = ?", task.JobID).Error; err != nil {
			return fmt.Errorf("store: get job for task: %w", err)
		}

		next, err := s.recomputeStatus(tx, &job)
		if err != nil {
			return err
		}
		if next != job.Status {
			if err := tx.Model(&db.Job{}).
				Where("id = ?", job.ID).
				Updates(map[string]any{"status": next, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("store: update job status: %w", err)
			}
			job.Status = next
			job.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("task result applied",
		zap.String("task_id", task.ID),
		zap.String("job_id", job.ID),
		zap.String("task_status", string(task.Status)),
		zap.String("job_status", string(job.Status)),
	)
	return &task, &job, nil
}

// statusCounts is the multiset of task statuses for one job.
type statusCounts struct {
	queued   int64
	running  int64
	finished int64
	failed   int64
	canceled int64
}

// recomputeStatus derives the job's status from its task multiset via a
// single aggregate query inside the caller's transaction.
func (s *Store) recomputeStatus(tx *gorm.DB, job *db.Job) (db.Status, error) {
	if job.Status == db.StatusCanceled {
		// Cancel is sticky; skip the aggregate entirely.
		return db.StatusCanceled, nil
	}

	var rows []struct {
		Status db.Status
		N      int64
	}
	if err := tx.Model(&db.Task{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", job.ID).
		Group("status").
		Find(&rows).Error; err != nil {
		return job.Status, fmt.Errorf("store: count task statuses: %w", err)
	}

	var c statusCounts
	for _, row := range rows {
		switch row.Status {
		case db.StatusQueued:
			c.queued = row.N
		case db.StatusRunning:
			c.running = row.N
		case db.StatusFinished:
			c.finished = row.N
		case db.StatusFailed:
			c.failed = row.N
		case db.StatusCanceled:
			c.canceled = row.N
		}
	}
	return deriveStatus(c), nil
}

// deriveStatus applies the recomputation rules in order, first match wins:
//
//  1. (handled by caller) canceled jobs never change
//  2. any running task            -> running
//  3. queued plus any terminal    -> running (in progress: some done, more to do)
//  4. any queued                  -> queued
//  5. any failed                  -> failed
//  6. canceled, nothing failed or finished -> canceled
//  7. otherwise                   -> finished
//
// A job is failed only once everything terminal has resolved and at least one
// failure occurred; successes dominate canceled tasks.
func deriveStatus(c statusCounts) db.Status {
	switch {
	case c.running > 0:
		return db.StatusRunning
	case c.queued > 0 && (c.failed > 0 || c.finished > 0 || c.canceled > 0):
		return db.StatusRunning
	case c.queued > 0:
		return db.StatusQueued
	case c.failed > 0:
		return db.StatusFailed
	case c.canceled > 0 && c.finished == 0 && c.failed == 0:
		return db.StatusCanceled
	default:
		return db.StatusFinished
	}
}
