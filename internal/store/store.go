// Package store holds the task persistence contracts the orchestrator
// depends on, plus the Postgres, SQLite and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

var (
	// ErrNotFound means the task or article does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded transition found the row in an
	// unexpected status (e.g. MarkRunning on a non-pending task).
	ErrConflict = errors.New("status conflict")
)

// Store is the durable record of publish tasks. Everything the scheduler,
// sequencer and executor read or write goes through this interface; the
// schema behind it is owned elsewhere.
type Store interface {
	GetTask(ctx context.Context, id int64) (*models.PublishTask, error)
	CreateTask(ctx context.Context, task *models.PublishTask) error

	// ListDueStandaloneTasks returns pending non-batch tasks that are
	// unscheduled, due, or awaiting a retry — retries ordered first.
	ListDueStandaloneTasks(ctx context.Context, now time.Time) ([]models.PublishTask, error)
	// ListBatchesReadyToStart returns batch ids whose lowest-ordered
	// pending task is the next one to run.
	ListBatchesReadyToStart(ctx context.Context) ([]string, error)
	// ListBatchTasks returns all tasks of a batch ordered by batch order.
	ListBatchTasks(ctx context.Context, batchID string) ([]models.PublishTask, error)
	// ListRunning returns every task currently marked running, for the
	// stale-task sweep.
	ListRunning(ctx context.Context) ([]models.PublishTask, error)

	// MarkRunning transitions pending→running and stamps started_at.
	// Returns ErrConflict when the task is not pending.
	MarkRunning(ctx context.Context, id int64) error
	// MarkCompleted writes a terminal status and stamps completed_at.
	MarkCompleted(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error
	// SetStatus writes a non-terminal status (e.g. back to pending for a
	// retry) with an informational message.
	SetStatus(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error
	// IncrementRetry bumps retry_count and returns the new value.
	IncrementRetry(ctx context.Context, id int64) (int, error)
	// Cancel transitions pending→cancelled only; ErrConflict otherwise.
	Cancel(ctx context.Context, id int64) error

	CountPending(ctx context.Context, batchID string) (int, error)
	CountByStatus(ctx context.Context, batchID string) (map[models.TaskStatus]int, error)
	// CancelBatchPending cancels every pending task of the batch, releases
	// their article locks, and returns how many were cancelled.
	CancelBatchPending(ctx context.Context, batchID, reason string) (int, error)
	// DeleteBatch removes the batch's tasks, releases the article locks,
	// and returns how many tasks were deleted.
	DeleteBatch(ctx context.Context, batchID string) (int, error)

	GetArticle(ctx context.Context, id int64) (*models.Article, error)
	// ReleaseArticleLock clears the publishing lock on an article. Safe to
	// call when no lock is held.
	ReleaseArticleLock(ctx context.Context, articleID int64) error

	// RecordPublish is the post-publish hook: it writes the publish record
	// and marks the article published, clearing its lock.
	RecordPublish(ctx context.Context, rec *models.PublishRecord) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close()
}

// NewBatchID mints a batch identifier for callers that create batches.
func NewBatchID() string {
	return "batch-" + uuid.NewString()
}
