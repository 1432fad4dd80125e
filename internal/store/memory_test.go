package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

func newTask(articleID int64) *models.PublishTask {
	return &models.PublishTask{
		ArticleID:      articleID,
		AccountID:      7,
		PlatformID:     "sohu",
		ArticleTitle:   "title",
		ArticleContent: "content",
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	task := newTask(1)
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected an assigned id")
	}
	if task.Status != models.StatusPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}
	if task.MaxRetries != models.DefaultMaxRetries {
		t.Fatalf("max_retries = %d, want %d", task.MaxRetries, models.DefaultMaxRetries)
	}
	if !m.ArticleLocked(1) {
		t.Fatal("creating a task should lock its article")
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ArticleTitle != "title" {
		t.Fatalf("title = %q", got.ArticleTitle)
	}

	if _, err := m.GetTask(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryListDueStandaloneTasks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newTask(1)
	due.ScheduledAt = &past
	notYet := newTask(2)
	notYet.ScheduledAt = &future
	immediate := newTask(3)
	retrying := newTask(4)
	retrying.ScheduledAt = &future
	batched := newTask(5)
	batchID := "batch-x"
	batched.BatchID = &batchID

	for _, task := range []*models.PublishTask{due, notYet, immediate, retrying, batched} {
		if err := m.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if _, err := m.IncrementRetry(ctx, retrying.ID); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}

	tasks, err := m.ListDueStandaloneTasks(ctx, now)
	if err != nil {
		t.Fatalf("ListDueStandaloneTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	// Retried work jumps the queue.
	if tasks[0].ID != retrying.ID {
		t.Fatalf("first due task = %d, want retrying task %d", tasks[0].ID, retrying.ID)
	}
	for _, task := range tasks {
		if task.ID == notYet.ID || task.ID == batched.ID {
			t.Fatalf("task %d should not be due", task.ID)
		}
	}
}

func TestMemoryBatchListing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batchID := NewBatchID()

	for i := 3; i >= 1; i-- {
		task := newTask(int64(i))
		task.BatchID = &batchID
		task.BatchOrder = i
		if err := m.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	ready, err := m.ListBatchesReadyToStart(ctx)
	if err != nil {
		t.Fatalf("ListBatchesReadyToStart: %v", err)
	}
	if len(ready) != 1 || ready[0] != batchID {
		t.Fatalf("ready = %v, want [%s]", ready, batchID)
	}

	tasks, err := m.ListBatchTasks(ctx, batchID)
	if err != nil {
		t.Fatalf("ListBatchTasks: %v", err)
	}
	for i, task := range tasks {
		if task.BatchOrder != i+1 {
			t.Fatalf("position %d has batch_order %d", i, task.BatchOrder)
		}
	}

	if _, err := m.CancelBatchPending(ctx, batchID, "stopped"); err != nil {
		t.Fatalf("CancelBatchPending: %v", err)
	}
	ready, err = m.ListBatchesReadyToStart(ctx)
	if err != nil {
		t.Fatalf("ListBatchesReadyToStart: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("a fully cancelled batch is still listed: %v", ready)
	}
}

func TestMemoryMarkRunningConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := newTask(1)
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := m.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := m.MarkRunning(ctx, task.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("second MarkRunning: err = %v, want ErrConflict", err)
	}
	if err := m.Cancel(ctx, task.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("Cancel of running task: err = %v, want ErrConflict", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not set")
	}

	running, err := m.ListRunning(ctx)
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(running) != 1 || running[0].ID != task.ID {
		t.Fatalf("running = %v", running)
	}
}

func TestMemoryRetryAndComplete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := newTask(1)
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	count, err := m.IncrementRetry(ctx, task.ID)
	if err != nil || count != 1 {
		t.Fatalf("IncrementRetry = (%d, %v), want (1, nil)", count, err)
	}

	if err := m.MarkCompleted(ctx, task.ID, models.StatusFailed, "publish failed"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.StatusFailed || got.CompletedAt == nil {
		t.Fatalf("task = %+v after completion", got)
	}
	if got.ErrorMessage != "publish failed" {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}

func TestMemoryCountByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batchID := NewBatchID()

	statuses := []models.TaskStatus{
		models.StatusSuccess, models.StatusSuccess,
		models.StatusFailed, models.StatusPending,
	}
	for i, status := range statuses {
		task := newTask(int64(i + 1))
		task.BatchID = &batchID
		task.BatchOrder = i + 1
		if err := m.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if status != models.StatusPending {
			if err := m.SetStatus(ctx, task.ID, status, ""); err != nil {
				t.Fatalf("SetStatus: %v", err)
			}
		}
	}

	counts, err := m.CountByStatus(ctx, batchID)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[models.StatusSuccess] != 2 || counts[models.StatusFailed] != 1 || counts[models.StatusPending] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	pending, err := m.CountPending(ctx, batchID)
	if err != nil || pending != 1 {
		t.Fatalf("CountPending = (%d, %v), want (1, nil)", pending, err)
	}
}

func TestMemoryDeleteBatchReleasesLocks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	batchID := NewBatchID()

	for i := 1; i <= 2; i++ {
		task := newTask(int64(i))
		task.BatchID = &batchID
		task.BatchOrder = i
		if err := m.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	deleted, err := m.DeleteBatch(ctx, batchID)
	if err != nil || deleted != 2 {
		t.Fatalf("DeleteBatch = (%d, %v), want (2, nil)", deleted, err)
	}
	for i := int64(1); i <= 2; i++ {
		if m.ArticleLocked(i) {
			t.Fatalf("article %d still locked after batch delete", i)
		}
	}
	tasks, err := m.ListBatchTasks(ctx, batchID)
	if err != nil {
		t.Fatalf("ListBatchTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("batch still has %d tasks", len(tasks))
	}
}

func TestMemoryRecordPublish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	task := newTask(5)
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec := &models.PublishRecord{
		TaskID:     task.ID,
		ArticleID:  task.ArticleID,
		AccountID:  task.AccountID,
		PlatformID: task.PlatformID,
		Title:      task.ArticleTitle,
	}
	if err := m.RecordPublish(ctx, rec); err != nil {
		t.Fatalf("RecordPublish: %v", err)
	}
	if rec.ID == 0 || rec.PublishedAt.IsZero() {
		t.Fatalf("record not stamped: %+v", rec)
	}
	if m.ArticleLocked(5) {
		t.Fatal("publish record should release the article lock")
	}
	if got := m.Records(); len(got) != 1 || got[0].TaskID != task.ID {
		t.Fatalf("records = %v", got)
	}
}

func TestNewBatchID(t *testing.T) {
	a, b := NewBatchID(), NewBatchID()
	if !strings.HasPrefix(a, "batch-") {
		t.Fatalf("batch id %q missing prefix", a)
	}
	if a == b {
		t.Fatal("batch ids should be unique")
	}
}
