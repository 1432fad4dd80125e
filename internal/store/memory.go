package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

// Memory is a mutex-guarded in-process Store. It backs tests and the
// -store memory mode; semantics mirror the SQL implementations.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]*models.PublishTask
	articles map[int64]*models.Article
	locked   map[int64]bool
	records  []models.PublishRecord
}

func NewMemory() *Memory {
	return &Memory{
		nextID:   1,
		tasks:    map[int64]*models.PublishTask{},
		articles: map[int64]*models.Article{},
		locked:   map[int64]bool{},
	}
}

func (m *Memory) GetTask(ctx context.Context, id int64) (*models.PublishTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *task
	return &copy, nil
}

func (m *Memory) CreateTask(ctx context.Context, task *models.PublishTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.ID = m.nextID
	m.nextID++
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = models.DefaultMaxRetries
	}
	stored := *task
	m.tasks[task.ID] = &stored
	// The submitter locks the article for the lifetime of the task.
	m.locked[task.ArticleID] = true
	return nil
}

func (m *Memory) ListDueStandaloneTasks(ctx context.Context, now time.Time) ([]models.PublishTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PublishTask
	for _, task := range m.tasks {
		if task.InBatch() {
			continue
		}
		if task.Due(now) {
			out = append(out, *task)
		}
	}
	// Retries first, then oldest schedule.
	sort.Slice(out, func(i, j int) bool {
		if (out[i].RetryCount > 0) != (out[j].RetryCount > 0) {
			return out[i].RetryCount > 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListBatchesReadyToStart(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, task := range m.tasks {
		if !task.InBatch() || task.Status != models.StatusPending {
			continue
		}
		id := *task.BatchID
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListBatchTasks(ctx context.Context, batchID string) ([]models.PublishTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PublishTask
	for _, task := range m.tasks {
		if task.InBatch() && *task.BatchID == batchID {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchOrder < out[j].BatchOrder })
	return out, nil
}

func (m *Memory) ListRunning(ctx context.Context) ([]models.PublishTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PublishTask
	for _, task := range m.tasks {
		if task.Status == models.StatusRunning {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkRunning(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != models.StatusPending {
		return ErrConflict
	}
	now := time.Now()
	task.Status = models.StatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	return nil
}

func (m *Memory) MarkCompleted(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	task.Status = status
	task.ErrorMessage = errorMessage
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.ErrorMessage = errorMessage
	task.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) IncrementRetry(ctx context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	task.RetryCount++
	task.UpdatedAt = time.Now()
	return task.RetryCount, nil
}

func (m *Memory) Cancel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != models.StatusPending {
		return ErrConflict
	}
	task.Status = models.StatusCancelled
	task.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CountPending(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, task := range m.tasks {
		if task.InBatch() && *task.BatchID == batchID && task.Status == models.StatusPending {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountByStatus(ctx context.Context, batchID string) (map[models.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[models.TaskStatus]int{}
	for _, task := range m.tasks {
		if task.InBatch() && *task.BatchID == batchID {
			out[task.Status]++
		}
	}
	return out, nil
}

func (m *Memory) CancelBatchPending(ctx context.Context, batchID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	now := time.Now()
	for _, task := range m.tasks {
		if task.InBatch() && *task.BatchID == batchID && task.Status == models.StatusPending {
			task.Status = models.StatusCancelled
			task.ErrorMessage = reason
			task.UpdatedAt = now
			delete(m.locked, task.ArticleID)
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, task := range m.tasks {
		if task.InBatch() && *task.BatchID == batchID {
			delete(m.locked, task.ArticleID)
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) GetArticle(ctx context.Context, id int64) (*models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	article, ok := m.articles[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *article
	return &copy, nil
}

func (m *Memory) ReleaseArticleLock(ctx context.Context, articleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, articleID)
	return nil
}

func (m *Memory) RecordPublish(ctx context.Context, rec *models.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now()
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, *rec)
	delete(m.locked, rec.ArticleID)
	return nil
}

func (m *Memory) Close() {}

// Ping always succeeds; it exists so the memory store can back the same
// health endpoint as the SQL stores.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// PutArticle seeds an article row.
func (m *Memory) PutArticle(article models.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := article
	m.articles[article.ID] = &copy
}

// ArticleLocked reports the lock state, for tests.
func (m *Memory) ArticleLocked(articleID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[articleID]
}

// Records returns a copy of the publish records written so far.
func (m *Memory) Records() []models.PublishRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PublishRecord(nil), m.records...)
}
