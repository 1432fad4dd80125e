package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

// Postgres implements Store against the publishing_tasks / articles /
// publishing_records schema. Schema and migrations are owned by the host
// application.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Ping exposes a readiness probe for the web layer.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

const taskColumns = `
	id, article_id, account_id, platform_id,
	COALESCE(article_title, ''), COALESCE(article_content, ''), COALESCE(article_keyword, ''),
	scheduled_at, batch_id, COALESCE(batch_order, 0), COALESCE(interval_minutes, 0),
	status, retry_count, max_retries, COALESCE(error_message, ''),
	started_at, completed_at, created_at, updated_at, COALESCE(config, '{}'::jsonb)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.PublishTask, error) {
	var t models.PublishTask
	var configJSON []byte
	err := row.Scan(
		&t.ID, &t.ArticleID, &t.AccountID, &t.PlatformID,
		&t.ArticleTitle, &t.ArticleContent, &t.ArticleKeyword,
		&t.ScheduledAt, &t.BatchID, &t.BatchOrder, &t.IntervalMinutes,
		&t.Status, &t.RetryCount, &t.MaxRetries, &t.ErrorMessage,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt, &configJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &t.Config); err != nil {
			return nil, fmt.Errorf("task %d: parse config: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (*models.PublishTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM publishing_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *Postgres) CreateTask(ctx context.Context, task *models.PublishTask) error {
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = models.DefaultMaxRetries
	}
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO publishing_tasks
			(article_id, account_id, platform_id,
			 article_title, article_content, article_keyword,
			 scheduled_at, batch_id, batch_order, interval_minutes,
			 status, retry_count, max_retries, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13)
		RETURNING id, created_at, updated_at
	`,
		task.ArticleID, task.AccountID, task.PlatformID,
		task.ArticleTitle, task.ArticleContent, task.ArticleKeyword,
		task.ScheduledAt, task.BatchID, task.BatchOrder, task.IntervalMinutes,
		task.Status, task.MaxRetries, configJSON,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return err
	}

	// Hide the article while a publish is pending for it.
	_, err = tx.Exec(ctx, `
		UPDATE articles
		SET publishing_status = 'publishing', updated_at = NOW()
		WHERE id = $1
	`, task.ArticleID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ListDueStandaloneTasks(ctx context.Context, now time.Time) ([]models.PublishTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM publishing_tasks
		WHERE batch_id IS NULL
		  AND status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= $1 OR retry_count > 0)
		ORDER BY (retry_count > 0) DESC, COALESCE(scheduled_at, created_at) ASC, id ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Postgres) ListBatchesReadyToStart(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT batch_id
		FROM publishing_tasks
		WHERE batch_id IS NOT NULL
		  AND status = 'pending'
		  AND batch_order = (
			SELECT MIN(batch_order)
			FROM publishing_tasks t2
			WHERE t2.batch_id = publishing_tasks.batch_id
			  AND t2.status = 'pending'
		  )
		ORDER BY batch_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) ListBatchTasks(ctx context.Context, batchID string) ([]models.PublishTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM publishing_tasks
		WHERE batch_id = $1
		ORDER BY batch_order ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Postgres) ListRunning(ctx context.Context) ([]models.PublishTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM publishing_tasks
		WHERE status = 'running'
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]models.PublishTask, error) {
	var out []models.PublishTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkRunning(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publishing_tasks
		SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) MarkCompleted(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publishing_tasks
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, status, errorMessage, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetStatus(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publishing_tasks
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`, status, errorMessage, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) IncrementRetry(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE publishing_tasks
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *Postgres) Cancel(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publishing_tasks
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) CountPending(ctx context.Context, batchID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publishing_tasks
		WHERE batch_id = $1 AND status = 'pending'
	`, batchID).Scan(&count)
	return count, err
}

func (s *Postgres) CountByStatus(ctx context.Context, batchID string) (map[models.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM publishing_tasks
		WHERE batch_id = $1
		GROUP BY status
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[models.TaskStatus]int{}
	for rows.Next() {
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

func (s *Postgres) CancelBatchPending(ctx context.Context, batchID, reason string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE publishing_tasks
		SET status = 'cancelled', error_message = $2, updated_at = NOW()
		WHERE batch_id = $1 AND status = 'pending'
	`, batchID, reason)
	if err != nil {
		return 0, err
	}

	// Restore visibility of the articles whose tasks were just cancelled.
	_, err = tx.Exec(ctx, `
		UPDATE articles
		SET publishing_status = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT article_id FROM publishing_tasks
			WHERE batch_id = $1 AND status = 'cancelled'
		)
	`, batchID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE articles
		SET publishing_status = NULL, updated_at = NOW()
		WHERE id IN (SELECT article_id FROM publishing_tasks WHERE batch_id = $1)
	`, batchID)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM publishing_tasks WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) GetArticle(ctx context.Context, id int64) (*models.Article, error) {
	var a models.Article
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(content, ''), COALESCE(keyword, ''), COALESCE(image_url, '')
		FROM articles WHERE id = $1
	`, id).Scan(&a.ID, &a.Title, &a.Content, &a.Keyword, &a.ImageURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) ReleaseArticleLock(ctx context.Context, articleID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles
		SET publishing_status = NULL, updated_at = NOW()
		WHERE id = $1
	`, articleID)
	return err
}

func (s *Postgres) RecordPublish(ctx context.Context, rec *models.PublishRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO publishing_records
			(task_id, article_id, account_id, platform_id, article_title, published_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, published_at
	`, rec.TaskID, rec.ArticleID, rec.AccountID, rec.PlatformID, rec.Title,
	).Scan(&rec.ID, &rec.PublishedAt)
	if err != nil {
		return err
	}

	// First publish wins on published_at; the lock clears either way.
	_, err = tx.Exec(ctx, `
		UPDATE articles
		SET is_published = TRUE,
		    published_at = COALESCE(published_at, NOW()),
		    publishing_status = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, rec.ArticleID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
