package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations embed.FS

// SQLite implements Store on an embedded database file. This backs the
// desktop deployment where publishing runs on the user's machine; the
// schema is created locally on first open.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	schema, err := sqliteMigrations.ReadFile("migrations_sqlite.sql")
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Ping exposes a readiness probe for the web layer.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

const sqliteTaskColumns = `
	id, article_id, account_id, platform_id,
	article_title, article_content, article_keyword,
	scheduled_at, batch_id, batch_order, interval_minutes,
	status, retry_count, max_retries, error_message,
	started_at, completed_at, created_at, updated_at, config
`

func scanSQLiteTask(row rowScanner) (*models.PublishTask, error) {
	var t models.PublishTask
	var scheduledAt, startedAt, completedAt sql.NullTime
	var batchID sql.NullString
	var configJSON string
	err := row.Scan(
		&t.ID, &t.ArticleID, &t.AccountID, &t.PlatformID,
		&t.ArticleTitle, &t.ArticleContent, &t.ArticleKeyword,
		&scheduledAt, &batchID, &t.BatchOrder, &t.IntervalMinutes,
		&t.Status, &t.RetryCount, &t.MaxRetries, &t.ErrorMessage,
		&startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt, &configJSON,
	)
	if err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if batchID.Valid {
		t.BatchID = &batchID.String
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
			return nil, fmt.Errorf("task %d: parse config: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *SQLite) GetTask(ctx context.Context, id int64) (*models.PublishTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM publishing_tasks WHERE id = ?`, id)
	task, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLite) CreateTask(ctx context.Context, task *models.PublishTask) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO publishing_tasks
			(article_id, account_id, platform_id,
			 article_title, article_content, article_keyword,
			 scheduled_at, batch_id, batch_order, interval_minutes,
			 status, retry_count, max_retries, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`,
		task.ArticleID, task.AccountID, task.PlatformID,
		task.ArticleTitle, task.ArticleContent, task.ArticleKeyword,
		nullTime(task.ScheduledAt), nullString(task.BatchID), task.BatchOrder, task.IntervalMinutes,
		task.Status, task.MaxRetries, string(configJSON), now, now,
	)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE articles SET publishing_status = 'publishing', updated_at = ? WHERE id = ?
	`, now, task.ArticleID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLite) ListDueStandaloneTasks(ctx context.Context, now time.Time) ([]models.PublishTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTaskColumns+`
		FROM publishing_tasks
		WHERE batch_id IS NULL
		  AND status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= ? OR retry_count > 0)
		ORDER BY (retry_count > 0) DESC, COALESCE(scheduled_at, created_at) ASC, id ASC
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteTasks(rows)
}

func (s *SQLite) ListBatchesReadyToStart(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *SQLite) ListBatchTasks(ctx context.Context, batchID string) ([]models.PublishTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTaskColumns+`
		FROM publishing_tasks
		WHERE batch_id = ?
		ORDER BY batch_order ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteTasks(rows)
}

func (s *SQLite) ListRunning(ctx context.Context) ([]models.PublishTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTaskColumns+`
		FROM publishing_tasks
		WHERE status = 'running'
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteTasks(rows)
}

func collectSQLiteTasks(rows *sql.Rows) ([]models.PublishTask, error) {
	var out []models.PublishTask
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkRunning(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE publishing_tasks
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConflict)
}

func (s *SQLite) MarkCompleted(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE publishing_tasks
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, status, errorMessage, now, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNotFound)
}

func (s *SQLite) SetStatus(ctx context.Context, id int64, status models.TaskStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publishing_tasks
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNotFound)
}

func (s *SQLite) IncrementRetry(ctx context.Context, id int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publishing_tasks
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return 0, err
	}
	if err := requireRow(res, ErrNotFound); err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM publishing_tasks WHERE id = ?`, id).Scan(&count)
	return count, err
}

func (s *SQLite) Cancel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE publishing_tasks
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConflict)
}

func (s *SQLite) CountPending(ctx context.Context, batchID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM publishing_tasks
		WHERE batch_id = ? AND status = 'pending'
	`, batchID).Scan(&count)
	return count, err
}

func (s *SQLite) CountByStatus(ctx context.Context, batchID string) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM publishing_tasks
		WHERE batch_id = ?
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

func (s *SQLite) CancelBatchPending(ctx context.Context, batchID, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE articles
		SET publishing_status = NULL, updated_at = ?
		WHERE id IN (
			SELECT article_id FROM publishing_tasks
			WHERE batch_id = ? AND status = 'pending'
		)
	`, now, batchID)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE publishing_tasks
		SET status = 'cancelled', error_message = ?, updated_at = ?
		WHERE batch_id = ? AND status = 'pending'
	`, reason, now, batchID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLite) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE articles
		SET publishing_status = NULL, updated_at = ?
		WHERE id IN (SELECT article_id FROM publishing_tasks WHERE batch_id = ?)
	`, now, batchID)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM publishing_tasks WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLite) GetArticle(ctx context.Context, id int64) (*models.Article, error) {
	var a models.Article
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, keyword, image_url
		FROM articles WHERE id = ?
	`, id).Scan(&a.ID, &a.Title, &a.Content, &a.Keyword, &a.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLite) ReleaseArticleLock(ctx context.Context, articleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles SET publishing_status = NULL, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), articleID)
	return err
}

func (s *SQLite) RecordPublish(ctx context.Context, rec *models.PublishRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO publishing_records
			(task_id, article_id, account_id, platform_id, article_title, published_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.ArticleID, rec.AccountID, rec.PlatformID, rec.Title, now)
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	rec.PublishedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE articles
		SET is_published = 1,
		    published_at = COALESCE(published_at, ?),
		    publishing_status = NULL,
		    updated_at = ?
		WHERE id = ?
	`, now, now, rec.ArticleID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func requireRow(res sql.Result, missing error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
