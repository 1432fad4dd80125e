package models

import (
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSuccess   TaskStatus = "success"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether a task in this status will never run again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

const DefaultMaxRetries = 3

// PublishTask is one request to publish one article to one platform account.
type PublishTask struct {
	ID         int64  `db:"id"`
	ArticleID  int64  `db:"article_id"`
	AccountID  int64  `db:"account_id"`
	PlatformID string `db:"platform_id"`

	// Article snapshot taken at task creation so the task can still publish
	// after the source article row is deleted.
	ArticleTitle   string `db:"article_title"`
	ArticleContent string `db:"article_content"`
	ArticleKeyword string `db:"article_keyword"`

	ScheduledAt     *time.Time `db:"scheduled_at"`
	BatchID         *string    `db:"batch_id"`
	BatchOrder      int        `db:"batch_order"`
	IntervalMinutes int        `db:"interval_minutes"`

	Status       TaskStatus `db:"status"`
	RetryCount   int        `db:"retry_count"`
	MaxRetries   int        `db:"max_retries"`
	ErrorMessage string     `db:"error_message"`

	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`

	Config TaskConfig `db:"config"`
}

// InBatch reports whether the task belongs to an ordered batch.
func (t *PublishTask) InBatch() bool {
	return t.BatchID != nil && *t.BatchID != ""
}

// EffectiveMaxRetries falls back to the default when the stored value is
// missing or nonsensical.
func (t *PublishTask) EffectiveMaxRetries() int {
	if t.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return t.MaxRetries
}

// Due reports whether a pending standalone task is eligible to run at now.
// Unscheduled tasks run as soon as possible; tasks with a retry on the books
// are due regardless of their original schedule.
func (t *PublishTask) Due(now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	if t.RetryCount > 0 || t.ScheduledAt == nil {
		return true
	}
	return !t.ScheduledAt.After(now)
}

// Article is the publishable content handed to a platform adapter.
type Article struct {
	ID       int64  `db:"id"`
	Title    string `db:"title"`
	Content  string `db:"content"`
	Keyword  string `db:"keyword"`
	ImageURL string `db:"image_url"`
}

// Snapshot returns the article embedded in the task, falling back to the
// given store copy for fields the snapshot does not carry.
func (t *PublishTask) Snapshot(stored *Article) Article {
	if t.ArticleTitle != "" && t.ArticleContent != "" {
		a := Article{
			ID:      t.ArticleID,
			Title:   t.ArticleTitle,
			Content: t.ArticleContent,
			Keyword: t.ArticleKeyword,
		}
		if stored != nil {
			a.ImageURL = stored.ImageURL
		}
		return a
	}
	if stored != nil {
		return *stored
	}
	return Article{ID: t.ArticleID}
}

// PublishRecord is the durable trace of a successful publish, written by the
// post-publish hook once a task reaches success.
type PublishRecord struct {
	ID          int64     `db:"id"`
	TaskID      int64     `db:"task_id"`
	ArticleID   int64     `db:"article_id"`
	AccountID   int64     `db:"account_id"`
	PlatformID  string    `db:"platform_id"`
	Title       string    `db:"article_title"`
	PublishedAt time.Time `db:"published_at"`
}
