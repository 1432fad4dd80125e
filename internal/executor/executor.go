package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/adapters"
	"github.com/lh20005/geo-xi-tong-sub004/internal/events"
	"github.com/lh20005/geo-xi-tong-sub004/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
	"github.com/lh20005/geo-xi-tong-sub004/internal/store"
)

const cleanupTimeout = 30 * time.Second

// Executor drives a single publish task through its state machine:
// pending, running, then success, failed, timeout or cancelled. A failed
// attempt with retry budget left goes back to pending for a later tick.
type Executor struct {
	store    store.Store
	registry *adapters.Registry
	factory  adapters.SessionFactory
	creds    adapters.CredentialSource
	events   events.Publisher
	throttle *PlatformThrottle
	logger   *slog.Logger

	// timeoutFn overrides the configured timeout in tests.
	timeoutFn func(*models.PublishTask) time.Duration
}

func New(
	st store.Store,
	registry *adapters.Registry,
	factory adapters.SessionFactory,
	creds adapters.CredentialSource,
	publisher events.Publisher,
	throttle *PlatformThrottle,
	logger *slog.Logger,
) *Executor {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    st,
		registry: registry,
		factory:  factory,
		creds:    creds,
		events:   publisher,
		throttle: throttle,
		logger:   logger,
	}
}

// outcome is what the publish attempt resolved to, before bookkeeping.
type outcome struct {
	ok       bool
	timedOut bool
	err      error
}

// sessionHolder hands the live session from the attempt goroutine to the
// cleanup path, so a timed-out attempt still gets its session torn down.
// Once taken, the holder is terminal: a session arriving late is closed
// immediately instead of leaking.
type sessionHolder struct {
	mu      sync.Mutex
	session adapters.Session
	closed  bool
}

func (h *sessionHolder) set(s adapters.Session) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		_ = s.Close(ctx)
		return
	}
	h.session = s
	h.mu.Unlock()
}

func (h *sessionHolder) take() adapters.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	s := h.session
	h.session = nil
	return s
}

// Run executes one task to a resolution. It never returns an error: every
// failure mode is persisted on the task and logged. Run is idempotent for
// non-pending tasks.
func (e *Executor) Run(ctx context.Context, taskID int64) {
	log := e.logger.With("task_id", taskID)

	task, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("task vanished before execution")
		return
	}
	if err != nil {
		log.Error("load task", "error", err)
		return
	}
	if task.Status != models.StatusPending {
		log.Debug("skipping task, not pending", "status", task.Status)
		return
	}

	timeout := e.effectiveTimeout(log, task)
	log.Info("executing task",
		"platform", task.PlatformID,
		"article_id", task.ArticleID,
		"timeout", timeout,
		"retry_count", task.RetryCount,
	)

	if err := e.store.MarkRunning(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Debug("lost claim, another actor moved the task first")
		} else {
			log.Error("mark running", "error", err)
		}
		return
	}
	metrics.TasksStarted.WithLabelValues(task.PlatformID).Inc()
	metrics.TasksExecuting.Inc()
	defer metrics.TasksExecuting.Dec()

	e.publishEvent(task.ID, events.LevelInfo, "task started", map[string]any{
		"platform": task.PlatformID,
		"timeout":  timeout.String(),
	})

	holder := &sessionHolder{}
	defer e.cleanup(log, holder)

	start := time.Now()
	res := e.attempt(ctx, log, task, timeout, holder)
	elapsed := time.Since(start)
	metrics.ExecDuration.WithLabelValues(task.PlatformID).Observe(elapsed.Seconds())

	// An external cancel wins over whatever the attempt produced.
	if current, err := e.store.GetTask(ctx, task.ID); err == nil &&
		current.Status == models.StatusCancelled {
		log.Info("task was cancelled externally", "elapsed", elapsed)
		e.publishEvent(task.ID, events.LevelWarn, "task cancelled", nil)
		e.releaseLock(ctx, log, task.ArticleID)
		metrics.TasksCompleted.WithLabelValues(task.PlatformID, string(models.StatusCancelled)).Inc()
		return
	}

	if res.ok {
		e.finishSuccess(ctx, log, task, elapsed)
		return
	}
	e.finishFailure(ctx, log, task, res, elapsed)
}

func (e *Executor) effectiveTimeout(log *slog.Logger, task *models.PublishTask) time.Duration {
	if e.timeoutFn != nil {
		return e.timeoutFn(task)
	}
	d, clamped := task.Config.EffectiveTimeout()
	if clamped {
		log.Info("timeout below minimum, clamped",
			"configured_minutes", task.Config.TimeoutMinutes,
			"effective", d)
	}
	if task.Config.TimeoutMinutes > models.TimeoutWarnMinutes {
		log.Warn("unusually large timeout configured",
			"configured_minutes", task.Config.TimeoutMinutes)
	}
	return d
}

// attempt races the publish flow against the effective timeout. The flow
// goroutine keeps running after a timeout; cancellation is cooperative and
// the session is reclaimed through the holder either way.
func (e *Executor) attempt(ctx context.Context, log *slog.Logger, task *models.PublishTask, timeout time.Duration, holder *sessionHolder) outcome {
	adapter, ok := e.registry.Get(task.PlatformID)
	if !ok {
		return outcome{err: fmt.Errorf("%w: %s", adapters.ErrAdapterNotFound, task.PlatformID)}
	}

	if err := e.throttle.Wait(ctx, task.PlatformID); err != nil {
		return outcome{err: fmt.Errorf("platform throttle: %w", err)}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		done <- e.publishFlow(raceCtx, task, adapter, holder)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		cancel()
		log.Warn("publish attempt timed out", "timeout", timeout)
		return outcome{timedOut: true, err: fmt.Errorf("publish attempt exceeded %s", timeout)}
	case <-ctx.Done():
		return outcome{err: ctx.Err()}
	}
}

// publishFlow is the actual automation: launch, login, publish. Login and
// publish each get a bounded retry budget tied to the task's max retries.
func (e *Executor) publishFlow(ctx context.Context, task *models.PublishTask, adapter adapters.Adapter, holder *sessionHolder) outcome {
	creds, err := e.creds.Credentials(ctx, task.AccountID)
	if err != nil {
		return outcome{err: fmt.Errorf("resolve credentials: %w", err)}
	}

	session, err := e.factory.Launch(ctx, adapters.Options{Headless: task.Config.HeadlessMode()})
	if err != nil {
		return outcome{err: fmt.Errorf("launch session: %w", err)}
	}
	holder.set(session)

	attempts := task.EffectiveMaxRetries()
	e.publishEvent(task.ID, events.LevelInfo, "logging in", map[string]any{"platform": task.PlatformID})
	ok, err := adapters.Retry(ctx, attempts, func(ctx context.Context) (bool, error) {
		return adapter.Login(ctx, session, creds)
	})
	if err != nil || !ok {
		if err == nil {
			err = adapters.ErrLoginFailed
		}
		return outcome{err: fmt.Errorf("login: %w", err)}
	}

	article := e.articleFor(ctx, task)
	e.publishEvent(task.ID, events.LevelInfo, "publishing article", map[string]any{"title": article.Title})
	ok, err = adapters.Retry(ctx, attempts, func(ctx context.Context) (bool, error) {
		return adapter.Publish(ctx, session, article, task.Config)
	})
	if err != nil || !ok {
		if err == nil {
			err = adapters.ErrPublishFailed
		}
		return outcome{err: fmt.Errorf("publish: %w", err)}
	}
	return outcome{ok: true}
}

// articleFor prefers the snapshot embedded in the task and falls back to the
// stored article for anything the snapshot does not carry.
func (e *Executor) articleFor(ctx context.Context, task *models.PublishTask) models.Article {
	stored, err := e.store.GetArticle(ctx, task.ArticleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("load article", "task_id", task.ID, "article_id", task.ArticleID, "error", err)
	}
	return task.Snapshot(stored)
}

func (e *Executor) finishSuccess(ctx context.Context, log *slog.Logger, task *models.PublishTask, elapsed time.Duration) {
	if err := e.store.MarkCompleted(ctx, task.ID, models.StatusSuccess, ""); err != nil {
		log.Error("mark success", "error", err)
		return
	}
	log.Info("task succeeded", "elapsed", elapsed)
	e.publishEvent(task.ID, events.LevelInfo, "task succeeded", map[string]any{
		"elapsed": elapsed.String(),
	})
	metrics.TasksCompleted.WithLabelValues(task.PlatformID, string(models.StatusSuccess)).Inc()

	rec := &models.PublishRecord{
		TaskID:     task.ID,
		ArticleID:  task.ArticleID,
		AccountID:  task.AccountID,
		PlatformID: task.PlatformID,
		Title:      task.ArticleTitle,
	}
	// RecordPublish clears the article lock as part of marking it published.
	if err := e.store.RecordPublish(ctx, rec); err != nil {
		log.Error("record publish", "error", err)
		e.releaseLock(ctx, log, task.ArticleID)
	}
}

func (e *Executor) finishFailure(ctx context.Context, log *slog.Logger, task *models.PublishTask, res outcome, elapsed time.Duration) {
	cause := "publish returned failure"
	if res.err != nil {
		cause = res.err.Error()
	}

	newCount, err := e.store.IncrementRetry(ctx, task.ID)
	if err != nil {
		// Leave the task running; the stale sweeper will recover it.
		log.Error("increment retry", "error", err)
		return
	}
	max := task.EffectiveMaxRetries()

	if newCount < max {
		msg := fmt.Sprintf("%s; will retry (%d/%d)", cause, newCount, max)
		if err := e.store.SetStatus(ctx, task.ID, models.StatusPending, msg); err != nil {
			log.Error("requeue for retry", "error", err)
			return
		}
		log.Warn("task failed, queued for retry",
			"retry_count", newCount, "max_retries", max, "elapsed", elapsed, "cause", cause)
		e.publishEvent(task.ID, events.LevelWarn, msg, map[string]any{
			"retry_count": newCount,
			"max_retries": max,
		})
		metrics.TaskRetries.WithLabelValues(task.PlatformID).Inc()
		// Article lock stays held across retries.
		return
	}

	status := models.StatusFailed
	if res.timedOut {
		status = models.StatusTimeout
	}
	msg := fmt.Sprintf("%s; retries exhausted (%d/%d)", cause, newCount, max)
	if err := e.store.MarkCompleted(ctx, task.ID, status, msg); err != nil {
		log.Error("mark terminal", "status", status, "error", err)
		return
	}
	log.Error("task failed permanently",
		"status", status, "retry_count", newCount, "elapsed", elapsed, "cause", cause)
	e.publishEvent(task.ID, events.LevelError, msg, map[string]any{
		"status": string(status),
	})
	metrics.TasksCompleted.WithLabelValues(task.PlatformID, string(status)).Inc()
	e.releaseLock(ctx, log, task.ArticleID)
}

func (e *Executor) releaseLock(ctx context.Context, log *slog.Logger, articleID int64) {
	if err := e.store.ReleaseArticleLock(ctx, articleID); err != nil {
		log.Error("release article lock", "article_id", articleID, "error", err)
	}
}

// cleanup tears down the automation session after the outcome is persisted.
// Its duration is reported separately from the task's own.
func (e *Executor) cleanup(log *slog.Logger, holder *sessionHolder) {
	session := holder.take()
	if session == nil {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		log.Warn("session close", "error", err)
	}
	elapsed := time.Since(start)
	log.Info("session cleanup finished", "cleanup_duration", elapsed)
	metrics.CleanupDuration.Observe(elapsed.Seconds())
}

func (e *Executor) publishEvent(taskID int64, level events.Level, msg string, details map[string]any) {
	e.events.Publish(taskID, events.Event{
		Level:   level,
		Message: msg,
		Details: details,
	})
}
