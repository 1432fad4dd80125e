package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lh20005/geo-xi-tong-sub004/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
	"github.com/lh20005/geo-xi-tong-sub004/internal/store"
)

const (
	DefaultTickInterval = 10 * time.Second

	// Extra slack past a running task's timeout before the sweeper treats
	// it as abandoned by a dead process.
	DefaultSweepGrace = time.Minute
)

// ErrAlreadyExecuting is returned by ExecuteTaskNow when the task is
// already in flight on this instance.
var ErrAlreadyExecuting = errors.New("task already executing")

// TaskRunner executes one task to a resolution.
type TaskRunner interface {
	Run(ctx context.Context, taskID int64)
}

// BatchRunner sequences one batch and reports which batches it holds.
type BatchRunner interface {
	Run(ctx context.Context, batchID string)
	Executing() []string
}

// Scheduler is the polling loop that turns stored work into running work.
// Each tick dispatches ready batches to the sequencer and due standalone
// tasks to the executor, both asynchronously; a tick never waits on task
// completion and an error never stops the next tick.
type Scheduler struct {
	store   store.Store
	tasks   TaskRunner
	batches BatchRunner
	logger  *slog.Logger

	tick          time.Duration
	sweepSchedule string
	sweepGrace    time.Duration

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

type Options struct {
	TickInterval time.Duration
	// SweepSchedule is a cron expression for the stale-task sweep;
	// empty disables it.
	SweepSchedule string
	SweepGrace    time.Duration
}

func New(st store.Store, tasks TaskRunner, batches BatchRunner, opts Options, logger *slog.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = DefaultSweepGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         st,
		tasks:         tasks,
		batches:       batches,
		logger:        logger,
		tick:          opts.TickInterval,
		sweepSchedule: opts.SweepSchedule,
		sweepGrace:    opts.SweepGrace,
		inFlight:      map[int64]struct{}{},
	}
}

// Start runs the polling loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.sweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.sweepSchedule, func() { s.sweepStale(ctx) }); err != nil {
			return fmt.Errorf("sweep schedule %q: %w", s.sweepSchedule, err)
		}
		c.Start()
		defer c.Stop()
	}

	s.logger.Info("scheduler started", "tick", s.tick, "sweep", s.sweepSchedule)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		s.tickOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	metrics.SchedulerTicks.Inc()

	batches, err := s.store.ListBatchesReadyToStart(ctx)
	if err != nil {
		s.logger.Error("list ready batches", "error", err)
	} else {
		active := map[string]struct{}{}
		for _, id := range s.batches.Executing() {
			active[id] = struct{}{}
		}
		for _, id := range batches {
			if _, ok := active[id]; ok {
				continue
			}
			s.logger.Info("starting batch", "batch_id", id)
			go s.batches.Run(ctx, id)
		}
	}

	tasks, err := s.store.ListDueStandaloneTasks(ctx, time.Now())
	if err != nil {
		s.logger.Error("list due tasks", "error", err)
		return
	}
	for i := range tasks {
		s.dispatch(ctx, tasks[i].ID)
	}
}

// dispatch starts the task asynchronously unless it is already in flight.
// The in-flight entry is inserted before the goroutine starts and removed
// on every exit path.
func (s *Scheduler) dispatch(ctx context.Context, taskID int64) bool {
	s.mu.Lock()
	if _, ok := s.inFlight[taskID]; ok {
		s.mu.Unlock()
		return false
	}
	s.inFlight[taskID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, taskID)
			s.mu.Unlock()
		}()
		s.tasks.Run(ctx, taskID)
	}()
	return true
}

// ExecuteTaskNow triggers a task outside the polling cycle, with the same
// double-dispatch guard as the tick.
func (s *Scheduler) ExecuteTaskNow(ctx context.Context, taskID int64) error {
	if !s.dispatch(ctx, taskID) {
		return ErrAlreadyExecuting
	}
	return nil
}

// InFlight returns the task ids currently dispatched by this instance.
func (s *Scheduler) InFlight() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.inFlight))
	for id := range s.inFlight {
		out = append(out, id)
	}
	return out
}

// sweepStale recovers tasks stuck in running past their timeout plus grace,
// typically left behind by a process that died mid-task. Recovery follows
// the executor's own retry accounting.
func (s *Scheduler) sweepStale(ctx context.Context) {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		s.logger.Error("list running tasks", "error", err)
		return
	}
	now := time.Now()
	for i := range running {
		task := &running[i]
		if task.StartedAt == nil {
			continue
		}
		timeout, _ := task.Config.EffectiveTimeout()
		cutoff := task.StartedAt.Add(timeout + s.sweepGrace)
		if now.Before(cutoff) {
			continue
		}
		// A task we dispatched ourselves is still owned by its executor
		// goroutine even past the cutoff.
		s.mu.Lock()
		_, owned := s.inFlight[task.ID]
		s.mu.Unlock()
		if owned {
			continue
		}
		s.recoverStale(ctx, task)
	}
}

func (s *Scheduler) recoverStale(ctx context.Context, task *models.PublishTask) {
	log := s.logger.With("task_id", task.ID, "started_at", task.StartedAt)

	newCount, err := s.store.IncrementRetry(ctx, task.ID)
	if err != nil {
		log.Error("increment retry for stale task", "error", err)
		return
	}
	max := task.EffectiveMaxRetries()
	metrics.StaleTasksSwept.Inc()

	if newCount < max {
		msg := fmt.Sprintf("execution stalled; will retry (%d/%d)", newCount, max)
		if err := s.store.SetStatus(ctx, task.ID, models.StatusPending, msg); err != nil {
			log.Error("requeue stale task", "error", err)
			return
		}
		log.Warn("stale running task requeued", "retry_count", newCount, "max_retries", max)
		return
	}

	msg := fmt.Sprintf("execution stalled; retries exhausted (%d/%d)", newCount, max)
	if err := s.store.MarkCompleted(ctx, task.ID, models.StatusTimeout, msg); err != nil {
		log.Error("mark stale task terminal", "error", err)
		return
	}
	if err := s.store.ReleaseArticleLock(ctx, task.ArticleID); err != nil {
		log.Error("release article lock", "article_id", task.ArticleID, "error", err)
	}
	log.Error("stale running task closed as timeout", "retry_count", newCount)
}
