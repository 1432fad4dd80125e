package batch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
	"github.com/lh20005/geo-xi-tong-sub004/internal/store"
)

const (
	DefaultStopPollInterval = 10 * time.Second

	// Inter-task intervals above this are legal but usually a typo.
	intervalWarnThreshold = 24 * time.Hour
)

// TaskRunner executes one task to a resolution.
type TaskRunner interface {
	Run(ctx context.Context, taskID int64)
}

// Sequencer runs the tasks of a batch strictly in order, one at a time,
// waiting the configured interval between tasks. A batch id is sequenced by
// at most one goroutine of this instance at a time.
type Sequencer struct {
	store    store.Store
	runner   TaskRunner
	logger   *slog.Logger
	stopPoll time.Duration

	// intervalUnit scales IntervalMinutes; tests shrink it.
	intervalUnit time.Duration

	mu        sync.Mutex
	executing map[string]struct{}
}

func NewSequencer(st store.Store, runner TaskRunner, stopPoll time.Duration, logger *slog.Logger) *Sequencer {
	if stopPoll <= 0 {
		stopPoll = DefaultStopPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		store:        st,
		runner:       runner,
		logger:       logger,
		stopPoll:     stopPoll,
		intervalUnit: time.Minute,
		executing:    map[string]struct{}{},
	}
}

// Executing returns the batch ids currently being sequenced by this
// instance, sorted.
func (s *Sequencer) Executing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.executing))
	for id := range s.executing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Sequencer) claim(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executing[batchID]; ok {
		return false
	}
	s.executing[batchID] = struct{}{}
	return true
}

func (s *Sequencer) release(batchID string) {
	s.mu.Lock()
	delete(s.executing, batchID)
	s.mu.Unlock()
}

// Run sequences the batch. A second Run for a batch already in flight
// returns immediately. Run never returns an error: every failure is
// persisted on the affected task or logged.
func (s *Sequencer) Run(ctx context.Context, batchID string) {
	log := s.logger.With("batch_id", batchID)
	if !s.claim(batchID) {
		log.Info("batch already executing, ignoring duplicate start")
		return
	}
	defer s.release(batchID)

	tasks, err := s.store.ListBatchTasks(ctx, batchID)
	if err != nil {
		log.Error("list batch tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		log.Warn("batch has no tasks")
		return
	}

	log.Info("batch starting", "tasks", len(tasks))
	metrics.BatchesStarted.Inc()
	start := time.Now()
	defer func() {
		s.logSummary(ctx, log, batchID, time.Since(start))
	}()

	for i := range tasks {
		task := &tasks[i]

		if s.shouldStop(ctx, log, batchID) {
			log.Info("batch stopped, no pending tasks remain", "position", i)
			metrics.BatchesStopped.Inc()
			return
		}

		// Re-read: the task may have been cancelled since listing.
		current, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			log.Warn("re-read batch task", "task_id", task.ID, "error", err)
			continue
		}
		if current.Status != models.StatusPending {
			log.Info("skipping batch task, not pending",
				"task_id", task.ID, "status", current.Status)
			continue
		}

		s.runner.Run(ctx, task.ID)

		if i == len(tasks)-1 {
			break
		}
		if task.IntervalMinutes <= 0 {
			continue
		}
		interval := time.Duration(task.IntervalMinutes) * s.intervalUnit
		if interval > intervalWarnThreshold {
			log.Warn("unusually long batch interval",
				"interval_minutes", task.IntervalMinutes)
		}
		log.Info("waiting before next batch task",
			"interval_minutes", task.IntervalMinutes, "next_order", tasks[i+1].BatchOrder)
		if s.waitInterval(ctx, log, batchID, interval) {
			log.Info("batch stopped during interval wait", "position", i)
			metrics.BatchesStopped.Inc()
			return
		}
	}
}

// shouldStop treats an empty pending set as the stop signal. A failing count
// query is retried once and then fails open: sequencing continues rather
// than stranding the batch on a transient store error.
func (s *Sequencer) shouldStop(ctx context.Context, log *slog.Logger, batchID string) bool {
	pending, err := s.store.CountPending(ctx, batchID)
	if err != nil {
		log.Warn("batch stop check failed, retrying", "error", err)
		pending, err = s.store.CountPending(ctx, batchID)
		if err != nil {
			log.Warn("batch stop check failed twice, continuing", "error", err)
			return false
		}
	}
	return pending == 0
}

// waitInterval sleeps for the inter-task interval, polling the stop
// condition so an external stop is observed within one poll interval.
func (s *Sequencer) waitInterval(ctx context.Context, log *slog.Logger, batchID string, interval time.Duration) (stopped bool) {
	deadline := time.Now().Add(interval)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		sleep := s.stopPoll
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(sleep):
		}
		if s.shouldStop(ctx, log, batchID) {
			return true
		}
	}
}

func (s *Sequencer) logSummary(ctx context.Context, log *slog.Logger, batchID string, elapsed time.Duration) {
	counts, err := s.store.CountByStatus(ctx, batchID)
	if err != nil {
		log.Warn("batch summary unavailable", "error", err, "elapsed", elapsed)
		return
	}
	log.Info("batch finished",
		"elapsed", elapsed,
		"success", counts[models.StatusSuccess],
		"failed", counts[models.StatusFailed],
		"timeout", counts[models.StatusTimeout],
		"cancelled", counts[models.StatusCancelled],
		"pending", counts[models.StatusPending],
	)
}

// Stop cancels every pending task of the batch and releases their article
// locks, returning how many were cancelled. A running task finishes on its
// own; the sequencer observes the stop at its next check point.
func (s *Sequencer) Stop(ctx context.Context, batchID string) (int, error) {
	count, err := s.store.CancelBatchPending(ctx, batchID, "batch stopped")
	if err != nil {
		return 0, err
	}
	s.logger.Info("batch stop requested", "batch_id", batchID, "cancelled", count)
	return count, nil
}

// Delete removes every task of the batch and releases their article locks,
// returning how many were deleted.
func (s *Sequencer) Delete(ctx context.Context, batchID string) (int, error) {
	count, err := s.store.DeleteBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("batch deleted", "batch_id", batchID, "tasks", count)
	return count, nil
}
