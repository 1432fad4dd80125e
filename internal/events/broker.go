package events

import (
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one log line of a task's execution narrative. Delivery is
// best-effort: events published with no subscribers are dropped.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Level     Level          `json:"level"`
	TaskID    int64          `json:"task_id"`
	Message   string         `json:"msg"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink receives events for one task. A sink returning an error is dropped
// from the subscription set.
type Sink interface {
	WriteEvent(Event) error
}

// Publisher is the write side handed to the executor.
type Publisher interface {
	Publish(taskID int64, event Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(int64, Event) {}

// Broker fans task events out to the sinks currently subscribed to that
// task id. Safe for concurrent use from any number of tasks.
type Broker struct {
	mu     sync.RWMutex
	sinks  map[int64]map[Sink]struct{}
	logger *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		sinks:  map[int64]map[Sink]struct{}{},
		logger: logger,
	}
}

func (b *Broker) Subscribe(taskID int64, sink Sink) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sinks[taskID]
	if !ok {
		set = map[Sink]struct{}{}
		b.sinks[taskID] = set
	}
	set[sink] = struct{}{}
}

func (b *Broker) Unsubscribe(taskID int64, sink Sink) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(taskID, sink)
}

// Publish delivers the event to every sink subscribed to taskID, in the
// caller's order. A failing sink is logged and dropped; it never blocks
// delivery to the others or surfaces an error to the caller.
func (b *Broker) Publish(taskID int64, event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.TaskID = taskID

	b.mu.RLock()
	targets := make([]Sink, 0, len(b.sinks[taskID]))
	for sink := range b.sinks[taskID] {
		targets = append(targets, sink)
	}
	b.mu.RUnlock()

	var failed []Sink
	for _, sink := range targets {
		if err := sink.WriteEvent(event); err != nil {
			b.logger.Warn("Dropping event sink after write failure", "task_id", taskID, "error", err)
			failed = append(failed, sink)
		}
	}
	if len(failed) > 0 {
		b.mu.Lock()
		for _, sink := range failed {
			b.removeLocked(taskID, sink)
		}
		b.mu.Unlock()
	}
}

// SubscriberCount reports how many sinks are attached to a task id.
func (b *Broker) SubscriberCount(taskID int64) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks[taskID])
}

func (b *Broker) removeLocked(taskID int64, sink Sink) {
	set, ok := b.sinks[taskID]
	if !ok {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(b.sinks, taskID)
	}
}
