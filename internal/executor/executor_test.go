package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lh20005/geo-xi-tong-sub004/internal/adapters"
	"github.com/lh20005/geo-xi-tong-sub004/internal/events"
	"github.com/lh20005/geo-xi-tong-sub004/internal/models"
	"github.com/lh20005/geo-xi-tong-sub004/internal/store"
)

func init() {
	adapters.RetryPause = time.Millisecond
}

type harness struct {
	store    *store.Memory
	adapter  *adapters.FakeAdapter
	factory  *adapters.FakeSessionFactory
	events   *eventRecorder
	executor *Executor
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(taskID int64, event events.Event) {
	r.mu.Lock()
	event.TaskID = taskID
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Message
	}
	return out
}

func (r *eventRecorder) hasMessage(substr string) bool {
	for _, msg := range r.messages() {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemory(),
		adapter: &adapters.FakeAdapter{Platform: "sohu"},
		factory: &adapters.FakeSessionFactory{},
		events:  &eventRecorder{},
	}
	registry := adapters.NewRegistry()
	registry.Register("sohu", h.adapter)
	h.executor = New(
		h.store, registry, h.factory,
		adapters.StaticCredentials{Creds: adapters.Credentials{Username: "u", Password: "p"}},
		h.events, nil, nil,
	)
	return h
}

func (h *harness) createTask(t *testing.T) *models.PublishTask {
	t.Helper()
	task := &models.PublishTask{
		ArticleID:      1,
		AccountID:      7,
		PlatformID:     "sohu",
		ArticleTitle:   "hello",
		ArticleContent: "world",
	}
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (h *harness) taskStatus(t *testing.T, id int64) *models.PublishTask {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	h.executor.Run(context.Background(), task.ID)

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusSuccess {
		t.Fatalf("status = %q, want success (%q)", got.Status, got.ErrorMessage)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not set")
	}
	if !h.factory.AllClosed() {
		t.Fatal("session not closed")
	}
	if h.store.ArticleLocked(task.ArticleID) {
		t.Fatal("article lock not released after success")
	}
	records := h.store.Records()
	if len(records) != 1 || records[0].TaskID != task.ID {
		t.Fatalf("publish records = %v", records)
	}
	if !h.events.hasMessage("task succeeded") {
		t.Fatalf("events = %v", h.events.messages())
	}
}

func TestRunMissingTaskIsSilent(t *testing.T) {
	h := newHarness(t)
	h.executor.Run(context.Background(), 12345)
	if len(h.factory.Sessions) != 0 {
		t.Fatal("no session should launch for a missing task")
	}
}

func TestRunSkipsNonPending(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	if err := h.store.MarkRunning(context.Background(), task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	h.executor.Run(context.Background(), task.ID)

	if h.adapter.LoginCalls != 0 {
		t.Fatal("a running task must not be executed again")
	}
	if got := h.taskStatus(t, task.ID); got.Status != models.StatusRunning {
		t.Fatalf("status = %q, want running untouched", got.Status)
	}
}

func TestRunFailureRequeuesForRetry(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	// Exhaust every login attempt of the first run.
	failure := errors.New("captcha wall")
	h.adapter.LoginScript = []error{failure, failure, failure}

	h.executor.Run(context.Background(), task.ID)

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %q, want pending for retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "will retry (1/3)") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
	if !h.store.ArticleLocked(task.ArticleID) {
		t.Fatal("article lock must stay held across retries")
	}
	if !h.factory.AllClosed() {
		t.Fatal("session not closed after failed run")
	}
}

func TestRunExhaustedRetriesIsTerminal(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	failure := errors.New("editor did not load")
	for run := 0; run < 3; run++ {
		h.adapter.PublishScript = []error{failure, failure, failure}
		h.executor.Run(context.Background(), task.ID)
	}

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "retries exhausted (3/3)") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
	if h.store.ArticleLocked(task.ArticleID) {
		t.Fatal("article lock not released on terminal failure")
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set on terminal failure")
	}
}

func TestRunTimeoutRace(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	block := make(chan struct{})
	h.adapter.Block = block
	h.executor.timeoutFn = func(*models.PublishTask) time.Duration { return 20 * time.Millisecond }

	done := make(chan struct{})
	go func() {
		h.executor.Run(context.Background(), task.ID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not resolve within the timeout window")
	}

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusPending && got.Status != models.StatusTimeout {
		t.Fatalf("status = %q, want pending or timeout", got.Status)
	}

	// The blocked automation finishes later; its session must still be
	// torn down through the holder.
	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for !h.factory.AllClosed() {
		if time.Now().After(deadline) {
			t.Fatal("timed-out session never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunTimeoutExhaustsToTimeoutStatus(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	h.adapter.Sleep = time.Second
	h.executor.timeoutFn = func(*models.PublishTask) time.Duration { return 10 * time.Millisecond }

	for run := 0; run < 3; run++ {
		h.executor.Run(context.Background(), task.ID)
	}

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusTimeout {
		t.Fatalf("status = %q, want timeout", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "retries exhausted") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
	if h.store.ArticleLocked(task.ArticleID) {
		t.Fatal("article lock not released on terminal timeout")
	}
}

func TestRunExternalCancelWins(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	h.executor.timeoutFn = func(*models.PublishTask) time.Duration { return 50 * time.Millisecond }
	block := make(chan struct{})
	h.adapter.Block = block

	done := make(chan struct{})
	go func() {
		h.executor.Run(context.Background(), task.ID)
		close(done)
	}()

	// Wait until the executor holds the task, then cancel externally so the
	// cancelled status is in place when the race resolves.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := h.taskStatus(t, task.ID); got.Status == models.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never started running")
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.store.SetStatus(context.Background(), task.ID, models.StatusCancelled, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	<-done
	close(block)

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %q, cancelled must not be overwritten", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, cancel must skip retry bookkeeping", got.RetryCount)
	}
	if h.store.ArticleLocked(task.ArticleID) {
		t.Fatal("article lock not released after cancel")
	}
}

func TestRunUnknownPlatform(t *testing.T) {
	h := newHarness(t)
	task := &models.PublishTask{ArticleID: 2, AccountID: 7, PlatformID: "nosuch", ArticleTitle: "t", ArticleContent: "c", MaxRetries: 1}
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	h.executor.Run(context.Background(), task.ID)

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "no adapter registered") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}

func TestRunLaunchFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	h.factory.LaunchErr = errors.New("browser binary missing")

	h.executor.Run(context.Background(), task.ID)

	got := h.taskStatus(t, task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "launch session") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}
