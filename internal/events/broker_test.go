package events

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) WriteEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Message
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroker(quietLogger())
	sink := &recordingSink{}
	b.Subscribe(42, sink)

	for _, msg := range []string{"one", "two", "three"} {
		b.Publish(42, Event{Level: LevelInfo, Message: msg})
	}

	got := sink.messages()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublishIsScopedToTaskID(t *testing.T) {
	b := NewBroker(quietLogger())
	a := &recordingSink{}
	other := &recordingSink{}
	b.Subscribe(1, a)
	b.Subscribe(2, other)

	b.Publish(1, Event{Message: "for task 1"})

	if len(a.messages()) != 1 {
		t.Error("subscriber for task 1 missed its event")
	}
	if len(other.messages()) != 0 {
		t.Error("subscriber for task 2 received a task 1 event")
	}
}

func TestPublishWithNoSubscribersIsSilent(t *testing.T) {
	b := NewBroker(quietLogger())
	b.Publish(99, Event{Message: "dropped"}) // must not panic or block
	if n := b.SubscriberCount(99); n != 0 {
		t.Errorf("SubscriberCount = %d", n)
	}
}

func TestFailingSinkIsDroppedOthersSurvive(t *testing.T) {
	b := NewBroker(quietLogger())
	bad := &recordingSink{err: errors.New("pipe closed")}
	good := &recordingSink{}
	b.Subscribe(7, bad)
	b.Subscribe(7, good)

	b.Publish(7, Event{Message: "first"})
	b.Publish(7, Event{Message: "second"})

	if got := good.messages(); len(got) != 2 {
		t.Errorf("healthy sink got %d events, want 2", len(got))
	}
	if n := b.SubscriberCount(7); n != 1 {
		t.Errorf("failed sink not dropped: SubscriberCount = %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker(quietLogger())
	sink := &recordingSink{}
	b.Subscribe(5, sink)
	b.Publish(5, Event{Message: "before"})
	b.Unsubscribe(5, sink)
	b.Publish(5, Event{Message: "after"})

	if got := sink.messages(); len(got) != 1 || got[0] != "before" {
		t.Errorf("events after unsubscribe: %v", got)
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	b := NewBroker(quietLogger())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		taskID := int64(i % 4)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sink := &recordingSink{}
			b.Subscribe(taskID, sink)
			b.Unsubscribe(taskID, sink)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(taskID, Event{Message: "x"})
			}
		}()
	}
	wg.Wait()
}

func TestPublishStampsTimestampAndTaskID(t *testing.T) {
	b := NewBroker(quietLogger())
	sink := &recordingSink{}
	b.Subscribe(3, sink)
	b.Publish(3, Event{Message: "stamp me"})

	events := sink.events
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if events[0].TaskID != 3 {
		t.Errorf("task id = %d", events[0].TaskID)
	}
}
