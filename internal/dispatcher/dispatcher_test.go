package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) hasPrefix(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got any
	d.Register("test", func(e Event) error {
		got = e.Payload
		return nil
	})

	if err := d.Dispatch(Event{Kind: "test", Payload: "arg1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got != "arg1" {
		t.Errorf("expected payload arg1, got %v", got)
	}
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Dispatch(Event{Kind: "unknown"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := d.Post(Event{Kind: "unknown"}); err == nil {
		t.Error("expected error posting unknown kind")
	}
}

func TestDispatcher_PostThenDrainKeepsOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var order []int
	d.Register("n", func(e Event) error {
		order = append(order, e.Payload.(int))
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := d.Post(Event{Kind: "n", Payload: i}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if d.Len() != 5 {
		t.Errorf("expected 5 queued, got %d", d.Len())
	}

	if n := d.Drain(); n != 5 {
		t.Errorf("expected 5 handled, got %d", n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("out of order: %v", order)
		}
	}
}

func TestDispatcher_HandlerPostsAreDrained(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var seen []string
	d.Register("first", func(e Event) error {
		seen = append(seen, "first")
		return d.Post(Event{Kind: "second"})
	})
	d.Register("second", func(e Event) error {
		seen = append(seen, "second")
		return nil
	})

	_ = d.Post(Event{Kind: "first"})
	if n := d.Drain(); n != 2 {
		t.Errorf("expected 2 handled, got %d", n)
	}
	if len(seen) != 2 || seen[1] != "second" {
		t.Errorf("unexpected order %v", seen)
	}
}

func TestDispatcher_LossyDropsWhenBacklogged(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.SetLossyLimit(2)

	d.Register("tick", func(e Event) error { return nil }, Lossy())
	d.Register("store", func(e Event) error { return nil })

	_ = d.Post(Event{Kind: "store"})
	_ = d.Post(Event{Kind: "store"})

	if err := d.Post(Event{Kind: "tick"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	// non-lossy events are never dropped
	if err := d.Post(Event{Kind: "store"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if d.Len() != 3 {
		t.Errorf("expected 3 queued, got %d", d.Len())
	}
}

func TestDispatcher_RunProcessesFromOtherGoroutines(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	d.Register("work", func(e Event) error {
		processed.Add(1)
		wg.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 10; i++ {
		go func() { _ = d.Post(Event{Kind: "work"}) }()
	}
	wg.Wait()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if processed.Load() != 10 {
		t.Errorf("expected 10 processed, got %d", processed.Load())
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("logged", func(e Event) error { return nil }, Logged())
	_ = d.Dispatch(Event{Kind: "logged", Timestamp: time.Now()})

	logger.mu.Lock()
	n := len(logger.messages)
	logger.mu.Unlock()
	if n < 2 {
		t.Errorf("expected at least 2 log messages, got %d", n)
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("error", func(e Event) error {
		return fmt.Errorf("test error")
	}, Logged())

	if err := d.Dispatch(Event{Kind: "error"}); err == nil {
		t.Error("expected handler error to propagate")
	}
	if !logger.hasPrefix("ERROR") {
		t.Error("expected error log message")
	}
}

func TestDispatcher_DrainLogsFailures(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("error", func(e Event) error { return fmt.Errorf("boom") })
	_ = d.Post(Event{Kind: "error"})
	d.Drain()

	if !logger.hasPrefix("ERROR") {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("exists", func(e Event) error { return nil })

	if !d.HasHandler("exists") {
		t.Error("expected handler to exist")
	}
	if d.HasHandler("not_exists") {
		t.Error("expected handler to not exist")
	}
}
