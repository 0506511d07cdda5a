package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inviso/scenesync/internal/queue"
)

// DefaultLossyLimit is the backlog above which lossy events are dropped.
const DefaultLossyLimit = 256

// ErrQueueFull is returned when a lossy event is dropped.
var ErrQueueFull = errors.New("queue full")

// Event is a unit of work for the session loop.
type Event struct {
	Kind      string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	lossy  bool
	logged bool
}

// Lossy lets Post drop the event when the backlog is over the lossy limit.
// Use it for events that are superseded by the next one, like frame ticks.
func Lossy() Option {
	return func(c *config) {
		c.lossy = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type handler struct {
	fn    HandlerFunc
	lossy bool
}

// Dispatcher serialises every event onto one loop. Handlers never run
// concurrently with each other, so they can share state without locks.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]handler
	logger   Logger

	pending    *queue.Queue[Event]
	lossyLimit int

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers:   make(map[string]handler),
		logger:     logger,
		pending:    queue.New[Event](),
		lossyLimit: DefaultLossyLimit,
	}

	// Get meter from global OTel provider (returns no-op if not configured)
	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events waiting for the session loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(d.queueSize, int64(d.pending.Len()))
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total lossy events dropped due to backlog"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	d.failed, err = m.Int64Counter(
		"dispatcher.events.failed",
		metric.WithDescription("Total events whose handler returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return d, nil
}

// SetLossyLimit changes the backlog threshold for lossy events.
func (d *Dispatcher) SetLossyLimit(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lossyLimit = n
}

// Register adds a handler for the given event kind with optional configuration.
func (d *Dispatcher) Register(kind string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	fn := h
	if cfg.logged {
		fn = d.withLogging(kind, fn)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler{fn: fn, lossy: cfg.lossy}
}

// HasHandler returns true if a handler is registered for the kind.
func (d *Dispatcher) HasHandler(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// Post queues an event for the loop. It is safe to call from any goroutine,
// including from inside a handler.
func (d *Dispatcher) Post(e Event) error {
	d.mu.RLock()
	h, ok := d.handlers[e.Kind]
	limit := d.lossyLimit
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown event kind: %s", e.Kind)
	}
	if h.lossy && d.pending.Len() >= limit {
		d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", e.Kind)))
		return fmt.Errorf("%w: %s", ErrQueueFull, e.Kind)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	d.pending.Push(e)
	return nil
}

// Dispatch runs the handler for e immediately on the caller's goroutine.
// Only the loop owner may call it.
func (d *Dispatcher) Dispatch(e Event) error {
	d.mu.RLock()
	h, ok := d.handlers[e.Kind]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown event kind: %s", e.Kind)
	}
	attrs := metric.WithAttributes(attribute.String("kind", e.Kind))
	err := h.fn(e)
	d.processed.Add(context.Background(), 1, attrs)
	if err != nil {
		d.failed.Add(context.Background(), 1, attrs)
	}
	return err
}

// Len is the number of queued events.
func (d *Dispatcher) Len() int { return d.pending.Len() }

// Drain handles every event queued so far, including ones queued by the
// handlers themselves, and returns how many ran.
func (d *Dispatcher) Drain() int {
	n := 0
	for !d.pending.Empty() {
		for _, e := range d.pending.GetAndEmpty() {
			if err := d.Dispatch(e); err != nil {
				d.logger.Error("event failed", "kind", e.Kind, "error", err)
			}
			n++
		}
	}
	return n
}

// Run handles events until ctx is cancelled. Events still queued at that
// point are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.pending.Ready():
		}
	}
}

func (d *Dispatcher) withLogging(kind string, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "kind", kind, "queued", start.Sub(e.Timestamp))

		err := h(e)

		if err != nil {
			d.logger.Error("event failed", "kind", kind, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "kind", kind, "duration", time.Since(start))
		}

		return err
	}
}
