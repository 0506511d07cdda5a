// Package resource loads sound resources off the session loop and hands
// typed results back to it.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrFetchFailed wraps every failed load.
var ErrFetchFailed = errors.New("resource fetch failed")

// DefaultTimeout bounds a single fetch.
const DefaultTimeout = 30 * time.Second

// Fetcher retrieves a named resource for a room.
type Fetcher interface {
	Fetch(ctx context.Context, room, name string) ([]byte, error)
}

// Dir serves resources from a local directory, one subdirectory per room.
type Dir string

func (d Dir) Fetch(_ context.Context, room, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(string(d), filepath.Base(room), filepath.Base(name)))
}

// Target says what a resource is for. An empty Cone means the entity itself.
type Target struct {
	Entity string
	Cone   string
}

func (t Target) String() string {
	if t.Cone == "" {
		return t.Entity
	}
	return t.Entity + "/" + t.Cone
}

// Result is a completed fetch. The receiver must check that Target still
// exists before using it.
type Result struct {
	Target Target
	Name   string
	Data   []byte
	Err    error
}

// Loader runs fetches in the background and posts each Result exactly once.
type Loader struct {
	fetcher Fetcher
	room    string
	post    func(Result)
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Loader.
type Option func(*Loader)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader. post is called from the fetch goroutine and
// should hand the result to the owning loop.
func NewLoader(f Fetcher, room string, post func(Result), opts ...Option) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		fetcher: f,
		room:    room,
		post:    post,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start fetches name for target.
func (l *Loader) Start(target Target, name string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
		defer cancel()

		start := time.Now()
		data, err := l.fetcher.Fetch(ctx, l.room, name)
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrFetchFailed, name, err)
			l.logger.Warn("resource fetch failed", "target", target.String(), "name", name, "error", err)
		} else {
			l.logger.Debug("resource fetched", "target", target.String(), "name", name, "bytes", len(data), "duration", time.Since(start))
		}
		l.post(Result{Target: target, Name: name, Data: data, Err: err})
	}()
}

// Close cancels outstanding fetches and waits for them to post.
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
}
