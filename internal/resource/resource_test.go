package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchFunc func(ctx context.Context, room, name string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, room, name string) ([]byte, error) {
	return f(ctx, room, name)
}

type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) post(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) all() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func TestLoader_PostsResult(t *testing.T) {
	c := &collector{}
	l := NewLoader(fetchFunc(func(_ context.Context, room, name string) ([]byte, error) {
		return []byte(room + ":" + name), nil
	}), "r1", c.post)

	l.Start(Target{Entity: "e1"}, "rain.wav")
	l.Close()

	results := c.all()
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "r1:rain.wav", string(results[0].Data))
	assert.Equal(t, Target{Entity: "e1"}, results[0].Target)
}

func TestLoader_WrapsFailure(t *testing.T) {
	c := &collector{}
	l := NewLoader(fetchFunc(func(context.Context, string, string) ([]byte, error) {
		return nil, errors.New("boom")
	}), "r1", c.post)

	l.Start(Target{Entity: "e1", Cone: "c1"}, "x.wav")
	l.Close()

	results := c.all()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrFetchFailed)
	assert.Equal(t, "e1/c1", results[0].Target.String())
}

func TestLoader_CloseCancelsInFlight(t *testing.T) {
	c := &collector{}
	started := make(chan struct{})
	l := NewLoader(fetchFunc(func(ctx context.Context, _, _ string) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), "r1", c.post, WithTimeout(time.Minute))

	l.Start(Target{Entity: "e1"}, "slow.wav")
	<-started
	l.Close()

	results := c.all()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrFetchFailed)
}

func TestDir_Fetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "room1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "room1", "a.wav"), []byte("data"), 0o644))

	data, err := Dir(dir).Fetch(context.Background(), "room1", "nested/../a.wav")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	_, err = Dir(dir).Fetch(context.Background(), "room1", "missing.wav")
	assert.Error(t, err)
}
