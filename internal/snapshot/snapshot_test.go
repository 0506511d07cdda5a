package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inviso/scenesync/internal/storage"
	"github.com/inviso/scenesync/internal/storage/memory"
)

func seeded(t *testing.T) *memory.Hub {
	t.Helper()
	hub := memory.NewHub()
	c := hub.Connect("alice")
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, storage.Objects, "o1", map[string]any{"position": map[string]float64{"x": 1, "y": 2, "z": 3}}))
	require.NoError(t, c.Set(ctx, storage.Cones("o1"), "c1", map[string]any{"volume": 0.5}))
	require.NoError(t, c.Set(ctx, storage.Globals, "state", map[string]any{"isPlaying": true}))
	return hub
}

func TestWriteRead_RoundTrip(t *testing.T) {
	hub := seeded(t)
	dir := t.TempDir()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	path := Path(dir, "room", now)
	require.NoError(t, Write(path, Of("room", hub, now)))

	snap, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "room", snap.Header.Room)
	assert.Equal(t, 3, snap.Header.Children)
	assert.Len(t, snap.Children, 3)

	restored := memory.NewHub()
	require.NoError(t, Restore(restored, snap))
	assert.Equal(t, hub.Children(), restored.Children())
}

func TestLatestAndPrune(t *testing.T) {
	hub := seeded(t)
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := Latest(dir, "room")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, Write(Path(dir, "room", at), Of("room", hub, at)))
	}
	latest, err := Latest(dir, "room")
	require.NoError(t, err)
	assert.Equal(t, Path(dir, "room", base.Add(3*time.Minute)), latest)

	require.NoError(t, Prune(dir, "room", 2))
	latest, err = Latest(dir, "room")
	require.NoError(t, err)
	assert.Equal(t, Path(dir, "room", base.Add(3*time.Minute)), latest)
}
