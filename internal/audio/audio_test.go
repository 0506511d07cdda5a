package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_PauseResumeKeepsOffset(t *testing.T) {
	s := NewState("rain.wav", "h", 10*time.Second)
	t0 := time.Unix(1000, 0)

	assert.Zero(t, s.Start(t0))
	assert.True(t, s.Playing())

	assert.Equal(t, 3*time.Second, s.Pause(t0.Add(3*time.Second)))
	assert.False(t, s.Playing())

	// time spent paused does not advance the offset
	assert.Equal(t, 3*time.Second, s.Start(t0.Add(60*time.Second)))
	assert.Equal(t, 5*time.Second, s.Offset(t0.Add(62*time.Second)))
}

func TestState_OffsetWrapsAtDuration(t *testing.T) {
	s := NewState("loop", "h", 4*time.Second)
	t0 := time.Unix(0, 0)
	s.Start(t0)

	assert.Equal(t, time.Second, s.Pause(t0.Add(9*time.Second)))
}

func TestState_Reset(t *testing.T) {
	s := NewState("loop", "h", 4*time.Second)
	t0 := time.Unix(0, 0)
	s.Start(t0)
	s.Pause(t0.Add(2 * time.Second))

	s.Reset(t0)
	assert.Zero(t, s.Offset(t0))
}

func TestNopPlayer_Load(t *testing.T) {
	h, d, err := NopPlayer{BytesPerSecond: 100}.Load(context.Background(), "a.wav", make([]byte, 250))

	require.NoError(t, err)
	assert.Equal(t, Handle("a.wav"), h)
	assert.Equal(t, 2500*time.Millisecond, d)
}
