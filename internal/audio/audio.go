// Package audio tracks playback offsets for looping sound resources.
package audio

import (
	"context"
	"time"
)

// Handle identifies a decoded resource inside a Player.
type Handle string

// Player is the audio backend. Load is called once per fetched resource.
type Player interface {
	Load(ctx context.Context, name string, data []byte) (Handle, time.Duration, error)
	Play(h Handle, offset time.Duration) error
	Stop(h Handle) error
}

// State is the playback bookkeeping for one looping resource.
type State struct {
	Name     string
	Handle   Handle
	Duration time.Duration

	startedAt time.Time
	pausedAt  time.Duration
	playing   bool
}

// NewState returns a paused state at offset zero.
func NewState(name string, h Handle, duration time.Duration) *State {
	return &State{Name: name, Handle: h, Duration: duration}
}

func (s *State) Playing() bool { return s.playing }

// Offset is the position inside the loop at now.
func (s *State) Offset(now time.Time) time.Duration {
	if !s.playing {
		return s.pausedAt
	}
	return s.wrap(now.Sub(s.startedAt))
}

// Start resumes from the paused offset and returns it.
func (s *State) Start(now time.Time) time.Duration {
	if s.playing {
		return s.Offset(now)
	}
	s.startedAt = now.Add(-s.pausedAt)
	s.playing = true
	return s.pausedAt
}

// Pause freezes the loop offset at now.
func (s *State) Pause(now time.Time) time.Duration {
	if s.playing {
		s.pausedAt = s.wrap(now.Sub(s.startedAt))
		s.playing = false
	}
	return s.pausedAt
}

// Reset rewinds to offset zero without changing the play state.
func (s *State) Reset(now time.Time) {
	s.pausedAt = 0
	s.startedAt = now
}

func (s *State) wrap(d time.Duration) time.Duration {
	if s.Duration <= 0 {
		return d
	}
	d %= s.Duration
	if d < 0 {
		d += s.Duration
	}
	return d
}

// NopPlayer is a Player that produces no sound. Durations are derived from
// the payload size so offsets still wrap.
type NopPlayer struct {
	// BytesPerSecond converts payload size to duration; zero means 44.1kHz 16-bit stereo.
	BytesPerSecond int
}

func (p NopPlayer) Load(_ context.Context, name string, data []byte) (Handle, time.Duration, error) {
	bps := p.BytesPerSecond
	if bps <= 0 {
		bps = 44100 * 2 * 2
	}
	return Handle(name), time.Duration(len(data)) * time.Second / time.Duration(bps), nil
}

func (NopPlayer) Play(Handle, time.Duration) error { return nil }

func (NopPlayer) Stop(Handle) error { return nil }
