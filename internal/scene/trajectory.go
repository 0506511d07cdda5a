package scene

import (
	"errors"
	"math"

	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/spline"
)

const (
	// DefaultDirection makes the clock increase on each advance.
	DefaultDirection = -1.0

	DefaultSpeed            = 10.0
	DefaultArcLengthSamples = 10

	MinSpeed = -100.0
	MaxSpeed = 100.0
)

// ErrTooFewPoints is returned for a path with fewer than two control points.
var ErrTooFewPoints = errors.New("trajectory needs at least 2 points")

// TrajectoryHandle indexes a trajectory slot in the scene registry.
type TrajectoryHandle uint64

// Sample is a position and orientation along a trajectory.
type Sample struct {
	Position    geo.Vec3
	Orientation geo.Quaternion
}

// Trajectory moves its owner along a spline. The clock is an arc-length
// fraction in [0,1] and each advance moves it by direction*increment.
type Trajectory struct {
	handle TrajectoryHandle
	owner  string

	curve     *spline.Curve
	clock     float64
	direction float64
	speed     float64
	increment float64
	samples   int
}

// NewTrajectory builds an open or closed trajectory with the default direction.
func NewTrajectory(points []geo.Vec3, closed bool, speed float64) (*Trajectory, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}
	t := &Trajectory{
		curve:     spline.New(points, closed),
		direction: DefaultDirection,
		speed:     ClampSpeed(speed),
		samples:   DefaultArcLengthSamples,
	}
	t.recompute()
	return t, nil
}

// ClampSpeed limits s to [MinSpeed, MaxSpeed].
func ClampSpeed(s float64) float64 {
	return math.Max(MinSpeed, math.Min(MaxSpeed, s))
}

func (t *Trajectory) Handle() TrajectoryHandle { return t.handle }

// Owner is the key of the entity this trajectory moves.
func (t *Trajectory) Owner() string { return t.owner }

func (t *Trajectory) Closed() bool { return t.curve.Closed() }
func (t *Trajectory) Clock() float64 { return t.clock }
func (t *Trajectory) Direction() float64 { return t.direction }
func (t *Trajectory) Speed() float64 { return t.speed }
func (t *Trajectory) Increment() float64 { return t.increment }
func (t *Trajectory) Samples() int { return t.samples }
func (t *Trajectory) Points() []geo.Vec3 { return t.curve.Points() }
func (t *Trajectory) Curve() *spline.Curve { return t.curve }

// ArcLength approximates the path length with the given sample count.
func (t *Trajectory) ArcLength(samples int) float64 {
	return t.curve.Length(samples)
}

// SetSamples changes the arc-length sample count and recomputes the increment.
func (t *Trajectory) SetSamples(n int) {
	if n < 1 {
		n = 1
	}
	t.samples = n
	t.recompute()
}

// SetSpeed clamps and stores s, then recomputes the increment.
func (t *Trajectory) SetSpeed(s float64) {
	t.speed = ClampSpeed(s)
	t.recompute()
}

// SetPoints replaces the control points. The clock is left where it was.
func (t *Trajectory) SetPoints(points []geo.Vec3) error {
	if len(points) < 2 {
		return ErrTooFewPoints
	}
	t.curve = spline.New(points, t.curve.Closed())
	t.recompute()
	return nil
}

// SetClosed switches the boundary policy between loop and ping-pong.
func (t *Trajectory) SetClosed(closed bool) {
	if closed == t.curve.Closed() {
		return
	}
	t.curve = spline.New(t.curve.Points(), closed)
	t.recompute()
}

// Seek moves the clock, clamped to [0,1].
func (t *Trajectory) Seek(clock float64) {
	t.clock = math.Max(0, math.Min(1, clock))
}

func (t *Trajectory) recompute() {
	length := t.curve.Length(t.samples)
	if length == 0 {
		t.increment = 0
		return
	}
	t.increment = t.speed / length
}

// Advance steps the clock once. It does nothing unless playback is on.
func (t *Trajectory) Advance(playing bool) (Sample, bool) {
	if !playing {
		return Sample{}, false
	}
	next := t.clock - t.direction*t.increment
	switch {
	case next >= 1:
		if t.Closed() {
			next = 0
		} else {
			next = 1
			t.direction = -t.direction
		}
	case next < 0:
		if t.Closed() {
			next = 1
		} else {
			next = 0
			t.direction = -t.direction
		}
	}
	t.clock = next
	return t.Sample(), true
}

// Sample evaluates the trajectory at the current clock.
func (t *Trajectory) Sample() Sample {
	return Sample{
		Position:    t.curve.PointAt(t.clock),
		Orientation: geo.Facing(t.curve.TangentAt(t.clock)),
	}
}

// TrajectorySnapshot is the restorable state of a trajectory. Anchor is the
// owner position when the snapshot was taken.
type TrajectorySnapshot struct {
	Points    []geo.Vec3 `json:"points"`
	Closed    bool       `json:"closed"`
	Speed     float64    `json:"speed"`
	Clock     float64    `json:"clock"`
	Direction float64    `json:"direction"`
	Anchor    geo.Vec3   `json:"anchor"`
}

// Snapshot captures the trajectory state.
func (t *Trajectory) Snapshot() TrajectorySnapshot {
	return TrajectorySnapshot{
		Points:    t.curve.Points(),
		Closed:    t.curve.Closed(),
		Speed:     t.speed,
		Clock:     t.clock,
		Direction: t.direction,
		Anchor:    t.curve.PointAt(t.clock),
	}
}

// FromSnapshot rebuilds a trajectory, translated by delta.
func FromSnapshot(s TrajectorySnapshot, delta geo.Vec3) (*Trajectory, error) {
	t, err := NewTrajectory(geo.Offset(s.Points, delta), s.Closed, s.Speed)
	if err != nil {
		return nil, err
	}
	t.clock = s.Clock
	if s.Direction != 0 {
		t.direction = math.Copysign(1, s.Direction)
	}
	return t, nil
}
