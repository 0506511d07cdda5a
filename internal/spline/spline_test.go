package spline

import (
	"testing"

	"github.com/inviso/scenesync/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line() *Curve {
	return New([]geo.Vec3{{}, {X: 100}}, false)
}

func loop() *Curve {
	return New([]geo.Vec3{{}, {X: 50}, {X: 50, Z: 50}, {Z: 50}}, true)
}

func TestCurve_TwoPointsIsStraight(t *testing.T) {
	c := line()

	for _, u := range []float64{0, 0.1, 0.5, 0.9, 1} {
		p := c.Point(u)
		assert.InDelta(t, 100*u, p.X, 1e-9)
		assert.InDelta(t, 0, p.Y, 1e-9)
		assert.InDelta(t, 0, p.Z, 1e-9)
	}
	assert.InDelta(t, 100, c.Length(20), 1e-9)
	assert.True(t, c.PointAt(0.1).ApproxEqual(geo.Vec3{X: 10}, 1e-6))
}

func TestCurve_PassesThroughControlPoints(t *testing.T) {
	pts := []geo.Vec3{{}, {X: 10, Z: 5}, {X: 20, Z: -5}, {X: 30}}
	c := New(pts, false)

	for i, p := range pts {
		got := c.Point(float64(i) / 3)
		assert.True(t, got.ApproxEqual(p, 1e-9), "point %d: %v", i, got)
	}
}

func TestCurve_ClosedIsPeriodic(t *testing.T) {
	c := loop()

	assert.True(t, c.Point(0).ApproxEqual(c.Point(1), 1e-9))
	assert.True(t, c.PointAt(0).ApproxEqual(c.PointAt(1), 1e-6))
	assert.True(t, c.Point(0.25).ApproxEqual(geo.Vec3{X: 50}, 1e-9))
	assert.True(t, c.Closed())
}

func TestCurve_PointAtIsUniformInArcLength(t *testing.T) {
	c := New([]geo.Vec3{{}, {X: 10}, {X: 100, Z: 40}}, false)
	total := c.Length(DefaultDivisions)

	steps := 10
	prev := c.PointAt(0)
	for i := 1; i <= steps; i++ {
		p := c.PointAt(float64(i) / float64(steps))
		assert.InDelta(t, total/float64(steps), p.DistanceTo(prev), total*0.01)
		prev = p
	}
}

func TestCurve_Tangent(t *testing.T) {
	c := line()
	assert.True(t, c.Tangent(0.5).ApproxEqual(geo.Vec3{X: 1}, 1e-9))
	assert.True(t, c.TangentAt(1).ApproxEqual(geo.Vec3{X: 1}, 1e-9))
}

func TestCurve_LengthConvergesFromBelow(t *testing.T) {
	c := loop()
	coarse := c.Length(4)
	fine := c.Length(400)

	assert.LessOrEqual(t, coarse, fine)
	assert.Greater(t, fine, 200.0)
}

func TestCurve_Degenerate(t *testing.T) {
	assert.Equal(t, geo.Vec3{}, New(nil, false).Point(0.5))

	single := New([]geo.Vec3{{X: 3}}, false)
	assert.Equal(t, geo.Vec3{X: 3}, single.PointAt(0.7))
	assert.Zero(t, single.Length(10))
}

func TestCurve_PointsCopied(t *testing.T) {
	src := []geo.Vec3{{}, {X: 1}}
	c := New(src, false)
	src[0].X = 5

	got := c.Points()
	require.Len(t, got, 2)
	assert.Zero(t, got[0].X)
}
