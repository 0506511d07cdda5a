// Package spline implements a centripetal Catmull-Rom curve through a list of
// control points, with both raw and arc-length parameterisations.
package spline

import (
	"math"
	"sort"

	"github.com/inviso/scenesync/internal/geo"
)

// DefaultDivisions is the sampling density of the arc-length table.
const DefaultDivisions = 200

const tangentDelta = 0.0001

// Curve is a centripetal Catmull-Rom spline. A closed curve joins its last
// control point back to its first.
type Curve struct {
	points []geo.Vec3
	closed bool

	// cumulative arc lengths over DefaultDivisions equal parameter steps
	lengths []float64
}

// New builds a curve through points. The slice is copied.
func New(points []geo.Vec3, closed bool) *Curve {
	p := make([]geo.Vec3, len(points))
	copy(p, points)
	return &Curve{points: p, closed: closed}
}

// Points returns a copy of the control points.
func (c *Curve) Points() []geo.Vec3 {
	p := make([]geo.Vec3, len(c.points))
	copy(p, c.points)
	return p
}

func (c *Curve) Closed() bool { return c.closed }

// Point samples the curve at raw parameter t in [0,1].
func (c *Curve) Point(t float64) geo.Vec3 {
	l := len(c.points)
	switch l {
	case 0:
		return geo.Vec3{}
	case 1:
		return c.points[0]
	}

	segments := l - 1
	if c.closed {
		segments = l
	}
	p := float64(segments) * t
	intPoint := int(math.Floor(p))
	weight := p - float64(intPoint)

	if c.closed {
		if intPoint <= 0 {
			intPoint += (int(math.Floor(math.Abs(float64(intPoint))/float64(l))) + 1) * l
		}
	} else if weight == 0 && intPoint == l-1 {
		intPoint = l - 2
		weight = 1
	}
	if !c.closed {
		intPoint = max(0, min(intPoint, l-2))
	}

	var p0, p3 geo.Vec3
	if c.closed || intPoint > 0 {
		p0 = c.points[(intPoint-1+l)%l]
	} else {
		// extrapolate before the first point
		p0 = c.points[0].Sub(c.points[1]).Add(c.points[0])
	}
	p1 := c.points[intPoint%l]
	p2 := c.points[(intPoint+1)%l]
	if c.closed || intPoint+2 < l {
		p3 = c.points[(intPoint+2)%l]
	} else {
		p3 = c.points[l-1].Sub(c.points[l-2]).Add(c.points[l-1])
	}

	dt0 := math.Pow(p0.Sub(p1).LengthSq(), 0.25)
	dt1 := math.Pow(p1.Sub(p2).LengthSq(), 0.25)
	dt2 := math.Pow(p2.Sub(p3).LengthSq(), 0.25)
	if dt1 < 1e-4 {
		dt1 = 1
	}
	if dt0 < 1e-4 {
		dt0 = dt1
	}
	if dt2 < 1e-4 {
		dt2 = dt1
	}

	return geo.Vec3{
		X: cubic(p0.X, p1.X, p2.X, p3.X, dt0, dt1, dt2, weight),
		Y: cubic(p0.Y, p1.Y, p2.Y, p3.Y, dt0, dt1, dt2, weight),
		Z: cubic(p0.Z, p1.Z, p2.Z, p3.Z, dt0, dt1, dt2, weight),
	}
}

// cubic evaluates one axis of a non-uniform Catmull-Rom segment at w.
func cubic(x0, x1, x2, x3, dt0, dt1, dt2, w float64) float64 {
	t1 := (x1-x0)/dt0 - (x2-x0)/(dt0+dt1) + (x2-x1)/dt1
	t2 := (x2-x1)/dt1 - (x3-x1)/(dt1+dt2) + (x3-x2)/dt2
	t1 *= dt1
	t2 *= dt1

	c0 := x1
	c1 := t1
	c2 := -3*x1 + 3*x2 - 2*t1 - t2
	c3 := 2*x1 - 2*x2 + t1 + t2
	return c0 + c1*w + c2*w*w + c3*w*w*w
}

// PointAt samples the curve at arc-length fraction u in [0,1].
func (c *Curve) PointAt(u float64) geo.Vec3 {
	return c.Point(c.paramAt(u))
}

// Tangent is the unit direction of travel at raw parameter t.
func (c *Curve) Tangent(t float64) geo.Vec3 {
	t1 := math.Max(0, t-tangentDelta)
	t2 := math.Min(1, t+tangentDelta)
	return c.Point(t2).Sub(c.Point(t1)).Normalize()
}

// TangentAt is the unit direction of travel at arc-length fraction u.
func (c *Curve) TangentAt(u float64) geo.Vec3 {
	return c.Tangent(c.paramAt(u))
}

// Length approximates the curve length by summing chords over the given
// number of equal parameter steps.
func (c *Curve) Length(divisions int) float64 {
	if divisions < 1 {
		divisions = 1
	}
	return c.chordLengths(divisions)[divisions]
}

func (c *Curve) chordLengths(divisions int) []float64 {
	lengths := make([]float64, divisions+1)
	last := c.Point(0)
	var sum float64
	for i := 1; i <= divisions; i++ {
		current := c.Point(float64(i) / float64(divisions))
		sum += current.DistanceTo(last)
		lengths[i] = sum
		last = current
	}
	return lengths
}

// paramAt maps an arc-length fraction onto the raw parameter.
func (c *Curve) paramAt(u float64) float64 {
	if c.lengths == nil {
		c.lengths = c.chordLengths(DefaultDivisions)
	}
	lengths := c.lengths
	n := len(lengths)
	total := lengths[n-1]
	if total == 0 {
		return u
	}
	target := math.Max(0, math.Min(1, u)) * total

	// last index whose cumulative length does not exceed target
	i := sort.Search(n, func(i int) bool { return lengths[i] > target }) - 1
	if i < 0 {
		i = 0
	}
	if i >= n-1 || lengths[i] == target {
		return float64(i) / float64(n-1)
	}
	before := lengths[i]
	segment := lengths[i+1] - before
	return (float64(i) + (target-before)/segment) / float64(n-1)
}
