// Package gesture turns a freehand drawn path into a scene edit.
package gesture

import (
	"errors"

	"github.com/inviso/scenesync/internal/geo"
)

// DefaultTolerance is the simplification threshold applied to drawn paths.
const DefaultTolerance = 10.0

const (
	minTrajectoryPoints = 2
	minRegionPoints     = 3
)

// ErrMinimumGeometry reports a path too short for the requested shape.
var ErrMinimumGeometry = errors.New("path has too few points")

// Outcome is what a finished gesture produces.
type Outcome int

const (
	Nothing Outcome = iota
	Trajectory
	Region
	Point
)

func (o Outcome) String() string {
	switch o {
	case Trajectory:
		return "trajectory"
	case Region:
		return "region"
	case Point:
		return "point"
	default:
		return "nothing"
	}
}

// Plan is the interpreted gesture. Points are already simplified.
type Plan struct {
	Outcome Outcome
	Points  []geo.Vec3
}

// Interpreter maps drawn paths to plans.
type Interpreter struct {
	Tolerance float64
}

// Interpret simplifies points and decides what they become. Drawn from an
// existing entity, two or more points make a trajectory for it. Drawn on
// empty space, three or more make a region and anything shorter collapses
// to a single point source at the first point. A path that falls short of
// the shape it was aiming for is still returned with ErrMinimumGeometry so
// the caller can surface it.
func (in Interpreter) Interpret(points []geo.Vec3, fromEntity bool) (Plan, error) {
	tol := in.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	if len(points) == 0 {
		return Plan{Outcome: Nothing}, ErrMinimumGeometry
	}
	simplified := geo.Simplify(points, tol)

	if fromEntity {
		if len(simplified) < minTrajectoryPoints {
			return Plan{Outcome: Nothing}, ErrMinimumGeometry
		}
		return Plan{Outcome: Trajectory, Points: simplified}, nil
	}

	if len(simplified) >= minRegionPoints {
		return Plan{Outcome: Region, Points: simplified}, nil
	}
	plan := Plan{Outcome: Point, Points: simplified[:1]}
	if len(simplified) > 1 {
		return plan, ErrMinimumGeometry
	}
	return plan, nil
}

// Centroid is the mean of points, used to anchor a region.
func Centroid(points []geo.Vec3) geo.Vec3 {
	var c geo.Vec3
	if len(points) == 0 {
		return c
	}
	for _, p := range points {
		c = c.Add(p)
	}
	return c.Scale(1 / float64(len(points)))
}
