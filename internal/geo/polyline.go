package geo

import (
	"encoding/json"
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
)

// BoundaryTolerance is the per-axis slack used when diffing region outlines.
const BoundaryTolerance = 0.01

// ParsePath parses a JSON array of points into a path.
// Input format: "[{"x":1,"y":2,"z":3},...]"
func ParsePath(input string) ([]Vec3, error) {
	var points []Vec3
	if err := json.Unmarshal([]byte(input), &points); err != nil {
		return nil, fmt.Errorf("failed to parse path JSON: %w", err)
	}
	return points, nil
}

// LineString maps a path onto the ground plane: scene X and Z become the
// planar coordinates and the height rides along as the third ordinate.
func LineString(points []Vec3) (geom.LineString, error) {
	flat := make([]float64, 0, len(points)*3)
	for _, p := range points {
		flat = append(flat, p.X, p.Z, p.Y)
	}
	ls, err := geom.NewLineString(geom.NewSequence(flat, geom.DimXYZ))
	if err != nil {
		return geom.LineString{}, fmt.Errorf("invalid path: %w", err)
	}
	return ls, nil
}

// PathFromLineString is the inverse of LineString.
func PathFromLineString(ls geom.LineString) []Vec3 {
	seq := ls.Coordinates()
	points := make([]Vec3, seq.Length())
	for i := range points {
		c := seq.Get(i)
		points[i] = Vec3{X: c.X, Y: c.Z, Z: c.Y}
	}
	return points
}

// Simplify reduces a drawn path with Ramer-Douglas-Peucker at the given
// tolerance. Paths too short to simplify are returned as a copy.
func Simplify(points []Vec3, tolerance float64) []Vec3 {
	out := make([]Vec3, len(points))
	copy(out, points)
	if len(points) < 3 {
		return out
	}
	ls, err := LineString(points)
	if err != nil {
		return out
	}
	simplified := ls.Simplify(tolerance)
	if simplified.IsEmpty() {
		return out
	}
	return PathFromLineString(simplified)
}

// PathLength is the polyline length through the given points.
func PathLength(points []Vec3) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += points[i].DistanceTo(points[i-1])
	}
	return total
}

// PathsEqual compares two paths point by point within tol.
func PathsEqual(a, b []Vec3, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].ApproxEqual(b[i], tol) {
			return false
		}
	}
	return true
}

// Offset returns a copy of points translated by delta.
func Offset(points []Vec3, delta Vec3) []Vec3 {
	out := make([]Vec3, len(points))
	for i, p := range points {
		out[i] = p.Add(delta)
	}
	return out
}
