package geo

// ChangeType classifies how a region outline differs from its previous version.
type ChangeType int

const (
	Unchanged ChangeType = iota
	Moved
	PointAdded
	PointRemoved
	Replaced
)

func (c ChangeType) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Moved:
		return "moved"
	case PointAdded:
		return "point_added"
	case PointRemoved:
		return "point_removed"
	default:
		return "replaced"
	}
}

// BoundaryChange describes the edit that turns one outline into another.
// Index is the affected vertex for Moved, PointAdded and PointRemoved.
type BoundaryChange struct {
	Type  ChangeType
	Index int
}

// DiffBoundary finds the single-vertex edit between prev and next, if any.
// Anything that is not a single move, insertion or deletion is Replaced.
func DiffBoundary(prev, next []Vec3, tol float64) BoundaryChange {
	switch {
	case len(prev) == len(next):
		idx := -1
		for i := range prev {
			if prev[i].ApproxEqual(next[i], tol) {
				continue
			}
			if idx >= 0 {
				return BoundaryChange{Type: Replaced, Index: -1}
			}
			idx = i
		}
		if idx < 0 {
			return BoundaryChange{Type: Unchanged, Index: -1}
		}
		return BoundaryChange{Type: Moved, Index: idx}
	case len(next) == len(prev)+1:
		if i, ok := skipOne(prev, next, tol); ok {
			return BoundaryChange{Type: PointAdded, Index: i}
		}
	case len(next)+1 == len(prev):
		if i, ok := skipOne(next, prev, tol); ok {
			return BoundaryChange{Type: PointRemoved, Index: i}
		}
	}
	return BoundaryChange{Type: Replaced, Index: -1}
}

// skipOne reports the index in long that, when dropped, makes it match short.
func skipOne(short, long []Vec3, tol float64) (int, bool) {
	i := 0
	for i < len(short) && short[i].ApproxEqual(long[i], tol) {
		i++
	}
	for j := i; j < len(short); j++ {
		if !short[j].ApproxEqual(long[j+1], tol) {
			return -1, false
		}
	}
	return i, true
}
