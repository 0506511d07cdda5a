// Package scene holds the local copy of the shared scene: entities keyed by
// local identity and a registry of trajectories addressed by handle.
package scene

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrEntityNotFound   = errors.New("entity not found")
	ErrEntityExists     = errors.New("entity already exists")
	ErrNoTrajectory     = errors.New("entity has no trajectory")
	ErrTrajectoryExists = errors.New("entity already has a trajectory")
	ErrConeNotFound     = errors.New("cone not found")
	ErrConeExists       = errors.New("cone already exists")
)

// Renderer is notified of every structural change to the scene.
type Renderer interface {
	Added(e *Entity)
	Removed(e *Entity)
	Updated(e *Entity)
}

// NopRenderer discards all notifications.
type NopRenderer struct{}

func (NopRenderer) Added(*Entity)   {}
func (NopRenderer) Removed(*Entity) {}
func (NopRenderer) Updated(*Entity) {}

// Scene is not safe for concurrent use; it belongs to the session loop.
type Scene struct {
	entities map[string]*Entity
	byID     map[string]string

	// a nil value is a vacated slot that can be restored into
	trajectories map[TrajectoryHandle]*Trajectory
	nextHandle   TrajectoryHandle

	renderer Renderer
}

// New creates an empty scene. A nil renderer is replaced with NopRenderer.
func New(r Renderer) *Scene {
	if r == nil {
		r = NopRenderer{}
	}
	return &Scene{
		entities:     make(map[string]*Entity),
		byID:         make(map[string]string),
		trajectories: make(map[TrajectoryHandle]*Trajectory),
		renderer:     r,
	}
}

// Add inserts e.
func (s *Scene) Add(e *Entity) error {
	if _, ok := s.entities[e.Key]; ok {
		return fmt.Errorf("%w: %s", ErrEntityExists, e.Key)
	}
	if e.ID != "" {
		if _, ok := s.byID[e.ID]; ok {
			return fmt.Errorf("%w: id %s", ErrEntityExists, e.ID)
		}
		s.byID[e.ID] = e.Key
	}
	s.entities[e.Key] = e
	s.renderer.Added(e)
	return nil
}

// Remove deletes the entity and detaches its trajectory.
func (s *Scene) Remove(key string) (*Entity, error) {
	e, ok := s.entities[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	if e.Trajectory != 0 {
		s.vacate(e)
	}
	delete(s.entities, key)
	if e.ID != "" {
		delete(s.byID, e.ID)
	}
	s.renderer.Removed(e)
	return e, nil
}

// Get looks up an entity by local key.
func (s *Scene) Get(key string) (*Entity, bool) {
	e, ok := s.entities[key]
	return e, ok
}

// ByID looks up an entity by store key.
func (s *Scene) ByID(id string) (*Entity, bool) {
	key, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.entities[key], true
}

func (s *Scene) Has(key string) bool {
	_, ok := s.entities[key]
	return ok
}

func (s *Scene) Len() int { return len(s.entities) }

// Entities returns all entities ordered by key.
func (s *Scene) Entities() []*Entity {
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AssignID records the store key for an entity that was created locally.
func (s *Scene) AssignID(key, id string) error {
	e, ok := s.entities[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	if other, ok := s.byID[id]; ok && other != key {
		return fmt.Errorf("%w: id %s", ErrEntityExists, id)
	}
	if e.ID != "" {
		delete(s.byID, e.ID)
	}
	e.ID = id
	s.byID[id] = key
	return nil
}

// Touch forwards an in-place change of e to the renderer.
func (s *Scene) Touch(e *Entity) { s.renderer.Updated(e) }

// Attach binds t to the entity. If the entity already has a trajectory, t
// takes over its handle.
func (s *Scene) Attach(key string, t *Trajectory) (TrajectoryHandle, error) {
	e, ok := s.entities[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	h := e.Trajectory
	if h == 0 {
		h = s.allocate()
	}
	s.bind(e, h, t)
	return h, nil
}

// Restore rebuilds a trajectory from a snapshot, shifted by however far the
// owner has moved since the snapshot was taken. The preferred handle is
// reused when its slot is vacant.
func (s *Scene) Restore(key string, prefer TrajectoryHandle, snap TrajectorySnapshot) (TrajectoryHandle, error) {
	e, ok := s.entities[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	if e.Trajectory != 0 {
		return 0, fmt.Errorf("%w: %s", ErrTrajectoryExists, key)
	}
	t, err := FromSnapshot(snap, e.Position.Sub(snap.Anchor))
	if err != nil {
		return 0, err
	}
	h := prefer
	if current, used := s.trajectories[h]; !used || current != nil {
		h = s.allocate()
	}
	s.bind(e, h, t)
	return h, nil
}

// Detach unbinds and returns the entity's trajectory. The slot stays
// reserved for Restore.
func (s *Scene) Detach(key string) (*Trajectory, error) {
	e, ok := s.entities[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	if e.Trajectory == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTrajectory, key)
	}
	t := s.vacate(e)
	s.renderer.Updated(e)
	return t, nil
}

// Trajectory resolves a handle. Vacated slots resolve to false.
func (s *Scene) Trajectory(h TrajectoryHandle) (*Trajectory, bool) {
	t := s.trajectories[h]
	return t, t != nil
}

// TrajectoryOf returns the trajectory bound to an entity.
func (s *Scene) TrajectoryOf(key string) (*Trajectory, bool) {
	e, ok := s.entities[key]
	if !ok || e.Trajectory == 0 {
		return nil, false
	}
	return s.Trajectory(e.Trajectory)
}

// Advance steps every trajectory whose owner is not held and moves the owner
// to the new sample. Owners for which skip reports true stay put with their
// clock untouched; skip may be nil. It returns the entities that moved.
func (s *Scene) Advance(playing bool, skip func(key string) bool) []*Entity {
	var moved []*Entity
	for _, e := range s.Entities() {
		if e.Trajectory == 0 || e.Held() {
			continue
		}
		if skip != nil && skip(e.Key) {
			continue
		}
		t := s.trajectories[e.Trajectory]
		if t == nil {
			continue
		}
		sample, ok := t.Advance(playing)
		if !ok {
			continue
		}
		e.Position = sample.Position
		e.Orientation = sample.Orientation
		s.renderer.Updated(e)
		moved = append(moved, e)
	}
	return moved
}

// AddCone attaches c to the entity.
func (s *Scene) AddCone(key string, c *Cone) error {
	e, ok := s.entities[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	if _, ok := e.Cone(c.Key); ok {
		return fmt.Errorf("%w: %s", ErrConeExists, c.Key)
	}
	e.Cones = append(e.Cones, c)
	delete(e.PendingCones, c.Key)
	s.renderer.Updated(e)
	return nil
}

// RemoveCone detaches and returns a cone.
func (s *Scene) RemoveCone(key, coneKey string) (*Cone, error) {
	e, ok := s.entities[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	for i, c := range e.Cones {
		if c.Key == coneKey {
			e.Cones = append(e.Cones[:i], e.Cones[i+1:]...)
			s.renderer.Updated(e)
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConeNotFound, coneKey)
}

func (s *Scene) allocate() TrajectoryHandle {
	s.nextHandle++
	return s.nextHandle
}

func (s *Scene) bind(e *Entity, h TrajectoryHandle, t *Trajectory) {
	t.handle = h
	t.owner = e.Key
	s.trajectories[h] = t
	e.Trajectory = h
	sample := t.Sample()
	e.Position = sample.Position
	s.renderer.Updated(e)
}

func (s *Scene) vacate(e *Entity) *Trajectory {
	h := e.Trajectory
	t := s.trajectories[h]
	s.trajectories[h] = nil
	e.Trajectory = 0
	if t != nil {
		// owner stays where the path left it
		e.Position = t.Sample().Position
	}
	return t
}

// Clear empties the scene.
func (s *Scene) Clear() {
	for _, e := range s.Entities() {
		_, _ = s.Remove(e.Key)
	}
	s.trajectories = make(map[TrajectoryHandle]*Trajectory)
}
