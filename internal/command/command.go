// Package command records undoable scene edits and replays their inverses.
package command

import (
	"fmt"

	"github.com/inviso/scenesync/internal/scene"
)

// Kind is the closed set of undoable edits.
type Kind int

const (
	CreateEntity Kind = iota + 1
	DeleteEntity
	CreateTrajectory
	DeleteTrajectory
	CreateCone
	DeleteCone
	CreateEntityWithTrajectory
	DeleteEntityWithTrajectory
)

func (k Kind) String() string {
	switch k {
	case CreateEntity:
		return "create_entity"
	case DeleteEntity:
		return "delete_entity"
	case CreateTrajectory:
		return "create_trajectory"
	case DeleteTrajectory:
		return "delete_trajectory"
	case CreateCone:
		return "create_cone"
	case DeleteCone:
		return "delete_cone"
	case CreateEntityWithTrajectory:
		return "create_entity_with_trajectory"
	case DeleteEntityWithTrajectory:
		return "delete_entity_with_trajectory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is one recorded edit. Subject is the entity the edit applies to,
// kept by pointer so an undone delete restores the same object. Trajectory
// carries the secondary trajectory state for the trajectory kinds and Cone
// the cone for the cone kinds.
type Command struct {
	Kind    Kind
	Subject *scene.Entity

	Trajectory *scene.TrajectorySnapshot
	Handle     scene.TrajectoryHandle

	Cone *scene.Cone
}

func (c *Command) hasTrajectory() bool {
	switch c.Kind {
	case CreateTrajectory, DeleteTrajectory, CreateEntityWithTrajectory, DeleteEntityWithTrajectory:
		return true
	}
	return false
}

// Target applies commands to the live scene. Implementations decide whether a
// change is also published.
type Target interface {
	EntityExists(key string) bool
	RestoreEntity(e *scene.Entity) error
	RemoveEntity(key string) error

	HasTrajectory(key string) bool
	RestoreTrajectory(key string, prefer scene.TrajectoryHandle, snap scene.TrajectorySnapshot) (scene.TrajectoryHandle, error)
	RemoveTrajectory(key string) (scene.TrajectorySnapshot, error)

	HasCone(key, coneKey string) bool
	RestoreCone(key string, c *scene.Cone) error
	RemoveCone(key, coneKey string) error
}

// create brings the command's objects into the scene. It reports false when
// the current scene makes that impossible.
func (c *Command) create(t Target, withEntity, withTrajectory bool) (bool, error) {
	key := c.Subject.Key
	if withEntity {
		if t.EntityExists(key) {
			return false, nil
		}
		if err := t.RestoreEntity(c.Subject); err != nil {
			return false, err
		}
	} else if !t.EntityExists(key) {
		return false, nil
	}
	if withTrajectory {
		if c.Trajectory == nil {
			return withEntity, nil
		}
		if t.HasTrajectory(key) {
			return false, nil
		}
		h, err := t.RestoreTrajectory(key, c.Handle, *c.Trajectory)
		if err != nil {
			return false, err
		}
		c.Handle = h
	}
	return true, nil
}

// remove takes the command's objects out of the scene, capturing the latest
// trajectory state so a later re-create restores what was removed.
func (c *Command) remove(t Target, withEntity, withTrajectory bool) (bool, error) {
	key := c.Subject.Key
	if !t.EntityExists(key) {
		return false, nil
	}
	if withTrajectory {
		if t.HasTrajectory(key) {
			snap, err := t.RemoveTrajectory(key)
			if err != nil {
				return false, err
			}
			c.Trajectory = &snap
		} else if !withEntity {
			return false, nil
		}
	}
	if withEntity {
		if err := t.RemoveEntity(key); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Command) createCone(t Target) (bool, error) {
	key := c.Subject.Key
	if !t.EntityExists(key) || t.HasCone(key, c.Cone.Key) {
		return false, nil
	}
	return true, t.RestoreCone(key, c.Cone)
}

func (c *Command) removeCone(t Target) (bool, error) {
	key := c.Subject.Key
	if !t.EntityExists(key) || !t.HasCone(key, c.Cone.Key) {
		return false, nil
	}
	return true, t.RemoveCone(key, c.Cone.Key)
}

// apply performs the edit forward (redo) or backward (undo).
func (c *Command) apply(t Target, forward bool) (bool, error) {
	// a forward delete and a backward create both remove
	removing := forward
	switch c.Kind {
	case CreateEntity, CreateTrajectory, CreateCone, CreateEntityWithTrajectory:
		removing = !forward
	case DeleteEntity, DeleteTrajectory, DeleteCone, DeleteEntityWithTrajectory:
	default:
		return false, fmt.Errorf("unknown command kind %v", c.Kind)
	}

	switch c.Kind {
	case CreateEntity, DeleteEntity:
		if removing {
			return c.remove(t, true, false)
		}
		return c.create(t, true, false)
	case CreateTrajectory, DeleteTrajectory:
		if removing {
			return c.remove(t, false, true)
		}
		return c.create(t, false, true)
	case CreateEntityWithTrajectory, DeleteEntityWithTrajectory:
		if removing {
			return c.remove(t, true, true)
		}
		return c.create(t, true, true)
	default:
		if removing {
			return c.removeCone(t)
		}
		return c.createCone(t)
	}
}
