package command

import (
	"github.com/inviso/scenesync/internal/scene"
)

// SceneTarget applies commands directly to a scene with no side effects.
type SceneTarget struct {
	Scene *scene.Scene
}

var _ Target = SceneTarget{}

func (t SceneTarget) EntityExists(key string) bool { return t.Scene.Has(key) }

func (t SceneTarget) RestoreEntity(e *scene.Entity) error { return t.Scene.Add(e) }

func (t SceneTarget) RemoveEntity(key string) error {
	_, err := t.Scene.Remove(key)
	return err
}

func (t SceneTarget) HasTrajectory(key string) bool {
	_, ok := t.Scene.TrajectoryOf(key)
	return ok
}

func (t SceneTarget) RestoreTrajectory(key string, prefer scene.TrajectoryHandle, snap scene.TrajectorySnapshot) (scene.TrajectoryHandle, error) {
	return t.Scene.Restore(key, prefer, snap)
}

func (t SceneTarget) RemoveTrajectory(key string) (scene.TrajectorySnapshot, error) {
	tr, err := t.Scene.Detach(key)
	if err != nil {
		return scene.TrajectorySnapshot{}, err
	}
	return tr.Snapshot(), nil
}

func (t SceneTarget) HasCone(key, coneKey string) bool {
	e, ok := t.Scene.Get(key)
	if !ok {
		return false
	}
	_, ok = e.Cone(coneKey)
	return ok
}

func (t SceneTarget) RestoreCone(key string, c *scene.Cone) error { return t.Scene.AddCone(key, c) }

func (t SceneTarget) RemoveCone(key, coneKey string) error {
	_, err := t.Scene.RemoveCone(key, coneKey)
	return err
}
