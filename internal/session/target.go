package session

import (
	"context"
	"fmt"

	"github.com/inviso/scenesync/internal/command"
	"github.com/inviso/scenesync/internal/scene"
)

// target applies undo and redo to the scene and mirrors every change to
// the store when online.
type target struct {
	command.SceneTarget
	s   *Session
	ctx context.Context
}

var _ command.Target = target{}

func (s *Session) target(ctx context.Context) target {
	return target{SceneTarget: command.SceneTarget{Scene: s.scene}, s: s, ctx: ctx}
}

func (t target) RestoreEntity(e *scene.Entity) error {
	if err := t.SceneTarget.RestoreEntity(e); err != nil {
		return err
	}
	if !t.s.Online() {
		return nil
	}
	if e.ID == "" {
		return t.s.publishNew(t.ctx, e)
	}
	if err := t.s.publisher.Entity(t.ctx, e, nil); err != nil {
		return err
	}
	t.s.engine.WatchCones(e.ID)
	for _, c := range e.Cones {
		if err := t.s.publisher.Cone(t.ctx, e, c); err != nil {
			return err
		}
	}
	return nil
}

func (t target) RemoveEntity(key string) error {
	e, ok := t.s.scene.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrEntityNotFound, key)
	}
	t.s.engine.Forget(key)
	if t.s.Online() {
		return t.s.publisher.Remove(t.ctx, e)
	}
	return nil
}

func (t target) RestoreTrajectory(key string, prefer scene.TrajectoryHandle, snap scene.TrajectorySnapshot) (scene.TrajectoryHandle, error) {
	h, err := t.SceneTarget.RestoreTrajectory(key, prefer, snap)
	if err != nil {
		return 0, err
	}
	tr, _ := t.s.scene.Trajectory(h)
	tr.SetSamples(t.s.cfg.ArcLengthSamples)
	if t.s.Online() {
		e, _ := t.s.scene.Get(key)
		return h, t.s.publisher.Trajectory(t.ctx, e, tr)
	}
	return h, nil
}

func (t target) RemoveTrajectory(key string) (scene.TrajectorySnapshot, error) {
	snap, err := t.SceneTarget.RemoveTrajectory(key)
	if err != nil {
		return snap, err
	}
	if t.s.Online() {
		e, _ := t.s.scene.Get(key)
		return snap, t.s.publisher.ClearTrajectory(t.ctx, e)
	}
	return snap, nil
}

func (t target) RestoreCone(key string, c *scene.Cone) error {
	if err := t.SceneTarget.RestoreCone(key, c); err != nil {
		return err
	}
	if t.s.Online() {
		e, _ := t.s.scene.Get(key)
		return t.s.publisher.Cone(t.ctx, e, c)
	}
	return nil
}

func (t target) RemoveCone(key, coneKey string) error {
	if err := t.SceneTarget.RemoveCone(key, coneKey); err != nil {
		return err
	}
	if t.s.Online() {
		e, _ := t.s.scene.Get(key)
		return t.s.publisher.RemoveCone(t.ctx, e, coneKey)
	}
	return nil
}
