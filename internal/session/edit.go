package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/inviso/scenesync/internal/command"
	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/gesture"
	"github.com/inviso/scenesync/internal/scene"
)

func (s *Session) entity(key string) (*scene.Entity, error) {
	e, ok := s.scene.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", scene.ErrEntityNotFound, key)
	}
	return e, nil
}

// publishNew assigns a store id to a local entity and writes it.
func (s *Session) publishNew(ctx context.Context, e *scene.Entity) error {
	if !s.Online() {
		return nil
	}
	if e.ID == "" {
		if err := s.scene.AssignID(e.Key, s.publisher.Push(e.Kind)); err != nil {
			return err
		}
	}
	tr, _ := s.scene.TrajectoryOf(e.Key)
	if err := s.publisher.Entity(ctx, e, tr); err != nil {
		return err
	}
	if e.Kind == scene.PointSource {
		s.engine.WatchCones(e.ID)
	}
	return nil
}

// AddEntity places a new entity and records it for undo.
func (s *Session) AddEntity(ctx context.Context, kind scene.Kind, pos geo.Vec3) (*scene.Entity, error) {
	e := scene.NewEntity(uuid.NewString(), kind, pos)
	if err := s.scene.Add(e); err != nil {
		return nil, err
	}
	s.history.Record(&command.Command{Kind: command.CreateEntity, Subject: e})
	return e, s.publishNew(ctx, e)
}

// AddRegion places a region source whose boundary is given in world space.
// The region is anchored at the boundary centroid.
func (s *Session) AddRegion(ctx context.Context, boundary []geo.Vec3) (*scene.Entity, error) {
	if len(boundary) < 3 {
		return nil, fmt.Errorf("%w: region needs 3 points, got %d", gesture.ErrMinimumGeometry, len(boundary))
	}
	center := gesture.Centroid(boundary)
	e := scene.NewEntity(uuid.NewString(), scene.RegionSource, center)
	e.Boundary = geo.Offset(boundary, center.Scale(-1))
	if err := s.scene.Add(e); err != nil {
		return nil, err
	}
	s.history.Record(&command.Command{Kind: command.CreateEntity, Subject: e})
	return e, s.publishNew(ctx, e)
}

// DeleteEntity removes an entity and, in the same undo step, its trajectory.
func (s *Session) DeleteEntity(ctx context.Context, key string) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	if e == s.avatar {
		return ErrAvatar
	}
	t := s.target(ctx)
	c := &command.Command{Kind: command.DeleteEntity, Subject: e}
	if tr, ok := s.scene.TrajectoryOf(key); ok {
		c.Kind = command.DeleteEntityWithTrajectory
		c.Handle = tr.Handle()
		snap, err := t.RemoveTrajectory(key)
		if err != nil {
			return errors.Join(err, s.reattach(key, c.Handle, snap))
		}
		c.Trajectory = &snap
	}
	s.history.Record(c)
	return t.RemoveEntity(key)
}

// reattach puts back a trajectory whose removal failed after it left the
// scene, so a failed delete leaves the entity as it was.
func (s *Session) reattach(key string, h scene.TrajectoryHandle, snap scene.TrajectorySnapshot) error {
	if _, ok := s.scene.TrajectoryOf(key); ok || len(snap.Points) == 0 {
		return nil
	}
	h, err := s.scene.Restore(key, h, snap)
	if err != nil {
		return err
	}
	tr, _ := s.scene.Trajectory(h)
	tr.SetSamples(s.cfg.ArcLengthSamples)
	return nil
}

// FinishGesture turns a completed drag into a trajectory on an entity, or
// into a new entity when onEntity is empty. Too few points fall back to
// the simpler result and are reported through the notifier.
func (s *Session) FinishGesture(ctx context.Context, points []geo.Vec3, onEntity string) (*scene.Entity, error) {
	plan, gerr := s.gestures.Interpret(points, onEntity != "")
	if gerr != nil {
		s.notify.Notify(Notice{Kind: MinimumGeometry, Entity: onEntity, Err: gerr})
	}

	switch plan.Outcome {
	case gesture.Trajectory:
		e, err := s.entity(onEntity)
		if err != nil {
			return nil, err
		}
		return e, s.SetTrajectory(ctx, onEntity, plan.Points, false)
	case gesture.Region:
		return s.AddRegion(ctx, plan.Points)
	case gesture.Point:
		return s.AddEntity(ctx, scene.PointSource, plan.Points[0])
	}
	return nil, gerr
}

// SetTrajectory gives an entity a new path. An existing trajectory keeps
// its handle and clock and is not recorded for undo.
func (s *Session) SetTrajectory(ctx context.Context, key string, points []geo.Vec3, closed bool) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	if tr, ok := s.scene.TrajectoryOf(key); ok {
		if err := tr.SetPoints(points); err != nil {
			return err
		}
		tr.SetClosed(closed)
		return s.publishTrajectory(ctx, e, tr)
	}

	tr, err := scene.NewTrajectory(points, closed, scene.DefaultSpeed)
	if err != nil {
		return err
	}
	tr.SetSamples(s.cfg.ArcLengthSamples)
	h, err := s.scene.Attach(key, tr)
	if err != nil {
		return err
	}
	s.history.Record(&command.Command{Kind: command.CreateTrajectory, Subject: e, Handle: h})
	return s.publishTrajectory(ctx, e, tr)
}

// RemoveTrajectory detaches the entity's trajectory, leaving it where the
// path last put it.
func (s *Session) RemoveTrajectory(ctx context.Context, key string) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	tr, ok := s.scene.TrajectoryOf(key)
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrNoTrajectory, key)
	}
	h := tr.Handle()
	snap, err := s.target(ctx).RemoveTrajectory(key)
	if err != nil {
		return err
	}
	s.history.Record(&command.Command{Kind: command.DeleteTrajectory, Subject: e, Trajectory: &snap, Handle: h})
	return nil
}

// AddCone attaches a new cone to a point source.
func (s *Session) AddCone(ctx context.Context, key string, p scene.ConeParams) (*scene.Cone, error) {
	e, err := s.entity(key)
	if err != nil {
		return nil, err
	}
	if e.Kind != scene.PointSource {
		return nil, fmt.Errorf("cones need a point source, %s is %s", key, e.Kind)
	}
	coneKey := uuid.NewString()
	if s.Online() && e.ID != "" {
		coneKey = s.publisher.PushCone(e.ID)
	}
	c := &scene.Cone{Key: coneKey}
	c.Apply(p)
	if err := s.target(ctx).RestoreCone(key, c); err != nil {
		return nil, err
	}
	s.history.Record(&command.Command{Kind: command.CreateCone, Subject: e, Cone: c})
	if p.Sound != "" {
		if err := s.engine.RequestSound(key, coneKey, p.Sound); err != nil {
			return c, err
		}
	}
	return c, nil
}

// RemoveCone detaches a cone.
func (s *Session) RemoveCone(ctx context.Context, key, coneKey string) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	c, ok := e.Cone(coneKey)
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrConeNotFound, coneKey)
	}
	if err := s.target(ctx).RemoveCone(key, coneKey); err != nil {
		return err
	}
	s.history.Record(&command.Command{Kind: command.DeleteCone, Subject: e, Cone: c})
	return nil
}

// Move drags an entity. A trajectory moves with its owner. Intermediate
// positions are throttled; final forces the write.
func (s *Session) Move(ctx context.Context, key string, pos geo.Vec3, final bool) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	delta := pos.Sub(e.Position)
	e.Position = pos
	if tr, ok := s.scene.TrajectoryOf(key); ok {
		if err := tr.SetPoints(geo.Offset(tr.Points(), delta)); err != nil {
			return err
		}
		s.scene.Touch(e)
		if !final {
			return nil
		}
		return s.publishTrajectory(ctx, e, tr)
	}
	s.scene.Touch(e)
	if !s.Online() {
		return nil
	}
	_, err = s.publisher.Position(ctx, e, final)
	return err
}

// MoveAvatar moves the local head. While a path drives the head the path
// moves with it; otherwise the position is published at the throttled rate.
func (s *Session) MoveAvatar(ctx context.Context, pos geo.Vec3) error {
	if _, ok := s.scene.TrajectoryOf(s.avatar.Key); ok {
		return s.Move(ctx, s.avatar.Key, pos, true)
	}
	s.avatar.Position = pos
	s.scene.Touch(s.avatar)
	if !s.Online() {
		return nil
	}
	_, err := s.publisher.AvatarPosition(ctx, pos)
	return err
}

// SetSpeed changes trajectory speed, clamped to the allowed range.
func (s *Session) SetSpeed(ctx context.Context, key string, speed float64) error {
	e, tr, err := s.withTrajectory(key)
	if err != nil {
		return err
	}
	tr.SetSpeed(speed)
	if !s.Online() {
		return nil
	}
	return s.publisher.Speed(ctx, e, tr.Speed())
}

// Seek moves the trajectory clock without resending the path.
func (s *Session) Seek(ctx context.Context, key string, clock float64) error {
	e, tr, err := s.withTrajectory(key)
	if err != nil {
		return err
	}
	tr.Seek(clock)
	e.Position = tr.Sample().Position
	s.scene.Touch(e)
	if !s.Online() {
		return nil
	}
	return s.publisher.Seek(ctx, e, tr.Clock())
}

// SetVolume changes an entity's volume.
func (s *Session) SetVolume(ctx context.Context, key string, volume float64) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	e.Volume = volume
	s.scene.Touch(e)
	if !s.Online() {
		return nil
	}
	return s.publisher.Fields(ctx, e, map[string]any{"volume": volume})
}

// SetSound attaches a sound resource by name. An empty name disconnects it.
func (s *Session) SetSound(ctx context.Context, key, name string) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	if err := s.engine.RequestSound(key, "", name); err != nil {
		return err
	}
	if !s.Online() {
		return nil
	}
	var value any = name
	if name == "" {
		value = nil
	}
	return s.publisher.Fields(ctx, e, map[string]any{"sound": value})
}

// SetEntityPlaying pauses or resumes one entity.
func (s *Session) SetEntityPlaying(ctx context.Context, key string, playing bool) error {
	e, err := s.entity(key)
	if err != nil {
		return err
	}
	if err := s.engine.Mute(key, !playing); err != nil {
		return err
	}
	if !s.Online() {
		return nil
	}
	return s.publisher.Fields(ctx, e, map[string]any{"isPlaying": playing})
}

// SetPlaying starts or stops the shared transport.
func (s *Session) SetPlaying(ctx context.Context, playing bool) error {
	s.engine.SetPlaying(playing)
	if !s.Online() {
		return nil
	}
	return s.publisher.Playing(ctx, playing)
}

// EnterEdit takes edit focus on an entity. Remote motion updates for it are
// held until ExitEdit.
func (s *Session) EnterEdit(key string) error {
	return s.engine.AcquireFocus(key)
}

// ExitEdit releases edit focus and applies the latest held update.
func (s *Session) ExitEdit() {
	if key, applied := s.engine.ReleaseFocus(); applied {
		s.logger.Debug("remote update applied after edit", "entity", key)
	}
}

// Undo reverts the latest applicable structural edit.
func (s *Session) Undo(ctx context.Context) (*command.Command, error) {
	return s.history.Undo(s.target(ctx))
}

// Redo reapplies the latest undone edit.
func (s *Session) Redo(ctx context.Context) (*command.Command, error) {
	return s.history.Redo(s.target(ctx))
}

// Tick advances every trajectory once, the local head's included. The entity
// under edit focus is left where the editor put it.
func (s *Session) Tick() []*scene.Entity {
	return s.scene.Advance(s.engine.Playing(), s.context.Holds)
}

func (s *Session) withTrajectory(key string) (*scene.Entity, *scene.Trajectory, error) {
	e, err := s.entity(key)
	if err != nil {
		return nil, nil, err
	}
	tr, ok := s.scene.TrajectoryOf(key)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", scene.ErrNoTrajectory, key)
	}
	return e, tr, nil
}

func (s *Session) publishTrajectory(ctx context.Context, e *scene.Entity, tr *scene.Trajectory) error {
	if !s.Online() {
		return nil
	}
	return s.publisher.Trajectory(ctx, e, tr)
}

// IsNothingToDo reports whether err is an empty undo or redo stack.
func IsNothingToDo(err error) bool {
	return errors.Is(err, command.ErrNothingToUndo) || errors.Is(err, command.ErrNothingToRedo)
}
