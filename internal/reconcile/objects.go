package reconcile

import (
	"fmt"

	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/storage"
)

func (e *Engine) handleObject(ev storage.Event) (Outcome, error) {
	return e.handleEntity(ev, scene.PointSource)
}

func (e *Engine) handleZone(ev storage.Event) (Outcome, error) {
	return e.handleEntity(ev, scene.RegionSource)
}

func (e *Engine) handleUser(ev storage.Event) (Outcome, error) {
	// the local avatar is driven by this client only
	if ev.Key == e.ctx.Self() {
		return Ignored, nil
	}
	return e.handleEntity(ev, scene.Avatar)
}

func (e *Engine) handleEntity(ev storage.Event, kind scene.Kind) (Outcome, error) {
	ent, exists := e.scene.ByID(ev.Key)

	if ev.Type == storage.ChildRemoved {
		if !exists {
			return Ignored, nil
		}
		e.remove(ent, true)
		return Applied, nil
	}

	var rec EntityRecord
	if err := ev.Decode(&rec); err != nil {
		return Rejected, fmt.Errorf("decoding %s/%s: %w", ev.Collection, ev.Key, err)
	}

	if !exists {
		// unknown children are always materialized, even when this client
		// wrote them in an earlier connection
		return e.create(ev, kind, rec)
	}
	if e.ctx.IsSelf(rec.LastEditorID) {
		return Suppressed, nil
	}
	return e.update(ent, rec), nil
}

func (e *Engine) create(ev storage.Event, kind scene.Kind, rec EntityRecord) (Outcome, error) {
	if rec.Type != "" && kind == scene.PointSource {
		k, err := scene.ParseKind(rec.Type)
		if err != nil {
			return Rejected, err
		}
		kind = k
	}
	var pos geo.Vec3
	if rec.Position != nil {
		pos = *rec.Position
	}
	ent := scene.NewEntity(ev.Key, kind, pos)
	ent.ID = ev.Key
	ent.LastEditorID = rec.LastEditorID
	if err := e.scene.Add(ent); err != nil {
		return Rejected, err
	}
	e.applyFields(ent, rec)

	if len(rec.Trajectory) >= 2 {
		e.attach(ent, rec.Trajectory, rec.Closed, rec.Speed, rec.TrajectoryPosition)
	}
	e.applySound(ent, rec)
	e.scene.Touch(ent)

	if kind == scene.PointSource {
		e.WatchCones(ent.ID)
	}
	return Applied, nil
}

// update applies a remote change to an existing entity, field by field.
func (e *Engine) update(ent *scene.Entity, rec EntityRecord) Outcome {
	ent.LastEditorID = rec.LastEditorID
	outcome := Applied
	if e.reconcileMotion(ent, rec) {
		outcome = Held
	}
	e.applyFields(ent, rec)
	e.applySound(ent, rec)
	e.scene.Touch(ent)
	return outcome
}

// reconcileMotion applies the position and trajectory parts of rec. It
// reports whether they were deferred because the entity is being edited.
func (e *Engine) reconcileMotion(ent *scene.Entity, rec EntityRecord) bool {
	local, hasLocal := e.scene.TrajectoryOf(ent.Key)
	hasRemote := len(rec.Trajectory) >= 2

	held := e.ctx.Holds(ent.Key)
	var d Deferred
	switch {
	case !hasLocal && !hasRemote:
		if rec.Position == nil || ent.Position.ApproxEqual(*rec.Position, pathTolerance) {
			// the latest remote state matches local, so nothing is left to release
			if held {
				e.ctx.Settle(ent.Key)
			}
			return false
		}
		d = Deferred{Kind: DeferPosition, Position: rec.Position}
	case !hasLocal && hasRemote:
		d = Deferred{Kind: DeferNewPath, Points: rec.Trajectory, Closed: rec.Closed, Speed: rec.Speed}
	case hasLocal && !hasRemote:
		d = Deferred{Kind: DeferRemovePath, Position: rec.Position}
	default:
		structural := !geo.PathsEqual(local.Points(), rec.Trajectory, pathTolerance) || local.Closed() != rec.Closed
		if held {
			if structural {
				e.ctx.Defer(ent.Key, Deferred{Kind: DeferPath, Points: rec.Trajectory, Closed: rec.Closed, Speed: rec.Speed})
				return true
			}
			e.ctx.Settle(ent.Key)
			e.applySpeed(local, rec.Speed)
			return false
		}
		if structural {
			e.reshape(ent, local, rec.Trajectory, rec.Closed)
		}
		e.applySpeed(local, rec.Speed)
		// a seek only applies when the path itself did not change
		if !structural && rec.TrajectoryPosition != nil && *rec.TrajectoryPosition != local.Clock() {
			local.Seek(*rec.TrajectoryPosition)
			ent.Position = local.Sample().Position
		}
		return false
	}

	if held {
		e.ctx.Defer(ent.Key, d)
		return true
	}
	e.applyMotion(ent, d)
	if d.Kind == DeferNewPath && rec.TrajectoryPosition != nil {
		if tr, ok := e.scene.TrajectoryOf(ent.Key); ok {
			tr.Seek(*rec.TrajectoryPosition)
		}
	}
	return false
}

// applyMotion brings the entity to the motion state d. It is used both for
// live updates and for deferred ones released with the focus.
func (e *Engine) applyMotion(ent *scene.Entity, d Deferred) {
	local, hasLocal := e.scene.TrajectoryOf(ent.Key)

	if len(d.Points) < 2 {
		if hasLocal {
			if _, err := e.scene.Detach(ent.Key); err != nil {
				e.logger.Warn("detaching trajectory", "entity", ent.Key, "error", err)
			}
		}
		if d.Position != nil {
			ent.Position = *d.Position
		}
		e.scene.Touch(ent)
		return
	}

	if !hasLocal {
		e.attach(ent, d.Points, d.Closed, d.Speed, nil)
		return
	}
	e.reshape(ent, local, d.Points, d.Closed)
	e.applySpeed(local, d.Speed)
}

func (e *Engine) attach(ent *scene.Entity, points []geo.Vec3, closed bool, speed, clock *float64) {
	s := scene.DefaultSpeed
	if speed != nil {
		s = *speed
	}
	tr, err := scene.NewTrajectory(points, closed, s)
	if err != nil {
		e.logger.Warn("building remote trajectory", "entity", ent.Key, "points", len(points), "error", err)
		return
	}
	tr.SetSamples(e.samples)
	if clock != nil {
		tr.Seek(*clock)
	}
	h, err := e.scene.Attach(ent.Key, tr)
	if err != nil {
		e.logger.Warn("attaching remote trajectory", "entity", ent.Key, "error", err)
		return
	}
	if e.hooks.TrajectoryAttached != nil {
		e.hooks.TrajectoryAttached(ent.Key, h)
	}
}

func (e *Engine) reshape(ent *scene.Entity, tr *scene.Trajectory, points []geo.Vec3, closed bool) {
	if tr.Closed() != closed {
		tr.SetClosed(closed)
	}
	if geo.PathsEqual(tr.Points(), points, pathTolerance) {
		return
	}
	if err := tr.SetPoints(points); err != nil {
		e.logger.Warn("replacing control points", "entity", ent.Key, "error", err)
		return
	}
	ent.Position = tr.Sample().Position
}

func (e *Engine) applySpeed(tr *scene.Trajectory, speed *float64) {
	if speed == nil {
		return
	}
	if s := scene.ClampSpeed(*speed); s != tr.Speed() {
		tr.SetSpeed(s)
	}
}

// applyFields copies the plain per-kind fields.
func (e *Engine) applyFields(ent *scene.Entity, rec EntityRecord) {
	if rec.Volume != nil {
		ent.Volume = *rec.Volume
	}
	if rec.Rotation != nil {
		ent.Rotation = *rec.Rotation
	}
	if ent.Kind != scene.RegionSource {
		return
	}
	if rec.Scale != nil {
		ent.Scale = *rec.Scale
	}
	if len(rec.Zone) >= 3 {
		change := geo.DiffBoundary(ent.Boundary, rec.Zone, geo.BoundaryTolerance)
		if change.Type != geo.Unchanged {
			ent.Boundary = append([]geo.Vec3(nil), rec.Zone...)
			e.logger.Debug("zone boundary changed", "entity", ent.Key, "change", change.Type.String(), "index", change.Index)
		}
	}
}

// remove deletes an entity together with its trajectory, cones, sounds and
// any focus or deferral kept for it.
func (e *Engine) remove(ent *scene.Entity, remote bool) {
	if cancel, ok := e.coneSubs[ent.ID]; ok {
		cancel()
		delete(e.coneSubs, ent.ID)
	}
	delete(e.orphans, ent.ID)

	e.stop(ent.Sound)
	for _, c := range ent.Cones {
		e.stop(c.Sound)
	}

	if e.ctx.Drop(ent.Key) && remote && e.hooks.FocusLost != nil {
		e.hooks.FocusLost(ent.Key)
	}
	if _, err := e.scene.Remove(ent.Key); err != nil {
		e.logger.Warn("removing entity", "entity", ent.Key, "error", err)
	}
}

// Forget removes an entity with the same cascade as a remote removal but
// without raising FocusLost. It reports whether the entity existed.
func (e *Engine) Forget(key string) bool {
	ent, ok := e.scene.Get(key)
	if ok {
		e.remove(ent, false)
	}
	return ok
}
