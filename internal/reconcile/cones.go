package reconcile

import (
	"fmt"

	"github.com/inviso/scenesync/internal/resource"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/storage"
)

// WatchCones subscribes to the cones of a published object. Calling it
// again for the same object is a no-op.
func (e *Engine) WatchCones(objectID string) {
	if e.watch == nil || objectID == "" {
		return
	}
	if _, ok := e.coneSubs[objectID]; ok {
		return
	}
	cancel, err := e.watch(storage.Cones(objectID))
	if err != nil {
		e.logger.Warn("subscribing to cones", "object", objectID, "error", err)
		return
	}
	e.coneSubs[objectID] = cancel
	e.adopt(objectID)
}

// adopt replays cone events that arrived before their parent.
func (e *Engine) adopt(objectID string) {
	pending := e.orphans[objectID]
	delete(e.orphans, objectID)
	for _, ev := range pending {
		if _, err := e.Handle(ev); err != nil {
			e.logger.Debug("replaying orphan cone", "object", objectID, "cone", ev.Key, "error", err)
		}
	}
}

func (e *Engine) orphan(objectID string, ev storage.Event) {
	list := e.orphans[objectID]
	for i := range list {
		if list[i].Key == ev.Key {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if ev.Type != storage.ChildRemoved {
		list = append(list, ev)
	}
	if len(list) == 0 {
		delete(e.orphans, objectID)
		return
	}
	e.orphans[objectID] = list
}

func (e *Engine) handleCone(objectID string, ev storage.Event) (Outcome, error) {
	parent, ok := e.scene.ByID(objectID)
	if !ok {
		e.orphan(objectID, ev)
		return Held, nil
	}
	cone, exists := parent.Cone(ev.Key)

	if ev.Type == storage.ChildRemoved {
		delete(parent.PendingCones, ev.Key)
		if !exists {
			return Ignored, nil
		}
		e.stop(cone.Sound)
		if _, err := e.scene.RemoveCone(parent.Key, ev.Key); err != nil {
			return Rejected, err
		}
		return Applied, nil
	}

	var rec ConeRecord
	if err := ev.Decode(&rec); err != nil {
		return Rejected, fmt.Errorf("decoding cone %s: %w", ev.Key, err)
	}

	if !exists {
		if ev.Type == storage.ChildChanged && !e.ctx.IsSelf(rec.LastEditorID) {
			if parent.PendingCones == nil {
				parent.PendingCones = make(map[string]scene.ConeParams)
			}
			parent.PendingCones[ev.Key] = rec.params()
			return Held, nil
		}
		params := rec.params()
		if p, ok := parent.PendingCones[ev.Key]; ok {
			params = p
		}
		cone = &scene.Cone{Key: ev.Key, LastEditorID: rec.LastEditorID}
		cone.Apply(params)
		if err := e.scene.AddCone(parent.Key, cone); err != nil {
			return Rejected, err
		}
		e.request(coneSlot(parent, cone), resource.Target{Entity: parent.Key, Cone: cone.Key}, params.Sound)
		return Applied, nil
	}

	if e.ctx.IsSelf(rec.LastEditorID) {
		return Suppressed, nil
	}
	cone.LastEditorID = rec.LastEditorID
	cone.Apply(rec.params())
	e.request(coneSlot(parent, cone), resource.Target{Entity: parent.Key, Cone: cone.Key}, rec.Sound)
	e.scene.Touch(parent)
	return Applied, nil
}

func (e *Engine) handleGlobal(ev storage.Event) (Outcome, error) {
	if ev.Key != GlobalState || ev.Type == storage.ChildRemoved {
		return Ignored, nil
	}
	var rec GlobalRecord
	if err := ev.Decode(&rec); err != nil {
		return Rejected, fmt.Errorf("decoding globals: %w", err)
	}
	if e.ctx.IsSelf(rec.LastEditorID) {
		return Suppressed, nil
	}
	if rec.IsPlaying == e.playing {
		return Ignored, nil
	}
	e.SetPlaying(rec.IsPlaying)
	return Applied, nil
}
