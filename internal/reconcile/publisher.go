package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/storage"
)

// DefaultPublishRate limits continuous position writes per second.
const DefaultPublishRate = 20

// Publisher writes local changes to the store. Every write is stamped with
// the local client id so the echo is recognized when it comes back.
type Publisher struct {
	store   storage.Store
	self    string
	limiter *rate.Limiter
	heads   *rate.Limiter
}

// NewPublisher creates a publisher. perSecond bounds Position writes; zero
// uses DefaultPublishRate.
func NewPublisher(store storage.Store, self string, perSecond float64) *Publisher {
	if perSecond <= 0 {
		perSecond = DefaultPublishRate
	}
	return &Publisher{
		store:   store,
		self:    self,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		heads:   rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// CollectionOf is the top-level collection holding entities of kind k.
func CollectionOf(k scene.Kind) string {
	switch k {
	case scene.RegionSource:
		return storage.Zones
	case scene.Avatar:
		return storage.Users
	default:
		return storage.Objects
	}
}

// Push reserves a store key for a new entity.
func (p *Publisher) Push(k scene.Kind) string {
	return p.store.Push(CollectionOf(k))
}

// PushCone reserves a store key for a new cone.
func (p *Publisher) PushCone(objectID string) string {
	return p.store.Push(storage.Cones(objectID))
}

// Entity writes the whole record of a published entity.
func (p *Publisher) Entity(ctx context.Context, ent *scene.Entity, tr *scene.Trajectory) error {
	if ent.ID == "" {
		return fmt.Errorf("publishing %s: entity has no store id", ent.Key)
	}
	rec := RecordOf(ent, tr, p.self)
	if err := p.store.Set(ctx, CollectionOf(ent.Kind), ent.ID, rec); err != nil {
		return fmt.Errorf("publishing %s: %w", ent.ID, err)
	}
	return nil
}

// Remove deletes an entity and its nested cones.
func (p *Publisher) Remove(ctx context.Context, ent *scene.Entity) error {
	if ent.ID == "" {
		return nil
	}
	return p.store.Remove(ctx, CollectionOf(ent.Kind), ent.ID)
}

// Position writes a position change. Writes above the publish rate are
// dropped unless force is set; the final position of a drag must be forced.
func (p *Publisher) Position(ctx context.Context, ent *scene.Entity, force bool) (bool, error) {
	if ent.ID == "" {
		return false, nil
	}
	if !force && !p.limiter.Allow() {
		return false, nil
	}
	return true, p.update(ctx, ent, map[string]any{"position": ent.Position})
}

// Trajectory writes the path, speed and clock of an entity.
func (p *Publisher) Trajectory(ctx context.Context, ent *scene.Entity, tr *scene.Trajectory) error {
	return p.update(ctx, ent, map[string]any{
		"position":           ent.Position,
		"trajectory":         tr.Points(),
		"closed":             tr.Closed(),
		"speed":              tr.Speed(),
		"trajectoryPosition": tr.Clock(),
	})
}

// ClearTrajectory removes the trajectory fields and pins the position.
func (p *Publisher) ClearTrajectory(ctx context.Context, ent *scene.Entity) error {
	return p.update(ctx, ent, map[string]any{
		"position":           ent.Position,
		"trajectory":         nil,
		"closed":             nil,
		"speed":              nil,
		"trajectoryPosition": nil,
	})
}

// Speed writes a new trajectory speed.
func (p *Publisher) Speed(ctx context.Context, ent *scene.Entity, speed float64) error {
	return p.update(ctx, ent, map[string]any{"speed": speed})
}

// Seek writes a new trajectory clock.
func (p *Publisher) Seek(ctx context.Context, ent *scene.Entity, clock float64) error {
	return p.update(ctx, ent, map[string]any{"trajectoryPosition": clock})
}

// Fields writes arbitrary entity fields such as volume or sound.
func (p *Publisher) Fields(ctx context.Context, ent *scene.Entity, fields map[string]any) error {
	return p.update(ctx, ent, fields)
}

// Cone writes a cone record.
func (p *Publisher) Cone(ctx context.Context, parent *scene.Entity, c *scene.Cone) error {
	if parent.ID == "" {
		return nil
	}
	return p.store.Set(ctx, storage.Cones(parent.ID), c.Key, ConeRecordOf(parent.ID, c, p.self))
}

// RemoveCone deletes a cone record.
func (p *Publisher) RemoveCone(ctx context.Context, parent *scene.Entity, coneKey string) error {
	if parent.ID == "" {
		return nil
	}
	return p.store.Remove(ctx, storage.Cones(parent.ID), coneKey)
}

// Playing writes the shared transport state.
func (p *Publisher) Playing(ctx context.Context, playing bool) error {
	return p.store.Set(ctx, storage.Globals, GlobalState, GlobalRecord{IsPlaying: playing, LastEditorID: p.self})
}

// Avatar writes the local head, with its path when one drives it, and asks
// the store to drop it when this client disconnects.
func (p *Publisher) Avatar(ctx context.Context, head *scene.Entity, tr *scene.Trajectory) error {
	rec := RecordOf(head, tr, p.self)
	if err := p.store.Set(ctx, storage.Users, p.self, rec); err != nil {
		return err
	}
	return p.store.OnDisconnectRemove(ctx, storage.Users, p.self)
}

// AvatarPosition writes a throttled head position. It reports whether the
// write was sent.
func (p *Publisher) AvatarPosition(ctx context.Context, pos geo.Vec3) (bool, error) {
	if !p.heads.Allow() {
		return false, nil
	}
	return true, p.store.Update(ctx, storage.Users, p.self, map[string]any{"position": pos, "lastEditorId": p.self})
}

func (p *Publisher) update(ctx context.Context, ent *scene.Entity, fields map[string]any) error {
	if ent.ID == "" {
		return nil
	}
	fields["lastEditorId"] = p.self
	if err := p.store.Update(ctx, CollectionOf(ent.Kind), ent.ID, fields); err != nil {
		return fmt.Errorf("updating %s: %w", ent.ID, err)
	}
	return nil
}
