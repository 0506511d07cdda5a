package reconcile

import (
	"context"
	"fmt"

	"github.com/inviso/scenesync/internal/audio"
	"github.com/inviso/scenesync/internal/resource"
	"github.com/inviso/scenesync/internal/scene"
)

// slot is the sound bookkeeping shared by entities and cones.
type slot struct {
	name     *string
	state    **audio.State
	fetching *bool
	want     *string
	muted    bool
}

func entitySlot(ent *scene.Entity) slot {
	return slot{&ent.SoundName, &ent.Sound, &ent.Fetching, &ent.WantSound, ent.Muted}
}

func coneSlot(ent *scene.Entity, c *scene.Cone) slot {
	return slot{&c.SoundName, &c.Sound, &c.Fetching, &c.WantSound, ent.Muted}
}

func (e *Engine) applySound(ent *scene.Entity, rec EntityRecord) {
	if rec.IsPlaying != nil && ent.Muted == *rec.IsPlaying {
		e.mute(ent, !*rec.IsPlaying)
	}
	e.request(entitySlot(ent), resource.Target{Entity: ent.Key}, rec.Sound)
}

// request reconciles the sound name of a slot with the remote one. An empty
// name disconnects the sound. While a fetch is in flight only the latest
// requested name is remembered.
func (e *Engine) request(s slot, target resource.Target, name string) {
	if name == "" {
		if *s.name == "" && *s.want == "" {
			return
		}
		e.stop(*s.state)
		*s.state = nil
		*s.name = ""
		*s.want = ""
		return
	}
	if *s.fetching {
		*s.want = name
		return
	}
	if name == *s.name {
		return
	}
	e.fetch(s, target, name)
}

func (e *Engine) fetch(s slot, target resource.Target, name string) {
	*s.want = name
	if e.loader == nil {
		return
	}
	*s.fetching = true
	e.loader.Start(target, name)
}

func (e *Engine) stop(st *audio.State) {
	if st == nil || !st.Playing() {
		return
	}
	st.Pause(e.now())
	if err := e.player.Stop(st.Handle); err != nil {
		e.logger.Warn("stop failed", "sound", st.Name, "error", err)
	}
}

// ApplyFetch installs a completed resource fetch. Results for targets that
// are gone, or for names superseded while the fetch ran, are dropped.
func (e *Engine) ApplyFetch(ctx context.Context, res resource.Result) (Outcome, error) {
	ent, ok := e.scene.Get(res.Target.Entity)
	if !ok {
		e.logger.Debug("fetch completed for missing entity", "target", res.Target.String(), "name", res.Name)
		return Ignored, nil
	}
	s := entitySlot(ent)
	if res.Target.Cone != "" {
		c, ok := ent.Cone(res.Target.Cone)
		if !ok {
			e.logger.Debug("fetch completed for missing cone", "target", res.Target.String(), "name", res.Name)
			return Ignored, nil
		}
		s = coneSlot(ent, c)
	}

	*s.fetching = false
	if *s.want != res.Name {
		// superseded while in flight
		if *s.want != "" && *s.want != *s.name {
			e.fetch(s, res.Target, *s.want)
		}
		return Ignored, nil
	}
	*s.want = ""
	if res.Err != nil {
		return Rejected, res.Err
	}

	h, duration, err := e.player.Load(ctx, res.Name, res.Data)
	if err != nil {
		return Rejected, fmt.Errorf("%w: loading %s: %v", resource.ErrFetchFailed, res.Name, err)
	}
	e.stop(*s.state)
	st := audio.NewState(res.Name, h, duration)
	*s.state = st
	*s.name = res.Name
	e.syncSound(st, e.playing && !s.muted, e.now())
	e.scene.Touch(ent)
	return Applied, nil
}

// RequestSound loads name for a local entity, or one of its cones when
// coneKey is set. An empty name disconnects the sound.
func (e *Engine) RequestSound(key, coneKey, name string) error {
	ent, ok := e.scene.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrEntityNotFound, key)
	}
	if coneKey == "" {
		e.request(entitySlot(ent), resource.Target{Entity: key}, name)
		return nil
	}
	c, ok := ent.Cone(coneKey)
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrConeNotFound, coneKey)
	}
	e.request(coneSlot(ent, c), resource.Target{Entity: key, Cone: coneKey}, name)
	return nil
}

// Mute pauses or resumes one entity together with its cones.
func (e *Engine) Mute(key string, muted bool) error {
	ent, ok := e.scene.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrEntityNotFound, key)
	}
	e.mute(ent, muted)
	e.scene.Touch(ent)
	return nil
}

func (e *Engine) mute(ent *scene.Entity, muted bool) {
	ent.Muted = muted
	now := e.now()
	e.syncSound(ent.Sound, e.playing && !muted, now)
	for _, c := range ent.Cones {
		e.syncSound(c.Sound, e.playing && !muted, now)
	}
}
