// Package reconcile applies remote store events to the local scene. It
// suppresses echoes of this client's own writes, defers motion updates for
// the entity being edited, and removes entities together with their
// trajectories.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inviso/scenesync/internal/audio"
	"github.com/inviso/scenesync/internal/resource"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/storage"
)

// pathTolerance is the per-axis slack when comparing control points.
const pathTolerance = 1e-6

// Loader starts asynchronous resource fetches.
type Loader interface {
	Start(target resource.Target, name string)
}

// Validator checks a record before it is applied.
type Validator interface {
	Validate(collection string, data []byte) error
}

// Watcher subscribes the session to another collection. The returned
// function cancels the subscription.
type Watcher func(collection string) (func(), error)

// Hooks let the session react to changes the engine makes on its own.
type Hooks struct {
	// TrajectoryAttached runs when a remote update gives an entity a new
	// trajectory object.
	TrajectoryAttached func(key string, h scene.TrajectoryHandle)

	// FocusLost runs when the focused entity is removed remotely.
	FocusLost func(key string)

	// PlaybackChanged runs when the shared transport starts or stops.
	PlaybackChanged func(playing bool)
}

// Config wires an Engine.
type Config struct {
	Context   *Context
	Scene     *scene.Scene
	Loader    Loader
	Player    audio.Player
	Validator Validator
	Watch     Watcher
	Hooks     Hooks
	Logger    *slog.Logger
	Now       func() time.Time

	// ArcLengthSamples is used for trajectories built from remote records.
	ArcLengthSamples int
}

// Outcome classifies what happened to an inbound event.
type Outcome string

const (
	Applied    Outcome = "applied"
	Suppressed Outcome = "suppressed"
	Held       Outcome = "deferred"
	Ignored    Outcome = "ignored"
	Rejected   Outcome = "rejected"
)

// Stats counts event outcomes since the engine was created.
type Stats struct {
	Applied    uint64
	Suppressed uint64
	Deferred   uint64
	Ignored    uint64
	Rejected   uint64
}

// Engine must only be used from the session loop.
type Engine struct {
	ctx       *Context
	scene     *scene.Scene
	loader    Loader
	player    audio.Player
	validator Validator
	watch     Watcher
	hooks     Hooks
	logger    *slog.Logger
	now       func() time.Time
	samples   int

	playing bool

	// cones that arrived before their parent, keyed by parent store id
	orphans map[string][]storage.Event
	// cone subscriptions, keyed by parent store id
	coneSubs map[string]func()

	applied, suppressed, deferred, ignored, rejected atomic.Uint64
	events                                           metric.Int64Counter
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Context == nil || cfg.Scene == nil {
		return nil, errors.New("reconcile: context and scene are required")
	}
	e := &Engine{
		ctx:       cfg.Context,
		scene:     cfg.Scene,
		loader:    cfg.Loader,
		player:    cfg.Player,
		validator: cfg.Validator,
		watch:     cfg.Watch,
		hooks:     cfg.Hooks,
		logger:    cfg.Logger,
		now:       cfg.Now,
		samples:   cfg.ArcLengthSamples,
		orphans:   make(map[string][]storage.Event),
		coneSubs:  make(map[string]func()),
	}
	if e.player == nil {
		e.player = audio.NopPlayer{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.samples <= 0 {
		e.samples = scene.DefaultArcLengthSamples
	}

	var err error
	e.events, err = meter().Int64Counter(
		"reconcile.events",
		metric.WithDescription("Inbound store events by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events counter: %w", err)
	}
	return e, nil
}

// Context returns the session context the engine consults.
func (e *Engine) Context() *Context { return e.ctx }

// Stats returns the outcome counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Applied:    e.applied.Load(),
		Suppressed: e.suppressed.Load(),
		Deferred:   e.deferred.Load(),
		Ignored:    e.ignored.Load(),
		Rejected:   e.rejected.Load(),
	}
}

// Fields flattens the counters for telemetry.
func (s Stats) Fields() map[string]any {
	return map[string]any{
		"applied":    s.Applied,
		"suppressed": s.Suppressed,
		"deferred":   s.Deferred,
		"ignored":    s.Ignored,
		"rejected":   s.Rejected,
	}
}

// Playing reports the shared transport state.
func (e *Engine) Playing() bool { return e.playing }

func (e *Engine) count(o Outcome, ev storage.Event) {
	switch o {
	case Applied:
		e.applied.Add(1)
	case Suppressed:
		e.suppressed.Add(1)
	case Held:
		e.deferred.Add(1)
	case Ignored:
		e.ignored.Add(1)
	case Rejected:
		e.rejected.Add(1)
	}
	e.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", string(o)),
		attribute.String("type", ev.Type.String()),
	))
}

// Handle applies one store event.
func (e *Engine) Handle(ev storage.Event) (Outcome, error) {
	if e.validator != nil && ev.Type != storage.ChildRemoved {
		if err := e.validator.Validate(ev.Collection, ev.Data); err != nil {
			e.count(Rejected, ev)
			return Rejected, err
		}
	}

	var (
		o   Outcome
		err error
	)
	switch {
	case ev.Collection == storage.Objects:
		o, err = e.handleObject(ev)
	case ev.Collection == storage.Zones:
		o, err = e.handleZone(ev)
	case ev.Collection == storage.Users:
		o, err = e.handleUser(ev)
	case ev.Collection == storage.Globals:
		o, err = e.handleGlobal(ev)
	case strings.HasSuffix(ev.Collection, "/cones"):
		parent, key, ok := storage.ParentOf(ev.Collection)
		if !ok || parent != storage.Objects {
			o = Ignored
			break
		}
		o, err = e.handleCone(key, ev)
	default:
		o = Ignored
	}
	if err != nil {
		o = Rejected
	}
	e.count(o, ev)
	if o != Ignored {
		e.logger.Debug("store event", "type", ev.Type.String(), "collection", ev.Collection, "key", ev.Key, "outcome", string(o))
	}
	return o, err
}

// AcquireFocus starts a local edit of the entity. Any other focused entity
// is released first and its deferred state applied.
func (e *Engine) AcquireFocus(key string) error {
	if !e.scene.Has(key) {
		return fmt.Errorf("%w: %s", scene.ErrEntityNotFound, key)
	}
	if _, held := e.ctx.Focused(); held && !e.ctx.Holds(key) {
		e.ReleaseFocus()
	}
	e.ctx.AcquireFocus(key)
	return nil
}

// ReleaseFocus ends the local edit and applies the latest update that was
// deferred while it lasted.
func (e *Engine) ReleaseFocus() (string, bool) {
	key, d, ok := e.ctx.ReleaseFocus()
	if key == "" {
		return "", false
	}
	if !ok {
		return key, false
	}
	ent, exists := e.scene.Get(key)
	if !exists {
		return key, false
	}
	e.applyMotion(ent, d)
	e.logger.Debug("applied deferred update", "entity", key, "kind", d.Kind.String())
	return key, true
}

// SetPlaying starts or stops every loaded sound.
func (e *Engine) SetPlaying(playing bool) {
	if e.playing == playing {
		return
	}
	e.playing = playing
	now := e.now()
	for _, ent := range e.scene.Entities() {
		audible := playing && !ent.Muted
		e.syncSound(ent.Sound, audible, now)
		for _, c := range ent.Cones {
			e.syncSound(c.Sound, audible, now)
		}
	}
	if e.hooks.PlaybackChanged != nil {
		e.hooks.PlaybackChanged(playing)
	}
}

func (e *Engine) syncSound(s *audio.State, playing bool, now time.Time) {
	if s == nil || s.Playing() == playing {
		return
	}
	if playing {
		offset := s.Start(now)
		if err := e.player.Play(s.Handle, offset); err != nil {
			e.logger.Warn("play failed", "sound", s.Name, "error", err)
		}
		return
	}
	s.Pause(now)
	if err := e.player.Stop(s.Handle); err != nil {
		e.logger.Warn("stop failed", "sound", s.Name, "error", err)
	}
}

// Close cancels cone subscriptions.
func (e *Engine) Close() {
	for id, cancel := range e.coneSubs {
		cancel()
		delete(e.coneSubs, id)
	}
}
