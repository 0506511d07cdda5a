package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/resource"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/schema"
	"github.com/inviso/scenesync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	started []string
}

func (l *fakeLoader) Start(target resource.Target, name string) {
	l.started = append(l.started, target.String()+":"+name)
}

type harness struct {
	engine  *Engine
	scene   *scene.Scene
	loader  *fakeLoader
	watched []string
	lost    []string
	rebound []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{scene: scene.New(nil), loader: &fakeLoader{}}
	e, err := New(Config{
		Context: NewContext("me"),
		Scene:   h.scene,
		Loader:  h.loader,
		Watch: func(collection string) (func(), error) {
			h.watched = append(h.watched, collection)
			return func() {}, nil
		},
		Hooks: Hooks{
			FocusLost:          func(key string) { h.lost = append(h.lost, key) },
			TrajectoryAttached: func(key string, _ scene.TrajectoryHandle) { h.rebound = append(h.rebound, key) },
		},
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func event(t *testing.T, typ storage.EventType, collection, key string, v any) storage.Event {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return storage.Event{Type: typ, Collection: collection, Key: key, Data: data}
}

func (h *harness) handle(t *testing.T, typ storage.EventType, collection, key string, v any) Outcome {
	t.Helper()
	o, err := h.engine.Handle(event(t, typ, collection, key, v))
	require.NoError(t, err)
	return o
}

func at(x, y, z float64) *geo.Vec3 { return &geo.Vec3{X: x, Y: y, Z: z} }

var line = []geo.Vec3{{X: 0}, {X: 100}}

func TestEngine_ChildAddedCreatesEntity(t *testing.T) {
	h := newHarness(t)
	o := h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{
		Type: "PointSource", Position: at(1, 2, 3), Volume: ptr(0.5), LastEditorID: "you",
	})
	assert.Equal(t, Applied, o)

	ent, ok := h.scene.ByID("o1")
	require.True(t, ok)
	assert.Equal(t, geo.Vec3{X: 1, Y: 2, Z: 3}, ent.Position)
	assert.Equal(t, 0.5, ent.Volume)
	assert.Equal(t, []string{storage.Cones("o1")}, h.watched)
}

func TestEngine_EchoIsSuppressed(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), LastEditorID: "you"})

	o := h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(5, 0, 0), LastEditorID: "me"})
	assert.Equal(t, Suppressed, o)
	ent, _ := h.scene.ByID("o1")
	assert.Equal(t, geo.Vec3{}, ent.Position)
	assert.Equal(t, uint64(1), h.engine.Stats().Suppressed)
}

func TestEngine_PositionOnlyChange(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(4, 5, 6), LastEditorID: "you"})

	ent, _ := h.scene.ByID("o1")
	assert.Equal(t, geo.Vec3{X: 4, Y: 5, Z: 6}, ent.Position)
	assert.Equal(t, "you", ent.LastEditorID)
}

func TestEngine_FocusDefersToLatest(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	require.NoError(t, h.engine.AcquireFocus("o1"))

	for i := 1; i <= 3; i++ {
		o := h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(float64(i), 0, 0), LastEditorID: "you"})
		assert.Equal(t, Held, o)
	}
	ent, _ := h.scene.ByID("o1")
	assert.Equal(t, geo.Vec3{}, ent.Position)

	d, ok := h.engine.Context().Pending("o1")
	require.True(t, ok)
	assert.Equal(t, 3.0, d.Position.X)

	key, applied := h.engine.ReleaseFocus()
	assert.Equal(t, "o1", key)
	assert.True(t, applied)
	assert.Equal(t, geo.Vec3{X: 3}, ent.Position)
	_, ok = h.engine.Context().Pending("o1")
	assert.False(t, ok)
}

func TestEngine_FocusReturnToLocalClearsDeferral(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	require.NoError(t, h.engine.AcquireFocus("o1"))

	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(5, 0, 0), LastEditorID: "you"})
	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), LastEditorID: "you"})
	_, ok := h.engine.Context().Pending("o1")
	assert.False(t, ok)

	_, applied := h.engine.ReleaseFocus()
	assert.False(t, applied)
	ent, _ := h.scene.ByID("o1")
	assert.Equal(t, geo.Vec3{}, ent.Position)
}

func TestEngine_FocusPathRestoredKeepsTrajectory(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line})
	require.NoError(t, h.engine.AcquireFocus("o1"))

	o := h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(3, 0, 0), LastEditorID: "you"})
	assert.Equal(t, Held, o)
	d, ok := h.engine.Context().Pending("o1")
	require.True(t, ok)
	assert.Equal(t, DeferRemovePath, d.Kind)

	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line, LastEditorID: "you"})
	_, ok = h.engine.Context().Pending("o1")
	assert.False(t, ok)

	h.engine.ReleaseFocus()
	tr, ok := h.scene.TrajectoryOf("o1")
	require.True(t, ok)
	assert.Equal(t, line, tr.Points())
}

func TestEngine_DeferredNewPathAppliedOnRelease(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	require.NoError(t, h.engine.AcquireFocus("o1"))

	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line, Speed: ptr(10.0), LastEditorID: "you"})
	_, ok := h.scene.TrajectoryOf("o1")
	assert.False(t, ok)

	h.engine.ReleaseFocus()
	tr, ok := h.scene.TrajectoryOf("o1")
	require.True(t, ok)
	assert.Equal(t, line, tr.Points())
}

func TestEngine_RemoteTrajectoryAppears(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{
		Position: at(0, 0, 0), Trajectory: line, Speed: ptr(20.0), TrajectoryPosition: ptr(0.5), LastEditorID: "you",
	})

	tr, ok := h.scene.TrajectoryOf("o1")
	require.True(t, ok)
	assert.Equal(t, "o1", tr.Owner())
	assert.Equal(t, 20.0, tr.Speed())
	assert.InDelta(t, 0.5, tr.Clock(), 1e-9)
	assert.Equal(t, []string{"o1"}, h.rebound)
}

func TestEngine_RemoteTrajectoryRemoved(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line})
	_, ok := h.scene.TrajectoryOf("o1")
	require.True(t, ok)

	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Position: at(7, 0, 0), LastEditorID: "you"})
	_, ok = h.scene.TrajectoryOf("o1")
	assert.False(t, ok)
	ent, _ := h.scene.ByID("o1")
	assert.Equal(t, geo.Vec3{X: 7}, ent.Position)
}

func TestEngine_ControlPointsReplacedInPlace(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line, TrajectoryPosition: ptr(0.3)})
	before, _ := h.scene.TrajectoryOf("o1")
	handle := before.Handle()
	inc := before.Increment()

	longer := []geo.Vec3{{X: 0}, {X: 200}}
	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Trajectory: longer, TrajectoryPosition: ptr(0.9), LastEditorID: "you"})

	after, ok := h.scene.TrajectoryOf("o1")
	require.True(t, ok)
	assert.Equal(t, handle, after.Handle())
	assert.Equal(t, longer, after.Points())
	assert.Less(t, after.Increment(), inc)
	// the clock is not seeked together with a reshape
	assert.InDelta(t, 0.3, after.Clock(), 1e-9)
}

func TestEngine_SpeedClampedAndSeek(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line})

	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Trajectory: line, Speed: ptr(500.0), LastEditorID: "you"})
	tr, _ := h.scene.TrajectoryOf("o1")
	assert.Equal(t, scene.MaxSpeed, tr.Speed())
	assert.Zero(t, tr.Clock())

	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Trajectory: line, TrajectoryPosition: ptr(0.25), LastEditorID: "you"})
	assert.InDelta(t, 0.25, tr.Clock(), 1e-9)
}

func TestEngine_RemovalCascades(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Trajectory: line})
	tr, _ := h.scene.TrajectoryOf("o1")
	handle := tr.Handle()
	require.NoError(t, h.engine.AcquireFocus("o1"))
	h.engine.Context().Defer("o1", Deferred{Kind: DeferRemovePath})

	o, err := h.engine.Handle(storage.Event{Type: storage.ChildRemoved, Collection: storage.Objects, Key: "o1"})
	require.NoError(t, err)
	assert.Equal(t, Applied, o)

	assert.False(t, h.scene.Has("o1"))
	_, ok := h.scene.Trajectory(handle)
	assert.False(t, ok)
	_, held := h.engine.Context().Focused()
	assert.False(t, held)
	_, ok = h.engine.Context().Pending("o1")
	assert.False(t, ok)
	assert.Equal(t, []string{"o1"}, h.lost)
}

func TestEngine_RemovalOfUnknownIsIgnored(t *testing.T) {
	h := newHarness(t)
	o, err := h.engine.Handle(storage.Event{Type: storage.ChildRemoved, Collection: storage.Objects, Key: "nope"})
	require.NoError(t, err)
	assert.Equal(t, Ignored, o)
}

func TestEngine_SoundFetchLatestWins(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Sound: "a.wav"})
	assert.Equal(t, []string{"o1:a.wav"}, h.loader.started)

	// arrives while a.wav is in flight
	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{Sound: "b.wav", LastEditorID: "you"})
	assert.Len(t, h.loader.started, 1)

	o, err := h.engine.ApplyFetch(context.Background(), resource.Result{Target: resource.Target{Entity: "o1"}, Name: "a.wav", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, Ignored, o)
	assert.Equal(t, []string{"o1:a.wav", "o1:b.wav"}, h.loader.started)

	o, err = h.engine.ApplyFetch(context.Background(), resource.Result{Target: resource.Target{Entity: "o1"}, Name: "b.wav", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, Applied, o)
	ent, _ := h.scene.ByID("o1")
	require.NotNil(t, ent.Sound)
	assert.Equal(t, "b.wav", ent.SoundName)
	assert.False(t, ent.Fetching)
}

func TestEngine_FetchForDeletedEntity(t *testing.T) {
	h := newHarness(t)
	o, err := h.engine.ApplyFetch(context.Background(), resource.Result{Target: resource.Target{Entity: "gone"}, Name: "a.wav"})
	require.NoError(t, err)
	assert.Equal(t, Ignored, o)
}

func TestEngine_FetchFailure(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0), Sound: "a.wav"})
	failure := errors.Join(resource.ErrFetchFailed, errors.New("404"))

	o, err := h.engine.ApplyFetch(context.Background(), resource.Result{Target: resource.Target{Entity: "o1"}, Name: "a.wav", Err: failure})
	assert.ErrorIs(t, err, resource.ErrFetchFailed)
	assert.Equal(t, Rejected, o)
	ent, _ := h.scene.ByID("o1")
	assert.Nil(t, ent.Sound)
	assert.False(t, ent.Fetching)
}

func TestEngine_PlayFlagMutes(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	h.handle(t, storage.ChildChanged, storage.Objects, "o1", EntityRecord{IsPlaying: ptr(false), LastEditorID: "you"})
	ent, _ := h.scene.ByID("o1")
	assert.True(t, ent.Muted)
	assert.True(t, ent.Held())
}

func TestEngine_ZoneBoundary(t *testing.T) {
	h := newHarness(t)
	square := []geo.Vec3{{X: 0}, {X: 1}, {X: 1, Z: 1}, {Z: 1}}
	h.handle(t, storage.ChildAdded, storage.Zones, "z1", EntityRecord{Position: at(0, 0, 0), Zone: square, Scale: ptr(2.0)})
	ent, ok := h.scene.ByID("z1")
	require.True(t, ok)
	assert.Equal(t, scene.RegionSource, ent.Kind)
	assert.Equal(t, square, ent.Boundary)
	assert.Equal(t, 2.0, ent.Scale)

	moved := append([]geo.Vec3(nil), square...)
	moved[2] = geo.Vec3{X: 2, Z: 2}
	h.handle(t, storage.ChildChanged, storage.Zones, "z1", EntityRecord{Zone: moved, LastEditorID: "you"})
	assert.Equal(t, moved, ent.Boundary)
	assert.Empty(t, h.watched)
}

func TestEngine_UsersSkipSelf(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Ignored, h.handle(t, storage.ChildAdded, storage.Users, "me", EntityRecord{Position: at(0, 0, 0)}))
	assert.Equal(t, Applied, h.handle(t, storage.ChildAdded, storage.Users, "you", EntityRecord{Position: at(0, 0, 0)}))
	ent, ok := h.scene.ByID("you")
	require.True(t, ok)
	assert.Equal(t, scene.Avatar, ent.Kind)
}

func TestEngine_OrphanConeAdopted(t *testing.T) {
	h := newHarness(t)
	cones := storage.Cones("o1")
	o := h.handle(t, storage.ChildAdded, cones, "c1", ConeRecord{UUID: "c1", Volume: 0.4, Spread: 0.2, LastEditorID: "you"})
	assert.Equal(t, Held, o)

	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	ent, _ := h.scene.ByID("o1")
	c, ok := ent.Cone("c1")
	require.True(t, ok)
	assert.Equal(t, 0.4, c.Volume)
}

func TestEngine_ConeChangeBeforeCone(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	cones := storage.Cones("o1")

	o := h.handle(t, storage.ChildChanged, cones, "c1", ConeRecord{UUID: "c1", Volume: 0.9, Latitude: 1, LastEditorID: "you"})
	assert.Equal(t, Held, o)

	h.handle(t, storage.ChildAdded, cones, "c1", ConeRecord{UUID: "c1", Volume: 0.1, LastEditorID: "you"})
	ent, _ := h.scene.ByID("o1")
	c, ok := ent.Cone("c1")
	require.True(t, ok)
	assert.Equal(t, 0.9, c.Volume)
	assert.Equal(t, 1.0, c.Latitude)
	assert.Empty(t, ent.PendingCones)
}

func TestEngine_ConeRemovalNotSuppressed(t *testing.T) {
	h := newHarness(t)
	h.handle(t, storage.ChildAdded, storage.Objects, "o1", EntityRecord{Position: at(0, 0, 0)})
	cones := storage.Cones("o1")
	h.handle(t, storage.ChildAdded, cones, "c1", ConeRecord{UUID: "c1", LastEditorID: "me"})

	o := h.handle(t, storage.ChildRemoved, cones, "c1", ConeRecord{UUID: "c1", LastEditorID: "me"})
	assert.Equal(t, Applied, o)
	ent, _ := h.scene.ByID("o1")
	assert.Empty(t, ent.Cones)
}

func TestEngine_GlobalPlaying(t *testing.T) {
	h := newHarness(t)
	var changes []bool
	h.engine.hooks.PlaybackChanged = func(p bool) { changes = append(changes, p) }

	assert.Equal(t, Suppressed, h.handle(t, storage.ChildChanged, storage.Globals, GlobalState, GlobalRecord{IsPlaying: true, LastEditorID: "me"}))
	assert.False(t, h.engine.Playing())

	assert.Equal(t, Applied, h.handle(t, storage.ChildChanged, storage.Globals, GlobalState, GlobalRecord{IsPlaying: true, LastEditorID: "you"}))
	assert.True(t, h.engine.Playing())
	assert.Equal(t, Ignored, h.handle(t, storage.ChildChanged, storage.Globals, GlobalState, GlobalRecord{IsPlaying: true, LastEditorID: "you"}))
	assert.Equal(t, []bool{true}, changes)
}

func TestEngine_ValidatorRejects(t *testing.T) {
	v, err := schema.New()
	require.NoError(t, err)
	h := newHarness(t)
	h.engine.validator = v

	_, err = h.engine.Handle(storage.Event{Type: storage.ChildAdded, Collection: storage.Objects, Key: "o1", Data: json.RawMessage(`{"position":"nowhere"}`)})
	assert.ErrorIs(t, err, schema.ErrInvalidRecord)
	assert.False(t, h.scene.Has("o1"))
	assert.Equal(t, uint64(1), h.engine.Stats().Rejected)
}
