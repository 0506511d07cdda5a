package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inviso/scenesync/internal/api"
	"github.com/inviso/scenesync/internal/auth"
	"github.com/inviso/scenesync/internal/database"
	"github.com/inviso/scenesync/internal/model"
	"github.com/inviso/scenesync/internal/snapshot"
	"github.com/inviso/scenesync/internal/storage"
	gormstorage "github.com/inviso/scenesync/internal/storage/gorm"
	"github.com/inviso/scenesync/internal/storage/websocket"
)

const secret = "0123456789abcdef0123456789abcdef"

type recorder struct {
	mu     sync.Mutex
	events []storage.Event
}

func (r *recorder) handle(ev storage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) keys(typ storage.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev.Key)
		}
	}
	return out
}

func newServer(t *testing.T, cfg Config, deps Dependencies) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func roomURL(srv *httptest.Server, room string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + room
}

func dial(t *testing.T, srv *httptest.Server, room, token string) *websocket.Client {
	t.Helper()
	c := websocket.New(websocket.Config{URL: roomURL(srv, room), Token: token}, nil)
	require.NoError(t, c.Dial())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelay_FanOutBetweenClients(t *testing.T) {
	ctx := context.Background()
	s, srv := newServer(t, Config{}, Dependencies{})

	alice := dial(t, srv, "lab", "")
	bob := dial(t, srv, "lab", "")

	rec := &recorder{}
	_, err := bob.Subscribe(storage.Objects, rec.handle)
	require.NoError(t, err)

	require.NoError(t, alice.Set(ctx, storage.Objects, "o1", map[string]any{"type": "PointSource", "lastEditorId": "alice"}))
	require.NoError(t, alice.Update(ctx, storage.Objects, "o1", map[string]any{"volume": 0.4}))

	assert.Eventually(t, func() bool {
		return len(rec.keys(storage.ChildChanged)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o1"}, rec.keys(storage.ChildAdded))

	hub, err := s.Hub(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len(storage.Objects))
	assert.Equal(t, int64(2), s.Stats().Connections)
}

func TestRelay_SubscribeReplaysExisting(t *testing.T) {
	ctx := context.Background()
	_, srv := newServer(t, Config{}, Dependencies{})

	alice := dial(t, srv, "lab", "")
	require.NoError(t, alice.Set(ctx, storage.Zones, "z1", map[string]any{"type": "RegionSource"}))

	bob := dial(t, srv, "lab", "")
	rec := &recorder{}
	_, err := bob.Subscribe(storage.Zones, rec.handle)
	require.NoError(t, err)

	// the replay is delivered before the subscribe ack
	assert.Equal(t, []string{"z1"}, rec.keys(storage.ChildAdded))
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	_, srv := newServer(t, Config{}, Dependencies{})

	a := dial(t, srv, "a", "")
	b := dial(t, srv, "b", "")
	rec := &recorder{}
	_, err := b.Subscribe(storage.Objects, rec.handle)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, storage.Objects, "o1", map[string]any{"type": "PointSource"}))
	require.NoError(t, b.Set(ctx, storage.Objects, "o2", map[string]any{"type": "PointSource"}))

	assert.Eventually(t, func() bool { return len(rec.keys(storage.ChildAdded)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o2"}, rec.keys(storage.ChildAdded))
}

func TestRelay_DisconnectRemovesPresence(t *testing.T) {
	ctx := context.Background()
	_, srv := newServer(t, Config{}, Dependencies{})

	watcher := dial(t, srv, "lab", "")
	rec := &recorder{}
	_, err := watcher.Subscribe(storage.Users, rec.handle)
	require.NoError(t, err)

	leaver := websocket.New(websocket.Config{URL: roomURL(srv, "lab") + "?client=leaver"}, nil)
	require.NoError(t, leaver.Dial())
	require.NoError(t, leaver.Set(ctx, storage.Users, "leaver", map[string]any{"position": map[string]float64{"x": 1}}))
	require.NoError(t, leaver.OnDisconnectRemove(ctx, storage.Users, "leaver"))
	require.NoError(t, leaver.Close())

	assert.Eventually(t, func() bool {
		return len(rec.keys(storage.ChildRemoved)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_PresenceTimeout(t *testing.T) {
	s, srv := newServer(t, Config{PresenceTimeout: 100 * time.Millisecond}, Dependencies{})

	// a raw client that never answers pings or sends frames
	url := roomURL(srv, "lab")
	conn, _, err := websocketDial(url)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return s.Stats().Connections == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_RejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	s, srv := newServer(t, Config{}, Dependencies{})
	c := dial(t, srv, "lab", "")

	assert.Error(t, c.Set(ctx, storage.Objects, "", map[string]any{"a": 1}))
	assert.Error(t, c.Remove(ctx, "", "k"))
	assert.Equal(t, int64(2), s.Stats().Rejected)
}

func TestRelay_RateLimit(t *testing.T) {
	ctx := context.Background()
	_, srv := newServer(t, Config{RateLimit: 0.001, RateBurst: 2}, Dependencies{})
	c := dial(t, srv, "lab", "")

	require.NoError(t, c.Set(ctx, storage.Globals, "GlobalState", map[string]any{"isPlaying": true}))
	require.NoError(t, c.Set(ctx, storage.Globals, "GlobalState", map[string]any{"isPlaying": false}))
	err := c.Set(ctx, storage.Globals, "GlobalState", map[string]any{"isPlaying": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestRelay_TokenAuth(t *testing.T) {
	keys, err := auth.New(secret)
	require.NoError(t, err)
	_, srv := newServer(t, Config{}, Dependencies{Keys: keys})

	bad := websocket.New(websocket.Config{URL: roomURL(srv, "lab"), Token: "nope"}, nil)
	assert.Error(t, bad.Dial())

	other, err := keys.Issue("other", "alice", time.Minute)
	require.NoError(t, err)
	wrong := websocket.New(websocket.Config{URL: roomURL(srv, "lab"), Token: other}, nil)
	assert.Error(t, wrong.Dial())

	token, err := keys.Issue("lab", "alice", time.Minute)
	require.NoError(t, err)
	c := dial(t, srv, "lab", token)
	assert.NoError(t, c.Set(context.Background(), storage.Objects, "o1", map[string]any{"type": "PointSource"}))
}

func TestRelay_Resources(t *testing.T) {
	ctx := context.Background()
	keys, err := auth.New(secret)
	require.NoError(t, err)
	dir := t.TempDir()
	_, srv := newServer(t, Config{ResourcesDir: dir}, Dependencies{Keys: keys})

	token, err := keys.Issue("lab", "alice", time.Minute)
	require.NoError(t, err)
	client := api.New(srv.URL, token)

	require.NoError(t, client.Healthcheck(ctx))
	require.NoError(t, client.Upload(ctx, "lab", "rain.wav", bytes.NewReader([]byte("RIFF-data"))))

	data, err := client.Fetch(ctx, "lab", "rain.wav")
	require.NoError(t, err)
	assert.Equal(t, "RIFF-data", string(data))
	assert.FileExists(t, filepath.Join(dir, "lab", "rain.wav"))

	_, err = client.Fetch(ctx, "lab", "missing.wav")
	assert.Error(t, err)

	anonymous := api.New(srv.URL, "")
	_, err = anonymous.Fetch(ctx, "lab", "rain.wav")
	assert.Error(t, err)
}

func TestRelay_DeleteRoom(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, srv := newServer(t, Config{ResourcesDir: dir}, Dependencies{})

	c := dial(t, srv, "lab", "")
	require.NoError(t, c.Set(ctx, storage.Objects, "o1", map[string]any{"type": "PointSource"}))
	require.NoError(t, api.New(srv.URL, "").Upload(ctx, "lab", "a.wav", strings.NewReader("x")))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/rooms/lab", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.NoDirExists(t, filepath.Join(dir, "lab"))
	assert.Empty(t, s.Rooms())
	assert.Eventually(t, func() bool { return s.Stats().Connections == 0 }, time.Second, 10*time.Millisecond)
}

func TestRelay_HealthcheckReportsStats(t *testing.T) {
	_, srv := newServer(t, Config{}, Dependencies{})
	resp, err := http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRelay_InvalidRoom(t *testing.T) {
	s, err := New(Config{}, Dependencies{})
	require.NoError(t, err)
	_, err = s.Hub(context.Background(), "..")
	assert.ErrorIs(t, err, ErrInvalidRoom)
	assert.ErrorIs(t, s.DeleteRoom(context.Background(), ""), ErrInvalidRoom)
}

func TestRelay_PersistsAndWarms(t *testing.T) {
	ctx := context.Background()
	db, err := database.GetSqliteDBStandalone(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))
	persist := gormstorage.New(gormstorage.Dependencies{DB: db})

	first, err := New(Config{}, Dependencies{Persist: persist})
	require.NoError(t, err)
	hub, err := first.Hub(ctx, "lab")
	require.NoError(t, err)
	c := hub.Connect("alice")
	require.NoError(t, c.Set(ctx, storage.Objects, "o1", map[string]any{"type": "PointSource"}))
	require.NoError(t, c.Set(ctx, storage.Cones("o1"), "c1", map[string]any{"volume": 1}))
	require.NoError(t, persist.Flush(ctx))

	second, err := New(Config{}, Dependencies{Persist: persist})
	require.NoError(t, err)
	warmed, err := second.Hub(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, 1, warmed.Len(storage.Objects))
	assert.Equal(t, 1, warmed.Len(storage.Cones("o1")))
}

func TestRelay_SnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	first, err := New(Config{SnapshotDir: dir, SnapshotKeep: 1}, Dependencies{})
	require.NoError(t, err)
	hub, err := first.Hub(ctx, "lab")
	require.NoError(t, err)
	c := hub.Connect("alice")
	require.NoError(t, c.Set(ctx, storage.Zones, "z1", map[string]any{"type": "RegionSource"}))

	require.NoError(t, first.Snapshot(ctx, now))
	// unchanged rooms are skipped
	require.NoError(t, first.Snapshot(ctx, now.Add(time.Minute)))
	path, err := snapshot.Latest(dir, "lab")
	require.NoError(t, err)
	assert.Equal(t, snapshot.Path(dir, "lab", now), path)

	require.NoError(t, c.Set(ctx, storage.Zones, "z2", map[string]any{"type": "RegionSource"}))
	require.NoError(t, first.Snapshot(ctx, now.Add(2*time.Minute)))

	second, err := New(Config{SnapshotDir: dir}, Dependencies{})
	require.NoError(t, err)
	restored, err := second.Hub(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Len(storage.Zones))
}
