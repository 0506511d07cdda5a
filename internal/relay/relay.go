// Package relay serves shared scene rooms to many clients. Each room is a
// memory hub; clients reach it over a WebSocket speaking the streaming
// protocol, and room resources are served over plain HTTP.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inviso/scenesync/internal/auth"
	"github.com/inviso/scenesync/internal/snapshot"
	"github.com/inviso/scenesync/internal/storage"
	gormstorage "github.com/inviso/scenesync/internal/storage/gorm"
	"github.com/inviso/scenesync/internal/storage/memory"
)

// Defaults applied by New.
const (
	DefaultPresenceTimeout = 30 * time.Second
	DefaultRateLimit       = 200
	DefaultRateBurst       = 400
	DefaultSnapshotKeep    = 5
	outboundSize           = 4096
)

// ErrInvalidRoom is returned for an empty or path-like room name.
var ErrInvalidRoom = errors.New("invalid room name")

// Config holds relay settings.
type Config struct {
	ResourcesDir     string
	SnapshotDir      string
	SnapshotInterval time.Duration
	SnapshotKeep     int
	PresenceTimeout  time.Duration
	AllowedOrigins   []string
	// per-connection request limit
	RateLimit float64
	RateBurst int
}

// Dependencies are the optional collaborators of a Server. Without Keys
// the relay accepts every connection and takes the client id from the
// query string.
type Dependencies struct {
	Keys    *auth.Keys
	Persist *gormstorage.Backend
	Logger  *slog.Logger
}

// Stats are running relay counters.
type Stats struct {
	Rooms       int
	Connections int64
	FramesIn    int64
	EventsOut   int64
	Rejected    int64
	Dropped     int64
}

func (s Stats) Fields() map[string]any {
	return map[string]any{
		"rooms":       s.Rooms,
		"connections": s.Connections,
		"frames_in":   s.FramesIn,
		"events_out":  s.EventsOut,
		"rejected":    s.Rejected,
		"dropped":     s.Dropped,
	}
}

// Server is the relay.
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room

	connSeq     atomic.Uint64
	connections atomic.Int64
	framesIn    atomic.Int64
	eventsOut   atomic.Int64
	rejected    atomic.Int64
	dropped     atomic.Int64

	frames metric.Int64Counter
}

type room struct {
	name      string
	hub       *memory.Hub
	mutations atomic.Uint64
	// mutation count covered by the last snapshot
	snapped uint64
	peers   map[*peer]struct{}
}

// New creates a relay server.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = DefaultSnapshotKeep
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "relay"),
		rooms:  make(map[string]*room),
	}
	var err error
	s.frames, err = meter().Int64Counter(
		"relay.frames",
		metric.WithDescription("Frames received from relay clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating frames counter: %w", err)
	}
	return s, nil
}

func validRoom(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// Hub returns the hub of room, opening the room on first use.
func (s *Server) Hub(ctx context.Context, name string) (*memory.Hub, error) {
	r, err := s.room(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.hub, nil
}

func (s *Server) room(ctx context.Context, name string) (*room, error) {
	if !validRoom(name) {
		return nil, ErrInvalidRoom
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[name]; ok {
		return r, nil
	}

	r := &room{name: name, hub: memory.NewHub(), peers: make(map[*peer]struct{})}
	if err := s.warm(ctx, r); err != nil {
		return nil, err
	}
	r.hub.Observe(func(memory.Mutation) { r.mutations.Add(1) })
	if s.deps.Persist != nil {
		r.hub.Observe(s.deps.Persist.Observer(name))
	}
	s.rooms[name] = r
	s.logger.Info("Room opened", "room", name, "objects", r.hub.Len(storage.Objects), "zones", r.hub.Len(storage.Zones))
	return r, nil
}

// warm loads persisted rows, or the newest snapshot when there are none.
// Snapshot children are queued for persistence since Load does not notify.
func (s *Server) warm(ctx context.Context, r *room) error {
	if s.deps.Persist != nil {
		children, err := s.deps.Persist.Load(ctx, r.name)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return load(r.hub, children)
		}
	}
	if s.cfg.SnapshotDir == "" {
		return nil
	}

	path, err := snapshot.Latest(s.cfg.SnapshotDir, r.name)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	snap, err := snapshot.Read(path)
	if err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	if err := snapshot.Restore(r.hub, snap); err != nil {
		return err
	}
	if s.deps.Persist != nil {
		persist := s.deps.Persist.Observer(r.name)
		for _, c := range snap.Children {
			persist(memory.Mutation{Op: memory.OpPut, Collection: c.Collection, Key: c.Key, Data: c.Data, Seq: c.Seq})
		}
	}
	s.logger.Info("Room restored from snapshot", "room", r.name, "path", path, "children", len(snap.Children))
	return nil
}

func load(hub *memory.Hub, children []memory.Child) error {
	for _, c := range children {
		if err := hub.Load(c); err != nil {
			return err
		}
	}
	return nil
}

// Rooms lists the open rooms.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a copy of the relay counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	rooms := len(s.rooms)
	s.mu.Unlock()
	return Stats{
		Rooms:       rooms,
		Connections: s.connections.Load(),
		FramesIn:    s.framesIn.Load(),
		EventsOut:   s.eventsOut.Load(),
		Rejected:    s.rejected.Load(),
		Dropped:     s.dropped.Load(),
	}
}

func (s *Server) countFrame(ctx context.Context, room, msgType string) {
	s.framesIn.Add(1)
	s.frames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("room", room),
		attribute.String("type", msgType),
	))
}

func (s *Server) attach(r *room, p *peer) {
	s.mu.Lock()
	r.peers[p] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)
}

func (s *Server) detach(r *room, p *peer) {
	s.mu.Lock()
	delete(r.peers, p)
	s.mu.Unlock()
	s.connections.Add(-1)
}

// DeleteRoom clears every collection of room, disconnects its clients and
// removes its resources, snapshots and persisted rows.
func (s *Server) DeleteRoom(ctx context.Context, name string) error {
	if !validRoom(name) {
		return ErrInvalidRoom
	}

	s.mu.Lock()
	r, ok := s.rooms[name]
	delete(s.rooms, name)
	var peers []*peer
	if ok {
		for p := range r.peers {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	if ok {
		admin := r.hub.Connect("relay")
		for _, col := range []string{storage.Objects, storage.Zones, storage.Users, storage.Globals} {
			if err := admin.RemoveCollection(ctx, col); err != nil {
				return err
			}
		}
		_ = admin.Close()
		for _, p := range peers {
			p.shutdown("room deleted")
		}
	}

	if s.deps.Persist != nil {
		if err := s.deps.Persist.DeleteRoom(ctx, name); err != nil {
			return err
		}
	}
	if s.cfg.ResourcesDir != "" {
		if err := os.RemoveAll(filepath.Join(s.cfg.ResourcesDir, name)); err != nil {
			return fmt.Errorf("removing resources of %s: %w", name, err)
		}
	}
	if s.cfg.SnapshotDir != "" {
		if err := os.RemoveAll(filepath.Join(s.cfg.SnapshotDir, name)); err != nil {
			return fmt.Errorf("removing snapshots of %s: %w", name, err)
		}
	}
	s.logger.Info("Room deleted", "room", name)
	return nil
}

// Snapshot writes a snapshot of every room changed since its last one.
func (s *Server) Snapshot(ctx context.Context, now time.Time) error {
	if s.cfg.SnapshotDir == "" {
		return nil
	}
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		n := r.mutations.Load()
		s.mu.Lock()
		unchanged := n == r.snapped
		s.mu.Unlock()
		if unchanged {
			continue
		}

		start := time.Now()
		snap := snapshot.Of(r.name, r.hub, now)
		if err := snapshot.Write(snapshot.Path(s.cfg.SnapshotDir, r.name, now), snap); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", r.name, err))
			continue
		}
		if err := snapshot.Prune(s.cfg.SnapshotDir, r.name, s.cfg.SnapshotKeep); err != nil {
			errs = append(errs, err)
		}
		if s.deps.Persist != nil {
			if err := s.deps.Persist.MarkSnapshot(ctx, r.name, now); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		r.snapped = n
		s.mu.Unlock()
		s.logger.Debug("Snapshot written", "room", r.name, "children", snap.Header.Children, "duration", time.Since(start))
	}
	return errors.Join(errs...)
}

// Run takes periodic snapshots until ctx is done, then a final one.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.SnapshotDir == "" || s.cfg.SnapshotInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Snapshot(context.Background(), time.Now()); err != nil {
				s.logger.Error("Final snapshot failed", "error", err)
			}
			return
		case now := <-ticker.C:
			if err := s.Snapshot(ctx, now); err != nil {
				s.logger.Error("Snapshot failed", "error", err)
			}
		}
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	var peers []*peer
	for _, r := range s.rooms {
		for p := range r.peers {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.shutdown("relay closing")
	}
}
