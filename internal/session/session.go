// Package session is a client's view of a shared scene. It owns the scene,
// the undo history and the reconciliation engine, and runs all of them on
// one loop fed by the render tick, store events and fetch completions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inviso/scenesync/internal/audio"
	"github.com/inviso/scenesync/internal/command"
	"github.com/inviso/scenesync/internal/dispatcher"
	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/gesture"
	"github.com/inviso/scenesync/internal/reconcile"
	"github.com/inviso/scenesync/internal/resource"
	"github.com/inviso/scenesync/internal/scene"
	"github.com/inviso/scenesync/internal/storage"
)

// Event kinds handled by the session loop.
const (
	KindStore = ":STORE:"
	KindFetch = ":FETCH:"
	KindTick  = ":TICK:"
	KindCall  = ":CALL:"
)

// DefaultTickRate is the render tick frequency.
const DefaultTickRate = 60

// ErrOffline is returned by operations that need a store.
var ErrOffline = errors.New("session is not connected")

// ErrAvatar is returned when an edit would delete the local head.
var ErrAvatar = errors.New("the local avatar cannot be deleted")

// Config holds the session settings.
type Config struct {
	Room     string
	ClientID string

	TickRate         int
	PublishRate      float64
	ArcLengthSamples int

	ClearRedoOnExecute bool
	GestureTolerance   float64
}

// Dependencies holds the collaborators of a session. Store may be nil for
// a solo session; Join connects it later.
type Dependencies struct {
	Store     storage.Store
	Fetcher   resource.Fetcher
	Player    audio.Player
	Validator reconcile.Validator
	Renderer  scene.Renderer
	Notifier  Notifier
	Logger    *slog.Logger
	LoopLog   dispatcher.Logger
}

// Session must be driven from a single goroutine: either call Run, or call
// the operations directly and Drain after each batch.
type Session struct {
	cfg    Config
	logger *slog.Logger
	notify Notifier

	scene     *scene.Scene
	history   *command.History
	context   *reconcile.Context
	engine    *reconcile.Engine
	loop      *dispatcher.Dispatcher
	loader    *resource.Loader
	gestures  gesture.Interpreter
	store     storage.Store
	publisher *reconcile.Publisher

	// the local head, keyed and published under the client id
	avatar *scene.Entity
	subs   []func()
}

// New creates a session. It does not connect to the store.
func New(cfg Config, deps Dependencies) (*Session, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("session: client id is required")
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.ArcLengthSamples <= 0 {
		cfg.ArcLengthSamples = scene.DefaultArcLengthSamples
	}

	s := &Session{
		cfg:      cfg,
		logger:   deps.Logger,
		notify:   deps.Notifier,
		scene:    scene.New(deps.Renderer),
		context:  reconcile.NewContext(cfg.ClientID),
		gestures: gesture.Interpreter{Tolerance: cfg.GestureTolerance},
		store:    deps.Store,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("room", cfg.Room, "client", cfg.ClientID)
	if s.notify == nil {
		s.notify = nopNotifier{}
	}
	s.history = command.New(
		command.ClearRedoOnExecute(cfg.ClearRedoOnExecute),
		command.WithLogger(s.logger),
	)

	loopLog := deps.LoopLog
	if loopLog == nil {
		loopLog = s.logger
	}
	var err error
	s.loop, err = dispatcher.New(loopLog)
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	var loader reconcile.Loader
	if deps.Fetcher != nil {
		s.loader = resource.NewLoader(deps.Fetcher, cfg.Room, s.postFetch, resource.WithLogger(s.logger))
		loader = s.loader
	}

	s.engine, err = reconcile.New(reconcile.Config{
		Context:          s.context,
		Scene:            s.scene,
		Loader:           loader,
		Player:           deps.Player,
		Validator:        deps.Validator,
		Watch:            s.watch,
		Logger:           s.logger,
		ArcLengthSamples: cfg.ArcLengthSamples,
		Hooks: reconcile.Hooks{
			TrajectoryAttached: s.history.Rebind,
			FocusLost: func(key string) {
				s.notify.Notify(Notice{Kind: FocusLost, Entity: key})
			},
			PlaybackChanged: func(playing bool) {
				s.logger.Info("playback changed remotely", "playing", playing)
			},
		},
	})
	if err != nil {
		return nil, err
	}

	s.avatar = scene.NewEntity(cfg.ClientID, scene.Avatar, geo.Vec3{})
	s.avatar.ID = cfg.ClientID
	if err := s.scene.Add(s.avatar); err != nil {
		return nil, fmt.Errorf("placing avatar: %w", err)
	}

	s.RegisterHandlers(s.loop)
	return s, nil
}

// RegisterHandlers registers the session's event handlers.
func (s *Session) RegisterHandlers(d *dispatcher.Dispatcher) {
	d.Register(KindStore, s.handleStore)
	d.Register(KindFetch, s.handleFetch, dispatcher.Logged())
	d.Register(KindTick, s.handleTick, dispatcher.Lossy())
	d.Register(KindCall, s.handleCall)
}

func (s *Session) Scene() *scene.Scene { return s.scene }
func (s *Session) History() *command.History { return s.history }
func (s *Session) Engine() *reconcile.Engine { return s.engine }
func (s *Session) Context() *reconcile.Context { return s.context }
func (s *Session) Avatar() *scene.Entity { return s.avatar }
func (s *Session) Dispatcher() *dispatcher.Dispatcher { return s.loop }

// Online reports whether the session is connected to a store.
func (s *Session) Online() bool { return s.publisher != nil }

// Join connects to the store, publishes every local entity that has no
// store id yet and subscribes to the shared collections.
func (s *Session) Join(ctx context.Context, store storage.Store) error {
	if store != nil {
		s.store = store
	}
	if s.store == nil {
		return ErrOffline
	}
	if s.Online() {
		return nil
	}
	s.publisher = reconcile.NewPublisher(s.store, s.cfg.ClientID, s.cfg.PublishRate)

	if err := s.populate(ctx); err != nil {
		return err
	}
	head, _ := s.scene.TrajectoryOf(s.avatar.Key)
	if err := s.publisher.Avatar(ctx, s.avatar, head); err != nil {
		return fmt.Errorf("publishing avatar: %w", err)
	}
	for _, coll := range []string{storage.Globals, storage.Objects, storage.Zones, storage.Users} {
		cancel, err := s.watch(coll)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", coll, err)
		}
		s.subs = append(s.subs, cancel)
	}
	s.logger.Info("joined session", "entities", s.scene.Len())
	return nil
}

// populate pushes local-only entities with their trajectories and cones.
func (s *Session) populate(ctx context.Context) error {
	for _, ent := range s.scene.Entities() {
		if ent.ID != "" {
			continue
		}
		if err := s.publishNew(ctx, ent); err != nil {
			return err
		}
		for _, c := range ent.Cones {
			if err := s.publisher.Cone(ctx, ent, c); err != nil {
				return fmt.Errorf("publishing cone %s: %w", c.Key, err)
			}
		}
	}
	return nil
}

// Leave drops every remote entity, cancels subscriptions and closes the
// store. Local entities stay and the session continues solo.
func (s *Session) Leave() error {
	for _, cancel := range s.subs {
		cancel()
	}
	s.subs = nil
	s.engine.Close()
	for _, ent := range s.scene.Entities() {
		if ent.Key == ent.ID && ent != s.avatar {
			s.engine.Forget(ent.Key)
		}
	}
	s.publisher = nil
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// Close stops the loader and leaves the session.
func (s *Session) Close() error {
	err := s.Leave()
	if s.loader != nil {
		s.loader.Close()
	}
	s.Drain()
	return err
}

// Drain runs every queued event.
func (s *Session) Drain() int { return s.loop.Drain() }

// Do queues fn to run on the loop. It is the only way to call session
// operations from another goroutine while Run is active.
func (s *Session) Do(fn func() error) error {
	return s.loop.Post(dispatcher.Event{Kind: KindCall, Payload: fn})
}

// Run drives the session until ctx is cancelled: a ticker posts render
// ticks and the loop handles everything in order.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				// a full backlog drops the tick
				_ = s.loop.Post(dispatcher.Event{Kind: KindTick, Timestamp: t})
			}
		}
	}()

	return s.loop.Run(ctx)
}

func (s *Session) watch(collection string) (func(), error) {
	if s.store == nil {
		return nil, ErrOffline
	}
	return s.store.Subscribe(collection, s.postStore)
}

func (s *Session) postStore(ev storage.Event) {
	if err := s.loop.Post(dispatcher.Event{Kind: KindStore, Payload: ev}); err != nil {
		s.logger.Error("queueing store event", "collection", ev.Collection, "key", ev.Key, "error", err)
	}
}

func (s *Session) postFetch(res resource.Result) {
	if err := s.loop.Post(dispatcher.Event{Kind: KindFetch, Payload: res}); err != nil {
		s.logger.Error("queueing fetch result", "target", res.Target.String(), "error", err)
	}
}
