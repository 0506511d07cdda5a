// Package gormstorage persists relay rooms through GORM. Hub mutations are
// queued by an observer and written in order by a background goroutine.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/inviso/scenesync/internal/model"
	"github.com/inviso/scenesync/internal/queue"
	"github.com/inviso/scenesync/internal/storage/memory"
)

// DefaultFlushInterval is how often queued mutations are written.
const DefaultFlushInterval = 500 * time.Millisecond

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Logger        *slog.Logger
	FlushInterval time.Duration
}

type op struct {
	room     string
	mutation memory.Mutation
}

// Backend writes room mutations to the database.
type Backend struct {
	deps  Dependencies
	ops   *queue.Queue[op]
	retry []op

	// serializes flushes between the writer and explicit Flush calls
	mu    sync.Mutex
	rooms map[string]bool

	stopChan chan struct{}
	done     chan struct{}
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	return &Backend{
		deps:  deps,
		ops:   queue.New[op](),
		rooms: make(map[string]bool),
	}
}

// Init starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gorm storage: no database")
	}
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.writer()
	return nil
}

// Close stops the writer after a final flush.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	close(b.stopChan)
	<-b.done
	b.stopChan = nil
	return b.Flush(context.Background())
}

// Observer returns a hub observer queuing every mutation of room.
func (b *Backend) Observer(room string) memory.Observer {
	return func(m memory.Mutation) {
		b.ops.Push(op{room: room, mutation: m})
	}
}

// Pending is the number of queued mutations not yet written.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops.Len() + len(b.retry)
}

// Load returns the persisted children of room in first-insert order.
func (b *Backend) Load(ctx context.Context, room string) ([]memory.Child, error) {
	var records []model.Record
	err := b.deps.DB.WithContext(ctx).
		Where("room = ?", room).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", room, err)
	}
	out := make([]memory.Child, len(records))
	for i, r := range records {
		out[i] = r.Child()
	}
	return out, nil
}

// Rooms lists every persisted room.
func (b *Backend) Rooms(ctx context.Context) ([]string, error) {
	var names []string
	err := b.deps.DB.WithContext(ctx).Model(&model.Room{}).Order("name").Pluck("name", &names).Error
	return names, err
}

// MarkSnapshot records when room was last snapshotted.
func (b *Backend) MarkSnapshot(ctx context.Context, room string, at time.Time) error {
	at = at.UTC()
	return b.deps.DB.WithContext(ctx).
		Model(&model.Room{}).
		Where("name = ?", room).
		Update("last_snapshot", &at).Error
}

// DeleteRoom flushes pending writes and removes every row of room.
func (b *Backend) DeleteRoom(ctx context.Context, room string) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room = ?", room).Delete(&model.Record{}).Error; err != nil {
			return err
		}
		return tx.Where("name = ?", room).Delete(&model.Room{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", room, err)
	}
	delete(b.rooms, room)
	return nil
}

// Flush writes every queued mutation in one transaction. A failed batch is
// kept and retried ahead of newer mutations.
func (b *Backend) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := append(b.retry, b.ops.GetAndEmpty()...)
	b.retry = nil
	if len(batch) == 0 {
		return nil
	}

	// rooms are only cached once the transaction that created them commits
	created := make(map[string]bool)
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range batch {
			if err := b.write(tx, o, created); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.retry = batch
		return fmt.Errorf("write %d mutations: %w", len(batch), err)
	}
	for name := range created {
		b.rooms[name] = true
	}
	return nil
}

func (b *Backend) write(tx *gorm.DB, o op, created map[string]bool) error {
	if !b.rooms[o.room] && !created[o.room] {
		if err := tx.Where(model.Room{Name: o.room}).FirstOrCreate(&model.Room{}).Error; err != nil {
			return err
		}
		created[o.room] = true
	}

	switch o.mutation.Op {
	case memory.OpPut:
		rec := model.RecordFromMutation(o.room, o.mutation)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room"}, {Name: "collection"}, {Name: "child_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "seq", "updated_at"}),
		}).Create(&rec).Error
	case memory.OpDelete:
		return tx.Where("room = ? AND collection = ? AND child_key = ?",
			o.room, o.mutation.Collection, o.mutation.Key).
			Delete(&model.Record{}).Error
	default:
		return fmt.Errorf("unknown mutation op %d", o.mutation.Op)
	}
}

// writer periodically drains the queue into the DB.
func (b *Backend) writer() {
	defer close(b.done)
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			n := b.Pending()
			if n == 0 {
				continue
			}
			if err := b.Flush(context.Background()); err != nil {
				b.deps.Logger.Error("Error writing mutations", "error", err)
				continue
			}
			b.deps.Logger.Debug("Wrote mutations", "count", n, "duration", time.Since(start))
		}
	}
}
