// Package websocket is a storage.Store that talks to a relay over a
// WebSocket connection.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/inviso/scenesync/internal/storage"
	"github.com/inviso/scenesync/pkg/streaming"
)

// Config holds WebSocket store configuration.
type Config struct {
	// URL is the room endpoint, e.g. ws://host/ws/{room}.
	URL   string
	Token string
}

type subscriber struct {
	id int
	h  storage.Handler
}

// Client is a store connection to one relay room. Handlers run on the read
// goroutine in arrival order.
type Client struct {
	conn *connection
	cfg  Config

	mu           sync.Mutex
	subs         map[string][]subscriber
	nextSub      int
	onDisconnect []streaming.WritePayload
}

var _ storage.Store = (*Client)(nil)

// New creates a client. Call Dial to connect.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn: newConnection(logger),
		cfg:  cfg,
		subs: make(map[string][]subscriber),
	}
	c.conn.onEvent = c.deliver
	c.conn.replay = c.replayFrames
	return c
}

// Dial connects to the relay.
func (c *Client) Dial() error {
	return c.conn.dial(c.cfg.URL, c.cfg.Token)
}

func (c *Client) Push(string) string {
	return ulid.Make().String()
}

func (c *Client) Set(ctx context.Context, collection, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return c.conn.sendAndWait(ctx, streaming.TypeSet, streaming.WritePayload{Collection: collection, Key: key, Value: raw}, ackTimeout)
}

func (c *Client) Update(ctx context.Context, collection, key string, fields map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s.%s: %w", collection, key, k, err)
		}
		encoded[k] = raw
	}
	return c.conn.sendAndWait(ctx, streaming.TypeUpdate, streaming.WritePayload{Collection: collection, Key: key, Fields: encoded}, ackTimeout)
}

func (c *Client) Remove(ctx context.Context, collection, key string) error {
	return c.conn.sendAndWait(ctx, streaming.TypeRemove, streaming.WritePayload{Collection: collection, Key: key}, ackTimeout)
}

func (c *Client) RemoveCollection(ctx context.Context, collection string) error {
	return c.conn.sendAndWait(ctx, streaming.TypeRemoveCollection, streaming.WritePayload{Collection: collection}, ackTimeout)
}

func (c *Client) OnDisconnectRemove(ctx context.Context, collection, key string) error {
	p := streaming.WritePayload{Collection: collection, Key: key}
	if err := c.conn.sendAndWait(ctx, streaming.TypeOnDisconnectRemove, p, ackTimeout); err != nil {
		return err
	}
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, p)
	c.mu.Unlock()
	return nil
}

// Subscribe registers h. The relay is only asked once per collection; later
// subscribers to the same collection do not get the initial replay.
func (c *Client) Subscribe(collection string, h storage.Handler) (func(), error) {
	c.mu.Lock()
	first := len(c.subs[collection]) == 0
	c.nextSub++
	id := c.nextSub
	c.subs[collection] = append(c.subs[collection], subscriber{id: id, h: h})
	c.mu.Unlock()

	if first {
		err := c.conn.sendAndWait(context.Background(), streaming.TypeSubscribe, streaming.SubscribePayload{Collection: collection}, ackTimeout)
		if err != nil {
			c.unsubscribe(collection, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(collection, id) })
	}, nil
}

func (c *Client) unsubscribe(collection string, id int) {
	c.mu.Lock()
	list := c.subs[collection]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(c.subs, collection)
	} else {
		c.subs[collection] = list
	}
	c.mu.Unlock()

	if last {
		data, err := streaming.Marshal(streaming.TypeUnsubscribe, 0, streaming.SubscribePayload{Collection: collection})
		if err == nil {
			c.conn.send(data)
		}
	}
}

func (c *Client) deliver(p streaming.EventPayload) {
	var typ storage.EventType
	if err := typ.UnmarshalText([]byte(p.Type)); err != nil {
		c.conn.logger.Debug("Unknown event type", "type", p.Type)
		return
	}
	ev := storage.Event{Type: typ, Collection: p.Collection, Key: p.Key, Data: p.Data, Seq: p.Seq}

	c.mu.Lock()
	handlers := make([]storage.Handler, 0, len(c.subs[p.Collection]))
	for _, s := range c.subs[p.Collection] {
		handlers = append(handlers, s.h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// replayFrames rebuilds the server-side state of this client after a
// reconnect: disconnect registrations first, then subscriptions.
func (c *Client) replayFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var frames [][]byte
	for _, p := range c.onDisconnect {
		if data, err := streaming.Marshal(streaming.TypeOnDisconnectRemove, 0, p); err == nil {
			frames = append(frames, data)
		}
	}
	for collection := range c.subs {
		if data, err := streaming.Marshal(streaming.TypeSubscribe, 0, streaming.SubscribePayload{Collection: collection}); err == nil {
			frames = append(frames, data)
		}
	}
	return frames
}

// Close disconnects from the relay. The relay runs the disconnect
// registrations.
func (c *Client) Close() error {
	return c.conn.close()
}
