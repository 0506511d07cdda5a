// Package memory is an in-process shared store. A Hub holds the collections
// and every Client connected to it sees the same ordered stream of events.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/inviso/scenesync/internal/storage"
)

// Op is the kind of a persisted mutation.
type Op int

const (
	OpPut Op = iota + 1
	OpDelete
)

// Mutation is a committed change to one child, in hub order.
type Mutation struct {
	Op         Op
	Collection string
	Key        string
	Data       json.RawMessage
	Seq        uint64
}

// Observer is told about every mutation while the hub lock is held, so it
// must not block or call back into the hub.
type Observer func(Mutation)

// Child is one stored record.
type Child struct {
	Collection string
	Key        string
	Data       json.RawMessage
	Seq        uint64
}

type collection struct {
	order    []string
	children map[string]map[string]any
	seqs     map[string]uint64
}

func newCollection() *collection {
	return &collection{
		children: make(map[string]map[string]any),
		seqs:     make(map[string]uint64),
	}
}

type subscription struct {
	collection string
	handler    storage.Handler
	closed     bool
}

type delivery struct {
	sub   *subscription
	event storage.Event
}

type target struct {
	collection string
	key        string
}

// Hub holds the shared collections.
type Hub struct {
	mu          sync.Mutex
	collections map[string]*collection
	subs        map[string][]*subscription
	seq         uint64

	// removals to run when a client disconnects
	onDisconnect map[string][]target

	observers []Observer

	pending  []delivery
	draining bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		collections:  make(map[string]*collection),
		subs:         make(map[string][]*subscription),
		onDisconnect: make(map[string][]target),
	}
}

// Observe registers an observer for all future mutations.
func (h *Hub) Observe(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// Connect returns a store client bound to this hub.
func (h *Hub) Connect(clientID string) *Client {
	return &Client{hub: h, id: clientID}
}

// Load inserts a child without notifying anyone. It is used to warm a hub
// from persisted state.
func (h *Hub) Load(c Child) error {
	fields, err := decodeFields(c.Data)
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", c.Collection, c.Key, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	col := h.collection(c.Collection)
	if _, ok := col.children[c.Key]; !ok {
		col.order = append(col.order, c.Key)
	}
	col.children[c.Key] = fields
	col.seqs[c.Key] = c.Seq
	if c.Seq > h.seq {
		h.seq = c.Seq
	}
	return nil
}

// Children returns every stored child, ordered by collection then insertion.
func (h *Hub) Children() []Child {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.collections))
	for name := range h.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Child
	for _, name := range names {
		col := h.collections[name]
		for _, key := range col.order {
			data, _ := json.Marshal(col.children[key])
			out = append(out, Child{Collection: name, Key: key, Data: data, Seq: col.seqs[key]})
		}
	}
	return out
}

// Len is the number of children in a collection.
func (h *Hub) Len(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if col, ok := h.collections[collection]; ok {
		return len(col.order)
	}
	return 0
}

// Disconnect runs the removals the client scheduled.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	targets := h.onDisconnect[clientID]
	delete(h.onDisconnect, clientID)
	for _, t := range targets {
		h.removeLocked(t.collection, t.key)
	}
	h.mu.Unlock()
	h.drain()
}

func (h *Hub) collection(name string) *collection {
	col, ok := h.collections[name]
	if !ok {
		col = newCollection()
		h.collections[name] = col
	}
	return col
}

func (h *Hub) nextSeq() uint64 {
	h.seq++
	return h.seq
}

func (h *Hub) putLocked(collection, key string, fields map[string]any, merge bool) error {
	col := h.collection(collection)
	current, exists := col.children[key]

	next := fields
	if merge && exists {
		next = make(map[string]any, len(current)+len(fields))
		for k, v := range current {
			next[k] = v
		}
	}
	if merge {
		if !exists {
			next = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			if v == nil {
				delete(next, k)
				continue
			}
			next[k] = v
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if !exists {
		col.order = append(col.order, key)
	}
	col.children[key] = next
	seq := h.nextSeq()
	col.seqs[key] = seq

	typ := storage.ChildChanged
	if !exists {
		typ = storage.ChildAdded
	}
	h.notifyLocked(Mutation{Op: OpPut, Collection: collection, Key: key, Data: data, Seq: seq})
	h.enqueueLocked(storage.Event{Type: typ, Collection: collection, Key: key, Data: data, Seq: seq})
	return nil
}

func (h *Hub) removeLocked(collection, key string) {
	// nested collections go first, deepest paths before their parents
	prefix := storage.ChildPath(collection, key)
	var nested []string
	for name := range h.collections {
		if strings.HasPrefix(name, prefix) {
			nested = append(nested, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(nested)))
	for _, name := range nested {
		h.clearLocked(name)
	}

	col, ok := h.collections[collection]
	if !ok {
		return
	}
	fields, ok := col.children[key]
	if !ok {
		return
	}
	data, _ := json.Marshal(fields)
	delete(col.children, key)
	delete(col.seqs, key)
	for i, k := range col.order {
		if k == key {
			col.order = append(col.order[:i], col.order[i+1:]...)
			break
		}
	}
	seq := h.nextSeq()
	h.notifyLocked(Mutation{Op: OpDelete, Collection: collection, Key: key, Seq: seq})
	h.enqueueLocked(storage.Event{Type: storage.ChildRemoved, Collection: collection, Key: key, Data: data, Seq: seq})
}

func (h *Hub) clearLocked(collection string) {
	col, ok := h.collections[collection]
	if !ok {
		return
	}
	keys := append([]string(nil), col.order...)
	for _, key := range keys {
		h.removeLocked(collection, key)
	}
	delete(h.collections, collection)
}

func (h *Hub) notifyLocked(m Mutation) {
	for _, o := range h.observers {
		o(m)
	}
}

func (h *Hub) enqueueLocked(ev storage.Event) {
	for _, sub := range h.subs[ev.Collection] {
		h.pending = append(h.pending, delivery{sub: sub, event: ev})
	}
}

// drain delivers pending events in order. A handler that writes back into
// the hub only queues more events; the outermost drain delivers them.
func (h *Hub) drain() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.pending) > 0 {
		d := h.pending[0]
		h.pending = h.pending[1:]
		if d.sub.closed {
			continue
		}
		h.mu.Unlock()
		d.sub.handler(d.event)
		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}

func (h *Hub) subscribe(collection string, handler storage.Handler) *subscription {
	h.mu.Lock()
	sub := &subscription{collection: collection, handler: handler}
	h.subs[collection] = append(h.subs[collection], sub)
	if col, ok := h.collections[collection]; ok {
		for _, key := range col.order {
			data, _ := json.Marshal(col.children[key])
			h.pending = append(h.pending, delivery{sub: sub, event: storage.Event{
				Type: storage.ChildAdded, Collection: collection, Key: key, Data: data, Seq: col.seqs[key],
			}})
		}
	}
	h.mu.Unlock()
	h.drain()
	return sub
}

func (h *Hub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub.closed = true
	subs := h.subs[sub.collection]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.collection] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func decodeFields(data json.RawMessage) (map[string]any, error) {
	fields := make(map[string]any)
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// toFields normalises any JSON-encodable value into a field map.
func toFields(value any) (map[string]any, error) {
	if m, ok := value.(map[string]any); ok {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		return decodeFields(data)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return decodeFields(data)
}

// Client is one participant's view of a Hub.
type Client struct {
	hub *Hub
	id  string

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

var _ storage.Store = (*Client)(nil)

// ID is the client identifier given to Connect.
func (c *Client) ID() string { return c.id }

func (c *Client) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	return nil
}

func (c *Client) Push(string) string {
	return ulid.Make().String()
}

func (c *Client) Set(_ context.Context, collection, key string, value any) error {
	if err := c.check(); err != nil {
		return err
	}
	fields, err := toFields(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	c.hub.mu.Lock()
	err = c.hub.putLocked(collection, key, fields, false)
	c.hub.mu.Unlock()
	c.hub.drain()
	return err
}

func (c *Client) Update(_ context.Context, collection, key string, fields map[string]any) error {
	if err := c.check(); err != nil {
		return err
	}
	normalised := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == nil {
			normalised[k] = nil
			continue
		}
		// round-trip through JSON so stored values have one representation
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s.%s: %w", collection, key, k, err)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return err
		}
		normalised[k] = decoded
	}
	c.hub.mu.Lock()
	err := c.hub.putLocked(collection, key, normalised, true)
	c.hub.mu.Unlock()
	c.hub.drain()
	return err
}

func (c *Client) Remove(_ context.Context, collection, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	c.hub.removeLocked(collection, key)
	c.hub.mu.Unlock()
	c.hub.drain()
	return nil
}

func (c *Client) RemoveCollection(_ context.Context, collection string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	c.hub.clearLocked(collection)
	c.hub.mu.Unlock()
	c.hub.drain()
	return nil
}

func (c *Client) OnDisconnectRemove(_ context.Context, collection, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.onDisconnect[c.id] = append(c.hub.onDisconnect[c.id], target{collection: collection, key: key})
	return nil
}

func (c *Client) Subscribe(collection string, h storage.Handler) (func(), error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	sub := c.hub.subscribe(collection, h)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.hub.unsubscribe(sub) })
	}, nil
}

// Close cancels all subscriptions and runs scheduled disconnect removals.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.hub.unsubscribe(sub)
	}
	c.hub.Disconnect(c.id)
	return nil
}
