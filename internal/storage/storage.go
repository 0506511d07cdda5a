// Package storage defines the shared scene store: named collections of
// keyed JSON children with ordered change notifications.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Top-level collections.
const (
	Objects = "objects"
	Zones   = "zones"
	Users   = "users"
	Globals = "globals"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store closed")

// Cones is the sub-collection holding the cones of an object.
func Cones(objectID string) string {
	return Objects + "/" + objectID + "/cones"
}

// ParentOf returns the collection and key owning a nested collection.
func ParentOf(collection string) (parent, key string, ok bool) {
	i := strings.LastIndexByte(collection, '/')
	if i < 0 {
		return "", "", false
	}
	j := strings.LastIndexByte(collection[:i], '/')
	if j < 0 {
		return "", "", false
	}
	return collection[:j], collection[j+1 : i], true
}

// ChildPath is the nested path prefix under a child.
func ChildPath(collection, key string) string {
	return collection + "/" + key + "/"
}

// EventType is the kind of change a subscriber is told about.
type EventType int

const (
	ChildAdded EventType = iota + 1
	ChildChanged
	ChildRemoved
)

func (t EventType) String() string {
	switch t {
	case ChildAdded:
		return "child_added"
	case ChildChanged:
		return "child_changed"
	case ChildRemoved:
		return "child_removed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *EventType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "child_added":
		*t = ChildAdded
	case "child_changed":
		*t = ChildChanged
	case "child_removed":
		*t = ChildRemoved
	default:
		return fmt.Errorf("unknown event type %q", b)
	}
	return nil
}

// Event is one change to a child. Data holds the whole child after the
// change, or the last value for ChildRemoved.
type Event struct {
	Type       EventType       `json:"type"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	Seq        uint64          `json:"seq"`
}

// Decode unmarshals the child data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s %s/%s: empty data", e.Type, e.Collection, e.Key)
	}
	return json.Unmarshal(e.Data, v)
}

// Handler receives events for one collection, in store order.
type Handler func(Event)

// Store is a client connection to the shared scene. Writes are applied in
// the order they are made and every subscriber, including the writer, sees
// the resulting events.
type Store interface {
	// Push returns a fresh, time-ordered child key. No write happens.
	Push(collection string) string

	// Set replaces a child.
	Set(ctx context.Context, collection, key string, value any) error

	// Update merges fields into a child, creating it if missing. A nil
	// field value deletes that field.
	Update(ctx context.Context, collection, key string, fields map[string]any) error

	// Remove deletes a child and everything nested beneath it.
	Remove(ctx context.Context, collection, key string) error

	// RemoveCollection deletes every child of a collection.
	RemoveCollection(ctx context.Context, collection string) error

	// OnDisconnectRemove schedules Remove for when this client goes away.
	OnDisconnectRemove(ctx context.Context, collection, key string) error

	// Subscribe delivers ChildAdded for every existing child, then live
	// changes. The returned function cancels the subscription.
	Subscribe(collection string, h Handler) (func(), error)

	Close() error
}
