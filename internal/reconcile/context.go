package reconcile

import "github.com/inviso/scenesync/internal/geo"

// Deferral tags why a remote update was held back.
type Deferral int

const (
	DeferPosition Deferral = iota + 1
	DeferPath
	DeferNewPath
	DeferRemovePath
)

func (d Deferral) String() string {
	switch d {
	case DeferPosition:
		return "position"
	case DeferPath:
		return "path"
	case DeferNewPath:
		return "new_path"
	case DeferRemovePath:
		return "remove_path"
	default:
		return "unknown"
	}
}

// Deferred is the latest remote motion state for a focused entity. Points
// nil means the remote side has no trajectory.
type Deferred struct {
	Kind     Deferral
	Position *geo.Vec3
	Points   []geo.Vec3
	Closed   bool
	Speed    *float64
}

// Context is the per-session state that reconciliation consults: who this
// client is and which entity, if any, the local user is editing.
type Context struct {
	self string

	focus   string
	focused bool
	cache   map[string]Deferred
}

// NewContext creates a context for the given client id.
func NewContext(self string) *Context {
	return &Context{self: self, cache: make(map[string]Deferred)}
}

// Self is the local client id.
func (c *Context) Self() string { return c.self }

// IsSelf reports whether an editor id is this client.
func (c *Context) IsSelf(editor string) bool {
	return editor != "" && editor == c.self
}

// AcquireFocus marks key as being edited locally. It returns the key that
// held focus before, if different; the caller must release it first.
func (c *Context) AcquireFocus(key string) (previous string, hadOther bool) {
	if c.focused && c.focus != key {
		previous, hadOther = c.focus, true
	}
	c.focus = key
	c.focused = true
	return previous, hadOther
}

// Focused returns the entity currently held.
func (c *Context) Focused() (string, bool) {
	return c.focus, c.focused
}

// Holds reports whether key is the focused entity.
func (c *Context) Holds(key string) bool {
	return c.focused && c.focus == key
}

// Defer stores d for key, replacing any earlier deferral.
func (c *Context) Defer(key string, d Deferred) {
	c.cache[key] = d
}

// Settle drops the deferral for key. It is used when the remote state has
// come back to the local one.
func (c *Context) Settle(key string) {
	delete(c.cache, key)
}

// Pending returns the deferral held for key.
func (c *Context) Pending(key string) (Deferred, bool) {
	d, ok := c.cache[key]
	return d, ok
}

// ReleaseFocus ends the edit and hands back the focused key together with
// its latest deferral. The whole cache is cleared.
func (c *Context) ReleaseFocus() (key string, d Deferred, ok bool) {
	if !c.focused {
		return "", Deferred{}, false
	}
	key = c.focus
	d, ok = c.cache[key]
	c.focus = ""
	c.focused = false
	c.cache = make(map[string]Deferred)
	return key, d, ok
}

// Drop forgets everything about a removed entity. It reports whether the
// entity was focused.
func (c *Context) Drop(key string) bool {
	delete(c.cache, key)
	if c.Holds(key) {
		c.focus = ""
		c.focused = false
		return true
	}
	return false
}
