package command

import (
	"errors"
	"log/slog"

	"github.com/inviso/scenesync/internal/scene"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Option configures a History.
type Option func(*History)

// ClearRedoOnExecute drops the redo stack whenever a new edit is recorded.
// Off by default: a new edit leaves redo available.
func ClearRedoOnExecute(clear bool) Option {
	return func(h *History) {
		h.clearRedo = clear
	}
}

// WithLogger sets the logger used to report discarded commands.
func WithLogger(l *slog.Logger) Option {
	return func(h *History) {
		h.logger = l
	}
}

// History holds the undo and redo stacks. It is not safe for concurrent use.
type History struct {
	undo []*Command
	redo []*Command

	clearRedo bool
	discarded int
	logger    *slog.Logger
}

// New creates an empty history.
func New(opts ...Option) *History {
	h := &History{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record pushes an edit that has already been performed.
func (h *History) Record(c *Command) {
	h.undo = append(h.undo, c)
	if h.clearRedo {
		h.redo = h.redo[:0]
	}
}

// Undo reverts the newest edit that can still be reverted. Edits whose
// subject no longer allows the inverse are dropped, and the next one is
// tried. The redo stack only changes when an inverse succeeds.
func (h *History) Undo(t Target) (*Command, error) {
	return h.step(t, &h.undo, &h.redo, false, ErrNothingToUndo)
}

// Redo re-applies the newest undone edit, with the same discard rule as Undo.
func (h *History) Redo(t Target) (*Command, error) {
	return h.step(t, &h.redo, &h.undo, true, ErrNothingToRedo)
}

func (h *History) step(t Target, from, to *[]*Command, forward bool, empty error) (*Command, error) {
	for len(*from) > 0 {
		last := len(*from) - 1
		c := (*from)[last]
		*from = (*from)[:last]

		ok, err := c.apply(t, forward)
		if err != nil {
			h.logger.Warn("command failed, discarding", "kind", c.Kind, "entity", c.Subject.Key, "forward", forward, "error", err)
			h.discarded++
			continue
		}
		if !ok {
			h.logger.Debug("command no longer applicable, discarding", "kind", c.Kind, "entity", c.Subject.Key, "forward", forward)
			h.discarded++
			continue
		}
		*to = append(*to, c)
		return c, nil
	}
	return nil, empty
}

// Depth returns the sizes of the undo and redo stacks.
func (h *History) Depth() (undo, redo int) {
	return len(h.undo), len(h.redo)
}

// Discarded counts commands dropped because their inverse was impossible.
func (h *History) Discarded() int { return h.discarded }

// Rebind points every recorded trajectory command for the entity at a new
// handle, after its trajectory was replaced outside the history.
func (h *History) Rebind(entityKey string, handle scene.TrajectoryHandle) {
	for _, stack := range [][]*Command{h.undo, h.redo} {
		for _, c := range stack {
			if c.Subject.Key == entityKey && c.hasTrajectory() {
				c.Handle = handle
			}
		}
	}
}

// Clear empties both stacks.
func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}
