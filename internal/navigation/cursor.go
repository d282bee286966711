// Package navigation tracks a user's reading position within a course.
// A Cursor binds a course tree to a persisted Position and moves it
// through the leaf sequence in bounded steps; it never wraps around
// either end.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/albertojacini/vemorize/internal/course"
)

// ErrNoCourse is returned by operations that need a loaded course.
var ErrNoCourse = errors.New("no course loaded")

// PositionStore reads and writes navigation positions.
type PositionStore interface {
	GetOrCreate(ctx context.Context, userID, courseID, firstLeafID string) (*Position, error)
	UpdateCurrentLeaf(ctx context.Context, id, leafID string) (*Position, error)
}

// Cursor is the current reading position of one session.
type Cursor struct {
	store  PositionStore
	logger *slog.Logger

	mu     sync.Mutex
	tree   *course.Tree
	pos    *Position
	length course.ReadingLength
}

// NewCursor creates a cursor with no course loaded.
func NewCursor(store PositionStore, logger *slog.Logger) *Cursor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cursor{store: store, logger: logger, length: course.Regular}
}

// Load binds the cursor to a course tree and the user's stored position
// in it. A stored leaf that no longer exists in the tree is re-resolved
// to the first leaf.
func (c *Cursor) Load(ctx context.Context, userID, courseID string, tree *course.Tree) error {
	first := ""
	if leaf := tree.FirstLeaf(); leaf != nil {
		first = leaf.ID
	}

	pos, err := c.store.GetOrCreate(ctx, userID, courseID, first)
	if err != nil {
		return fmt.Errorf("load navigation: %w", err)
	}

	if tree.LeafByID(pos.CurrentLeafID) == nil && first != "" {
		c.logger.Warn("stored leaf not in course, resetting to first leaf",
			"course_id", courseID, "stale_leaf_id", pos.CurrentLeafID, "leaf_id", first)
		pos, err = c.store.UpdateCurrentLeaf(ctx, pos.ID, first)
		if err != nil {
			return fmt.Errorf("reset navigation: %w", err)
		}
	}

	c.mu.Lock()
	c.tree = tree
	c.pos = pos
	c.mu.Unlock()
	return nil
}

// Loaded reports whether a course is bound.
func (c *Cursor) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree != nil && c.pos != nil
}

// Position returns a copy of the current position, or nil.
func (c *Cursor) Position() *Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil {
		return nil
	}
	p := *c.pos
	return &p
}

// CourseID returns the loaded course id, or "".
func (c *Cursor) CourseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil {
		return ""
	}
	return c.pos.CourseID
}

// Current returns the current leaf, or nil when nothing is loaded or
// the course has no leaves.
func (c *Cursor) Current() *course.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *Cursor) currentLocked() *course.Node {
	if c.tree == nil || c.pos == nil {
		return nil
	}
	return c.tree.LeafByID(c.pos.CurrentLeafID)
}

// SetReadingLength selects which reading text variant is returned.
func (c *Cursor) SetReadingLength(l course.ReadingLength) {
	c.mu.Lock()
	c.length = l
	c.mu.Unlock()
}

// ReadingLength returns the selected reading text variant.
func (c *Cursor) ReadingLength() course.ReadingLength {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// ReadingText returns the speakable reading text of the current leaf
// for the selected length. ok is false when there is no current leaf or
// the variant is missing.
func (c *Cursor) ReadingText() (text string, ok bool) {
	c.mu.Lock()
	leaf := c.currentLocked()
	length := c.length
	c.mu.Unlock()

	raw, ok := leaf.ReadingText(length)
	if !ok {
		return "", false
	}
	text = course.Speakable(raw)
	return text, text != ""
}

// Step moves delta leaves from the current one and persists the new
// position. It returns a nil node without error when the move would
// leave the sequence or the current position is stale; the position is
// then unchanged.
func (c *Cursor) Step(ctx context.Context, delta int) (*course.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tree == nil || c.pos == nil {
		return nil, ErrNoCourse
	}

	next := c.tree.StepBy(c.pos.CurrentLeafID, delta)
	if next == nil {
		c.logger.Debug("navigation step out of range",
			"course_id", c.pos.CourseID, "leaf_id", c.pos.CurrentLeafID, "delta", delta)
		return nil, nil
	}

	pos, err := c.store.UpdateCurrentLeaf(ctx, c.pos.ID, next.ID)
	if err != nil {
		return nil, fmt.Errorf("persist navigation: %w", err)
	}
	c.pos = pos
	return next, nil
}
