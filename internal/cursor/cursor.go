// Package cursor tracks how far a capture task has consumed its change stream.
// A Position is an opaque, monotonically ordered token; the Cursor enforces
// single-writer, forward-only advancement so a restart can resume without gaps.
package cursor

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrRegression is returned when a caller attempts to move a cursor backwards.
// That is never a transient condition: it signals a logic defect in whoever
// owns advancement, so it must stop the task rather than be swallowed.
var ErrRegression = errors.New("cursor position regression")

// Position marks a point in the change stream. ResumeToken is the stream's own
// opaque token; ClusterTime is the event's cluster timestamp and is the primary
// ordering key; WallTime is a fallback used only when no token exists yet.
// Copying marks a position persisted while a snapshot was still in flight: a
// task restarted from such a position must redo the snapshot from scratch.
type Position struct {
	ResumeToken bson.Raw            `json:"resumeToken,omitempty"`
	ClusterTime primitive.Timestamp `json:"clusterTime"`
	WallTime    time.Time           `json:"wallTime,omitempty"`
	Copying     bool                `json:"copying,omitempty"`
}

// IsZero reports whether the position carries no stream coordinate at all.
func (p Position) IsZero() bool {
	return len(p.ResumeToken) == 0 && p.ClusterTime.IsZero() && p.WallTime.IsZero()
}

// tokenData extracts the sortable "_data" payload from a resume token document.
func (p Position) tokenData() string {
	if len(p.ResumeToken) == 0 {
		return ""
	}
	v, err := p.ResumeToken.LookupErr("_data")
	if err != nil {
		return ""
	}
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return ""
}

// Compare orders two positions within one stream: -1, 0 or 1. Cluster time wins
// when both sides carry one; otherwise the token payloads compare
// lexicographically, which matches the server's KeyString encoding. The Copying
// flag does not participate in ordering.
func (p Position) Compare(o Position) int {
	if !p.ClusterTime.IsZero() && !o.ClusterTime.IsZero() {
		if c := primitive.CompareTimestamp(p.ClusterTime, o.ClusterTime); c != 0 {
			return c
		}
	}
	pd, od := p.tokenData(), o.tokenData()
	switch {
	case pd < od:
		return -1
	case pd > od:
		return 1
	}
	if p.WallTime.Before(o.WallTime) {
		return -1
	}
	if p.WallTime.After(o.WallTime) {
		return 1
	}
	return 0
}

// After reports whether p is strictly beyond o.
func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}

// Cursor is the single-writer advancement guard. It is not safe for concurrent
// use; the watcher state machine guarantees exactly one writer at a time.
type Cursor struct {
	pos Position
	set bool
}

// NewCursor returns a cursor primed at the given position. A zero position
// means "no history yet": the first Advance establishes the position.
func NewCursor(start Position) *Cursor {
	return &Cursor{pos: start, set: !start.IsZero()}
}

// Current returns the last advanced position.
func (c *Cursor) Current() Position {
	return c.pos
}

// Advance moves the cursor strictly forward. Advancing to a position at or
// before the current one fails with ErrRegression. Callers that may legally
// observe a repeated position (post-batch tokens on idle streams) should guard
// with Newer first.
func (c *Cursor) Advance(p Position) error {
	if p.IsZero() {
		return errors.New("cannot advance to a zero position")
	}
	if c.set && p.Compare(c.pos) <= 0 {
		return fmt.Errorf("%w: %s does not follow %s", ErrRegression, describe(p), describe(c.pos))
	}
	c.pos = p
	c.set = true
	return nil
}

// Newer reports whether p would advance the cursor.
func (c *Cursor) Newer(p Position) bool {
	if p.IsZero() {
		return false
	}
	return !c.set || p.Compare(c.pos) > 0
}

func describe(p Position) string {
	if d := p.tokenData(); d != "" {
		if len(d) > 16 {
			d = d[:16] + "..."
		}
		return "token:" + d
	}
	return fmt.Sprintf("ts:%d.%d", p.ClusterTime.T, p.ClusterTime.I)
}

// TokenPosition builds a Position from a raw resume token and cluster time.
func TokenPosition(token bson.Raw, clusterTime primitive.Timestamp) Position {
	return Position{ResumeToken: token, ClusterTime: clusterTime}
}

// WallClockPosition is the fallback for a stream that has never produced a
// token: tail from "now" expressed as a cluster-compatible timestamp.
func WallClockPosition(t time.Time) Position {
	return Position{
		ClusterTime: primitive.Timestamp{T: uint32(t.Unix())},
		WallTime:    t,
	}
}
