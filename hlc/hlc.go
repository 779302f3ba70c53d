// Package hlc implements a hybrid logical clock: a timestamp combining
// wall-clock milliseconds, a logical counter, and an originator
// identity. Timestamps are mergeable and monotonically comparable, so
// one process-wide clock gives every locally observed event a total
// order that respects causality across processes.
//
// Two rules govern the clock, in the spirit of Lamport's IR1/IR2:
// advancing for a local event takes max(previous wall, now) and bumps
// the counter on a wall-time collision; merging a remote timestamp
// takes the max of local, remote, and now, combining counters when the
// chosen wall time collides.
//
// A configured maximum drift bounds how far ahead of local wall time an
// accepted timestamp may run. Exceeding it is a hard error, never a
// silent clamp: it signals a misbehaving peer or clock.
package hlc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/meshrpc/errors"
)

// Timestamp is one hybrid logical clock reading. The zero value means
// "not set".
type Timestamp struct {
	WallTime int64  // milliseconds since Unix epoch, UTC
	Counter  uint16 // logical counter within one wall-time tick
	NodeID   string // originator identity; tie-break for origin only
}

// IsZero reports whether t is the unset timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Counter == 0 && t.NodeID == ""
}

// Compare orders timestamps lexicographically on (WallTime, Counter).
// NodeID never participates in ordering; two readings with equal wall
// time and counter compare equal regardless of origin.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.WallTime < o.WallTime:
		return -1
	case t.WallTime > o.WallTime:
		return 1
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	default:
		return 0
	}
}

// After reports whether t orders strictly after o.
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// Before reports whether t orders strictly before o.
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// SameOrigin reports whether two readings were produced by the same
// node.
func (t Timestamp) SameOrigin(o Timestamp) bool { return t.NodeID == o.NodeID }

// String encodes the timestamp as fixed-width
// "<wall ms>:<counter>:<node id>" (15 and 5 decimal digits), so the
// encoded form preserves the (WallTime, Counter) order under plain
// string comparison.
func (t Timestamp) String() string {
	return fmt.Sprintf("%015d:%05d:%s", t.WallTime, t.Counter, t.NodeID)
}

// Parse decodes a timestamp produced by String. Malformed text is a
// validation error.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Timestamp{}, errors.Validation(
			fmt.Errorf("want 3 colon-separated fields, got %d", len(parts)),
			"Timestamp", "Parse", "split fields")
	}

	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || wall < 0 {
		return Timestamp{}, errors.Validation(
			fmt.Errorf("bad wall time %q", parts[0]),
			"Timestamp", "Parse", "parse wall time")
	}

	counter, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Timestamp{}, errors.Validation(
			fmt.Errorf("bad counter %q", parts[1]),
			"Timestamp", "Parse", "parse counter")
	}

	return Timestamp{WallTime: wall, Counter: uint16(counter), NodeID: parts[2]}, nil
}

// DefaultMaxDrift bounds how far ahead of local wall time an accepted
// timestamp may run unless overridden with WithMaxDrift.
const DefaultMaxDrift = 5 * time.Minute

// Clock is the process-wide hybrid logical clock. All mutation runs
// under a single critical section so locally observed events are
// totally ordered. Callers receive copies, never references into the
// clock's state.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	nodeID   string
	maxDrift time.Duration
	now      func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithMaxDrift overrides the maximum accepted clock drift.
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) { c.maxDrift = d }
}

// WithNowFunc overrides the wall-clock source, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// NewClock creates a clock owned by nodeID. One instance per process.
func NewClock(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		nodeID:   nodeID,
		maxDrift: DefaultMaxDrift,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeID returns the clock's originator identity.
func (c *Clock) NodeID() string { return c.nodeID }

// Snapshot returns a read-only copy of the latest reading without
// advancing the clock.
func (c *Clock) Snapshot() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Now advances the clock for a local event and returns the new reading.
// Fails with ErrDriftExceeded or ErrCounterOverflow without mutating
// state.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	next, err := c.advance(nowMs, c.last, Timestamp{})
	if err != nil {
		return Timestamp{}, err
	}
	c.last = next
	return next, nil
}

// UpdateWith merges a remote reading into the clock and returns the new
// local reading. Fails with ErrDriftExceeded if the remote wall time
// runs ahead of local time by more than the configured bound, or
// ErrCounterOverflow if the counter would exceed its fixed width; state
// is unchanged on error.
func (c *Clock) UpdateWith(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	if drift := remote.WallTime - nowMs; drift > c.maxDrift.Milliseconds() {
		return Timestamp{}, errors.Validation(
			fmt.Errorf("remote wall time ahead by %dms (max %v): %w",
				drift, c.maxDrift, errors.ErrDriftExceeded),
			"Clock", "UpdateWith", "check drift")
	}

	next, err := c.advance(nowMs, c.last, remote)
	if err != nil {
		return Timestamp{}, err
	}
	c.last = next
	return next, nil
}

// advance computes the next reading from the local state, an optional
// remote reading, and the current wall time. Does not mutate.
func (c *Clock) advance(nowMs int64, local, remote Timestamp) (Timestamp, error) {
	wall := nowMs
	if local.WallTime > wall {
		wall = local.WallTime
	}
	if remote.WallTime > wall {
		wall = remote.WallTime
	}

	if drift := wall - nowMs; drift > c.maxDrift.Milliseconds() {
		return Timestamp{}, errors.Validation(
			fmt.Errorf("wall time ahead by %dms (max %v): %w",
				drift, c.maxDrift, errors.ErrDriftExceeded),
			"Clock", "advance", "check drift")
	}

	var counter uint32
	switch {
	case wall == local.WallTime && wall == remote.WallTime:
		counter = uint32(max16(local.Counter, remote.Counter)) + 1
	case wall == local.WallTime:
		counter = uint32(local.Counter) + 1
	case wall == remote.WallTime:
		counter = uint32(remote.Counter) + 1
	default:
		counter = 0
	}
	if counter > math.MaxUint16 {
		return Timestamp{}, errors.Validation(
			fmt.Errorf("counter would exceed %d within one wall tick: %w",
				math.MaxUint16, errors.ErrCounterOverflow),
			"Clock", "advance", "bump counter")
	}

	return Timestamp{WallTime: wall, Counter: uint16(counter), NodeID: c.nodeID}, nil
}

func max16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
