// Package testutil provides shared helpers for testing code built on
// the transport interface: a recording transport wrapper for wire
// level assertions and a generic collector for asynchronous results.
// No external broker is required; pair these with transport/memory.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/meshrpc/transport"
)

// RecordingTransport wraps a Transport and records every published
// message for later inspection. Safe for concurrent use.
type RecordingTransport struct {
	transport.Transport

	mu        sync.Mutex
	published []*transport.Message
}

// NewRecordingTransport wraps inner.
func NewRecordingTransport(inner transport.Transport) *RecordingTransport {
	return &RecordingTransport{Transport: inner}
}

// Publish records a clone of msg, then forwards to the inner transport.
func (r *RecordingTransport) Publish(ctx context.Context, msg *transport.Message) error {
	r.mu.Lock()
	r.published = append(r.published, msg.Clone())
	r.mu.Unlock()
	return r.Transport.Publish(ctx, msg)
}

// Published returns a snapshot of all recorded messages in publish
// order.
func (r *RecordingTransport) Published() []*transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*transport.Message, len(r.published))
	copy(out, r.published)
	return out
}

// PublishedTo returns the recorded messages whose topic matches
// exactly.
func (r *RecordingTransport) PublishedTo(topic string) []*transport.Message {
	var out []*transport.Message
	for _, msg := range r.Published() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// WaitPublished blocks until at least n messages have been recorded or
// the timeout passes, and fails the test on timeout.
func (r *RecordingTransport) WaitPublished(t testing.TB, n int, timeout time.Duration) []*transport.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msgs := r.Published()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d messages, want at least %d", len(msgs), n)
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Collector gathers values delivered from another goroutine so tests
// can block on them.
type Collector[T any] struct {
	mu    sync.Mutex
	items []T
}

// Add appends one value.
func (c *Collector[T]) Add(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

// Len returns the number of collected values.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// At returns the i-th collected value.
func (c *Collector[T]) At(i int) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[i]
}

// Wait blocks until n values have arrived or the timeout passes, and
// fails the test on timeout.
func (c *Collector[T]) Wait(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if c.Len() >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("collected %d values, want at least %d", c.Len(), n)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}
