// Package transport defines the pub/sub transport boundary the meshrpc
// substrate is built on: topic-addressed publish, filter-addressed
// subscribe with single-level wildcards, at-least-once delivery, a
// per-message binary payload with a string property bag, and message
// expiry. Broker specifics live in the bridge subpackages; everything
// above this interface is broker-agnostic.
package transport

import (
	"context"
	"log"
)

// Message is one transport frame. UserProperties carry the open set of
// protocol metadata (HLC snapshot, status codes, echoed topic tokens).
type Message struct {
	Topic           string
	Payload         []byte
	CorrelationData []byte
	ResponseTopic   string
	ContentType     string
	PayloadFormat   byte
	Expiry          uint32 // seconds; 0 means no expiry
	UserProperties  map[string]string
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *Message) Clone() *Message {
	out := *m
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	if m.CorrelationData != nil {
		out.CorrelationData = append([]byte(nil), m.CorrelationData...)
	}
	if m.UserProperties != nil {
		out.UserProperties = make(map[string]string, len(m.UserProperties))
		for k, v := range m.UserProperties {
			out.UserProperties[k] = v
		}
	}
	return &out
}

// Property reads a user property, returning "" when absent.
func (m *Message) Property(key string) string {
	if m.UserProperties == nil {
		return ""
	}
	return m.UserProperties[key]
}

// SetProperty writes a user property, allocating the bag on first use.
func (m *Message) SetProperty(key, value string) {
	if m.UserProperties == nil {
		m.UserProperties = make(map[string]string)
	}
	m.UserProperties[key] = value
}

// Handler consumes one inbound message. The transport delivers messages
// for a single subscription in order; handlers that need concurrency
// fan out themselves.
type Handler func(ctx context.Context, msg *Message)

// Subscription is one active subscribe filter.
type Subscription interface {
	// Filter returns the subscribe filter this subscription was made with.
	Filter() string
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe(ctx context.Context) error
}

// Transport is the broker-facing capability the substrate requires.
type Transport interface {
	// Publish sends a message. The transport guarantees at-least-once
	// delivery to matching subscribers.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for a topic filter in the canonical
	// '/'-separated, '+'-wildcard dialect.
	Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error)

	// OnReconnect registers a callback invoked after the transport
	// re-establishes a broken session. The returned function removes the
	// registration.
	OnReconnect(fn func()) (remove func())

	// Connected reports whether the transport currently has a live
	// session.
	Connected() bool

	// Close tears the transport down. Subscriptions become invalid.
	Close(ctx context.Context) error
}

// Logger is the logging interface injected into transport
// implementations and the channels above them.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// DefaultLogger logs via the standard log package with silent debug.
type DefaultLogger struct {
	Prefix string
}

// Printf implements Logger.
func (l *DefaultLogger) Printf(format string, v ...any) {
	log.Printf(l.Prefix+format, v...)
}

// Errorf implements Logger.
func (l *DefaultLogger) Errorf(format string, v ...any) {
	log.Printf(l.Prefix+"ERROR "+format, v...)
}

// Debugf implements Logger. Silent by default.
func (l *DefaultLogger) Debugf(_ string, _ ...any) {}

// NopLogger discards everything.
type NopLogger struct{}

// Printf implements Logger.
func (NopLogger) Printf(_ string, _ ...any) {}

// Errorf implements Logger.
func (NopLogger) Errorf(_ string, _ ...any) {}

// Debugf implements Logger.
func (NopLogger) Debugf(_ string, _ ...any) {}
