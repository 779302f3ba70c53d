// Package telemetry is the one-way counterpart of the rpc package:
// typed events flow from senders to receivers over topic templates,
// with no correlation and no responses. Clock stamps still travel so
// receivers observe the sender's causal position.
package telemetry

import (
	"context"
	"time"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/metric"
	"github.com/c360/meshrpc/rpc"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

// Event is the receiver-side view of one inbound message.
type Event[T any] struct {
	Payload    T
	Topic      string
	Tokens     topic.TokenMap
	Timestamp  hlc.Timestamp
	SenderID   string
	Properties map[string]string
}

// EventHandler consumes one event. A returned error is counted and
// logged; there is no channel to report it back on.
type EventHandler[T any] func(ctx context.Context, ev *Event[T]) error

// Sender publishes typed events on a topic template.
type Sender[T any] struct {
	tr         transport.Transport
	clock      *hlc.Clock
	template   *topic.Template
	serializer rpc.Serializer[T]
	tokens     topic.TokenMap
	senderID   string
	logger     transport.Logger
	metrics    *metric.Core
}

// SenderOption configures a Sender.
type SenderOption[T any] func(*Sender[T])

// WithSenderID stamps the sender's identity on every event.
func WithSenderID[T any](id string) SenderOption[T] {
	return func(s *Sender[T]) { s.senderID = id }
}

// WithSenderTokens sets durable replacement tokens resolved on every
// send.
func WithSenderTokens[T any](tokens topic.TokenMap) SenderOption[T] {
	return func(s *Sender[T]) { s.tokens = topic.Merge(s.tokens, tokens) }
}

// WithSenderLogger sets a custom logger.
func WithSenderLogger[T any](logger transport.Logger) SenderOption[T] {
	return func(s *Sender[T]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSenderMetrics records send metrics into reg.
func WithSenderMetrics[T any](reg *metric.Registry) SenderOption[T] {
	return func(s *Sender[T]) { s.metrics = reg.Core() }
}

// NewSender creates a sender for the given topic template.
func NewSender[T any](
	tr transport.Transport,
	clock *hlc.Clock,
	template string,
	serializer rpc.Serializer[T],
	opts ...SenderOption[T],
) (*Sender[T], error) {
	tmpl, err := topic.Parse(template)
	if err != nil {
		return nil, err
	}
	s := &Sender[T]{
		tr:         tr,
		clock:      clock,
		template:   tmpl,
		serializer: serializer,
		tokens:     topic.TokenMap{},
		logger:     &transport.DefaultLogger{Prefix: "[telemetry] "},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// sendConfig holds per-send settings.
type sendConfig struct {
	tokens     topic.TokenMap
	properties map[string]string
	expiry     time.Duration
}

// SendOption configures a single send.
type SendOption func(*sendConfig)

// WithSendTokens supplies send-scoped topic tokens.
func WithSendTokens(tokens topic.TokenMap) SendOption {
	return func(c *sendConfig) { c.tokens = tokens }
}

// WithSendProperty attaches a user property to the event.
func WithSendProperty(key, value string) SendOption {
	return func(c *sendConfig) {
		if c.properties == nil {
			c.properties = make(map[string]string)
		}
		c.properties[key] = value
	}
}

// WithMessageExpiry bounds how long an undelivered event stays valid.
func WithMessageExpiry(d time.Duration) SendOption {
	return func(c *sendConfig) { c.expiry = d }
}

// Send serializes the value, stamps the clock, and publishes. It is
// fire and forget beyond the transport's own delivery guarantee.
func (s *Sender[T]) Send(ctx context.Context, value T, opts ...SendOption) error {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	eventTopic, err := s.template.Compile(s.tokens, cfg.tokens)
	if err != nil {
		return err
	}
	payload, err := s.serializer.Serialize(value)
	if err != nil {
		return err
	}

	msg := &transport.Message{
		Topic:         eventTopic,
		Payload:       payload,
		ContentType:   s.serializer.ContentType(),
		PayloadFormat: s.serializer.PayloadFormat(),
	}
	if cfg.expiry > 0 {
		msg.Expiry = uint32((cfg.expiry + time.Second - 1) / time.Second)
	}
	for k, v := range cfg.properties {
		msg.SetProperty(k, v)
	}
	ts, err := s.clock.Now()
	if err != nil {
		return err
	}
	msg.SetProperty(rpc.PropTimestamp, ts.String())
	if s.senderID != "" {
		msg.SetProperty(rpc.PropSourceID, s.senderID)
	}

	if err := s.tr.Publish(ctx, msg); err != nil {
		return errors.Transport(err, "Sender", "Send", "publish event")
	}
	if s.metrics != nil {
		s.metrics.EventsSent.WithLabelValues(s.template.String()).Inc()
	}
	return nil
}

// Receiver subscribes to a topic filter and dispatches typed events.
type Receiver[T any] struct {
	tr         transport.Transport
	clock      *hlc.Clock
	template   *topic.Template
	serializer rpc.Serializer[T]
	handler    EventHandler[T]
	tokens     topic.TokenMap
	logger     transport.Logger
	metrics    *metric.Core

	sub     transport.Subscription
	started bool
	closed  bool
}

// ReceiverOption configures a Receiver.
type ReceiverOption[T any] func(*Receiver[T])

// WithReceiverTokens narrows the subscribe filter with durable tokens;
// unresolved tokens become wildcards.
func WithReceiverTokens[T any](tokens topic.TokenMap) ReceiverOption[T] {
	return func(r *Receiver[T]) { r.tokens = topic.Merge(r.tokens, tokens) }
}

// WithReceiverLogger sets a custom logger.
func WithReceiverLogger[T any](logger transport.Logger) ReceiverOption[T] {
	return func(r *Receiver[T]) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReceiverMetrics records receive metrics into reg.
func WithReceiverMetrics[T any](reg *metric.Registry) ReceiverOption[T] {
	return func(r *Receiver[T]) { r.metrics = reg.Core() }
}

// NewReceiver creates a receiver for the given topic template.
func NewReceiver[T any](
	tr transport.Transport,
	clock *hlc.Clock,
	template string,
	serializer rpc.Serializer[T],
	handler EventHandler[T],
	opts ...ReceiverOption[T],
) (*Receiver[T], error) {
	if handler == nil {
		return nil, errors.Validation(
			errors.New("handler must not be nil"),
			"Receiver", "NewReceiver", "validate handler")
	}
	tmpl, err := topic.Parse(template)
	if err != nil {
		return nil, err
	}
	r := &Receiver[T]{
		tr:         tr,
		clock:      clock,
		template:   tmpl,
		serializer: serializer,
		handler:    handler,
		tokens:     topic.TokenMap{},
		logger:     &transport.DefaultLogger{Prefix: "[telemetry] "},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start subscribes the receiver's filter.
func (r *Receiver[T]) Start(ctx context.Context) error {
	if r.closed {
		return errors.Validation(errors.ErrClosed, "Receiver", "Start", "check state")
	}
	if r.started {
		return errors.Validation(errors.ErrAlreadyStarted, "Receiver", "Start", "check state")
	}
	filter, err := r.template.CompileFilter(r.tokens)
	if err != nil {
		return err
	}
	sub, err := r.tr.Subscribe(ctx, filter, r.onEvent)
	if err != nil {
		return errors.Transport(err, "Receiver", "Start", "subscribe event filter")
	}
	r.sub = sub
	r.started = true
	return nil
}

// Close unsubscribes the event filter.
func (r *Receiver[T]) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.sub != nil {
		return r.sub.Unsubscribe(ctx)
	}
	return nil
}

func (r *Receiver[T]) onEvent(ctx context.Context, msg *transport.Message) {
	tokens, ok := r.template.Extract(msg.Topic)
	if !ok {
		r.logger.Debugf("ignoring event on non-matching topic %s", msg.Topic)
		return
	}

	var ts hlc.Timestamp
	if raw := msg.Property(rpc.PropTimestamp); raw != "" {
		remote, err := hlc.Parse(raw)
		if err != nil {
			r.logger.Errorf("event on %s carries malformed timestamp: %v", msg.Topic, err)
			return
		}
		if _, err := r.clock.UpdateWith(remote); err != nil {
			r.logger.Errorf("event on %s rejected by clock: %v", msg.Topic, err)
			return
		}
		ts = remote
	}

	payload, err := r.serializer.Deserialize(msg.Payload)
	if err != nil {
		r.logger.Errorf("event on %s has undecodable payload: %v", msg.Topic, err)
		if r.metrics != nil {
			r.metrics.HandlerErrors.Inc()
		}
		return
	}

	if r.metrics != nil {
		r.metrics.EventsReceived.WithLabelValues(r.template.String()).Inc()
	}
	ev := &Event[T]{
		Payload:    payload,
		Topic:      msg.Topic,
		Tokens:     tokens,
		Timestamp:  ts,
		SenderID:   msg.Property(rpc.PropSourceID),
		Properties: msg.UserProperties,
	}
	if err := r.handler(ctx, ev); err != nil {
		r.logger.Errorf("event handler failed on %s: %v", msg.Topic, err)
		if r.metrics != nil {
			r.metrics.HandlerErrors.Inc()
		}
	}
}
