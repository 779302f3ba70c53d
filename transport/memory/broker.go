// Package memory provides an in-process implementation of the
// transport interface. It exists for tests and single-process wiring:
// exact wildcard matching, per-subscription ordered delivery, simulated
// reconnects, and optional duplicate delivery to exercise at-least-once
// consumers.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

const defaultQueueSize = 256

// Broker is an in-process pub/sub broker implementing
// transport.Transport.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	reconnectMu  sync.Mutex
	reconnectFns map[int]func()
	nextReID     int

	connected atomic.Bool
	closed    atomic.Bool

	logger    transport.Logger
	queueSize int

	// Duplicate every Nth publish when > 0, simulating at-least-once
	// redelivery.
	dupEvery int
	pubCount atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(logger transport.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueSize sets the per-subscription delivery queue size.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithDuplicateEvery delivers every nth published message twice,
// simulating at-least-once redelivery.
func WithDuplicateEvery(n int) Option {
	return func(b *Broker) { b.dupEvery = n }
}

// NewBroker creates a connected in-process broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs:         make(map[int]*subscription),
		reconnectFns: make(map[int]func()),
		logger:       &transport.DefaultLogger{Prefix: "[membroker] "},
		queueSize:    defaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.connected.Store(true)
	return b
}

type subscription struct {
	id      int
	filter  string
	handler transport.Handler
	queue   chan *transport.Message
	done    chan struct{}
	broker  *Broker
	once    sync.Once
}

// Filter implements transport.Subscription.
func (s *subscription) Filter() string { return s.filter }

// Unsubscribe implements transport.Subscription.
func (s *subscription) Unsubscribe(_ context.Context) error {
	s.once.Do(func() {
		s.broker.removeSub(s.id)
		close(s.done)
	})
	return nil
}

// Publish implements transport.Transport. Delivery to each matching
// subscription is ordered; different subscriptions proceed
// independently.
func (b *Broker) Publish(_ context.Context, msg *transport.Message) error {
	if b.closed.Load() {
		return errors.Transport(errors.ErrClosed, "Broker", "Publish", "check state")
	}
	if !b.connected.Load() {
		return errors.Transport(errors.ErrNotConnected, "Broker", "Publish", "check connection")
	}
	if !topic.ValidTopic(msg.Topic) {
		return errors.Validation(errors.ErrInvalidTopic, "Broker", "Publish", "validate topic")
	}

	copies := 1
	if b.dupEvery > 0 && b.pubCount.Add(1)%int64(b.dupEvery) == 0 {
		copies = 2
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !topic.MatchFilter(sub.filter, msg.Topic) {
			continue
		}
		for i := 0; i < copies; i++ {
			select {
			case sub.queue <- msg.Clone():
			case <-sub.done:
			}
		}
	}
	return nil
}

// Subscribe implements transport.Transport.
func (b *Broker) Subscribe(ctx context.Context, filter string, handler transport.Handler) (transport.Subscription, error) {
	if b.closed.Load() {
		return nil, errors.Transport(errors.ErrClosed, "Broker", "Subscribe", "check state")
	}
	if filter == "" {
		return nil, errors.Validation(errors.ErrInvalidTopic, "Broker", "Subscribe", "validate filter")
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		filter:  filter,
		handler: handler,
		queue:   make(chan *transport.Message, b.queueSize),
		done:    make(chan struct{}),
		broker:  b,
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.deliver(ctx)
	return sub, nil
}

// deliver pumps queued messages to the handler in arrival order.
func (s *subscription) deliver(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.handler(ctx, msg)
		}
	}
}

func (b *Broker) removeSub(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// OnReconnect implements transport.Transport.
func (b *Broker) OnReconnect(fn func()) (remove func()) {
	b.reconnectMu.Lock()
	defer b.reconnectMu.Unlock()
	b.nextReID++
	id := b.nextReID
	b.reconnectFns[id] = fn
	return func() {
		b.reconnectMu.Lock()
		defer b.reconnectMu.Unlock()
		delete(b.reconnectFns, id)
	}
}

// Connected implements transport.Transport.
func (b *Broker) Connected() bool {
	return b.connected.Load() && !b.closed.Load()
}

// Close implements transport.Transport.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe(context.Background())
	}
	b.connected.Store(false)
	return nil
}

// Disconnect drops the session. Publishes fail until Reconnect.
// Subscriptions persist across the gap, as a session-resuming broker
// would keep them.
func (b *Broker) Disconnect() {
	b.connected.Store(false)
}

// Reconnect restores the session and fires reconnect callbacks
// synchronously, so tests can observe resynchronization effects after
// it returns.
func (b *Broker) Reconnect() {
	b.connected.Store(true)
	b.reconnectMu.Lock()
	fns := make([]func(), 0, len(b.reconnectFns))
	for _, fn := range b.reconnectFns {
		fns = append(fns, fn)
	}
	b.reconnectMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SimulateReconnect drops and immediately restores the session.
func (b *Broker) SimulateReconnect() {
	b.Disconnect()
	b.Reconnect()
}
