// Package mqttbridge carries the transport over MQTT v5. The mapping
// is direct: user properties, correlation data, response topic,
// content type, payload format, and message expiry all have native
// MQTT v5 slots, and the topic dialect matches the canonical one.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"

	"github.com/eclipse/paho.golang/paho"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/pkg/retry"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

const defaultKeepAlive = 60

// dialFunc opens the raw byte stream the MQTT session runs over.
type dialFunc func(ctx context.Context) (net.Conn, error)

type subEntry struct {
	filter  string
	handler transport.Handler
	ctx     context.Context
}

// Bridge adapts an MQTT v5 session to the Transport interface. It
// owns the session lifecycle: on connection loss it redials with
// backoff, replays its subscriptions, and fires reconnect callbacks.
type Bridge struct {
	clientID  string
	dial      dialFunc
	keepAlive uint16
	retryCfg  retry.Config
	logger    transport.Logger

	mu        sync.Mutex
	client    *paho.Client
	connected bool
	subs      map[int]*subEntry
	nextSub   int
	cbs       map[int]func()
	nextCb    int
	closed    bool
	lost      chan struct{} // closed when the current session drops
	done      chan struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTCP dials the broker over plain TCP. This is the default when
// no dial option is given and New receives an address.
func WithTCP(addr string) Option {
	return func(b *Bridge) {
		b.dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
}

// WithTLS dials the broker over TLS.
func WithTLS(addr string, cfg *tls.Config) Option {
	return func(b *Bridge) {
		b.dial = func(ctx context.Context) (net.Conn, error) {
			d := tls.Dialer{Config: cfg}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
}

// WithWebSocket dials the broker over a websocket (ws:// or wss://)
// negotiating the mqtt subprotocol.
func WithWebSocket(url string) Option {
	return func(b *Bridge) {
		b.dial = func(ctx context.Context) (net.Conn, error) {
			return dialWebSocket(ctx, url)
		}
	}
}

// WithKeepAlive sets the MQTT keep-alive interval in seconds.
func WithKeepAlive(seconds uint16) Option {
	return func(b *Bridge) { b.keepAlive = seconds }
}

// WithReconnectRetry tunes the redial backoff.
func WithReconnectRetry(cfg retry.Config) Option {
	return func(b *Bridge) { b.retryCfg = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(logger transport.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New connects to addr with the given client identity and holds the
// session open until Close.
func New(ctx context.Context, clientID, addr string, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		clientID:  clientID,
		keepAlive: defaultKeepAlive,
		retryCfg:  retry.DefaultConfig(),
		logger:    &transport.DefaultLogger{Prefix: "[mqttbridge] "},
		subs:      make(map[int]*subEntry),
		cbs:       make(map[int]func()),
		done:      make(chan struct{}),
	}
	WithTCP(addr)(b)
	for _, opt := range opts {
		opt(b)
	}

	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	go b.maintain()
	return b, nil
}

// connect dials, runs the MQTT handshake, and replays subscriptions.
func (b *Bridge) connect(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return errors.Transport(err, "Bridge", "connect", "dial broker")
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	markLost := func(err error) {
		if err != nil {
			b.logger.Errorf("session lost: %v", err)
		}
		lostOnce.Do(func() { close(lost) })
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: b.clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				b.dispatch(pr.Packet)
				return true, nil
			},
		},
		OnClientError: markLost,
		OnServerDisconnect: func(d *paho.Disconnect) {
			b.logger.Errorf("server disconnect, reason %d", d.ReasonCode)
			markLost(nil)
		},
	})

	ca, err := client.Connect(ctx, &paho.Connect{
		ClientID:   b.clientID,
		KeepAlive:  b.keepAlive,
		CleanStart: true,
	})
	if err != nil {
		_ = conn.Close()
		return errors.Transport(err, "Bridge", "connect", "mqtt handshake")
	}
	if ca != nil && ca.ReasonCode != 0 {
		_ = conn.Close()
		return errors.Transport(
			&ConnackError{ReasonCode: ca.ReasonCode},
			"Bridge", "connect", "mqtt handshake")
	}

	b.mu.Lock()
	b.client = client
	b.connected = true
	b.lost = lost
	entries := make([]*subEntry, 0, len(b.subs))
	for _, e := range b.subs {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	for _, e := range entries {
		if err := b.sendSubscribe(ctx, client, e.filter); err != nil {
			b.logger.Errorf("resubscribe %s failed: %v", e.filter, err)
		}
	}
	return nil
}

// ConnackError reports a broker that answered the handshake with a
// failure reason.
type ConnackError struct {
	ReasonCode byte
}

func (e *ConnackError) Error() string {
	return "broker refused connection, reason " + strconv.Itoa(int(e.ReasonCode))
}

// maintain redials whenever the session drops, until Close.
func (b *Bridge) maintain() {
	for {
		b.mu.Lock()
		lost := b.lost
		b.mu.Unlock()

		select {
		case <-b.done:
			return
		case <-lost:
		}

		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()

		ctx := context.Background()
		err := retry.Do(ctx, b.retryCfg, func() error {
			select {
			case <-b.done:
				return retry.NonRetryable(errors.ErrClosed)
			default:
			}
			return b.connect(ctx)
		})
		if err != nil {
			if errors.Is(err, errors.ErrClosed) {
				return
			}
			b.logger.Errorf("giving up redialing: %v", err)
			return
		}

		b.mu.Lock()
		cbs := make([]func(), 0, len(b.cbs))
		for _, cb := range b.cbs {
			cbs = append(cbs, cb)
		}
		b.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}
	}
}

// dispatch routes one inbound publish to every matching subscription.
func (b *Bridge) dispatch(p *paho.Publish) {
	msg := fromPublish(p)

	b.mu.Lock()
	var targets []*subEntry
	for _, e := range b.subs {
		if topic.MatchFilter(e.filter, msg.Topic) {
			targets = append(targets, e)
		}
	}
	b.mu.Unlock()

	for _, e := range targets {
		e.handler(e.ctx, msg.Clone())
	}
}

func fromPublish(p *paho.Publish) *transport.Message {
	msg := &transport.Message{
		Topic:   p.Topic,
		Payload: p.Payload,
	}
	if p.Properties == nil {
		return msg
	}
	msg.CorrelationData = p.Properties.CorrelationData
	msg.ResponseTopic = p.Properties.ResponseTopic
	msg.ContentType = p.Properties.ContentType
	if p.Properties.PayloadFormat != nil {
		msg.PayloadFormat = *p.Properties.PayloadFormat
	}
	if p.Properties.MessageExpiry != nil {
		msg.Expiry = *p.Properties.MessageExpiry
	}
	for _, prop := range p.Properties.User {
		msg.SetProperty(prop.Key, prop.Value)
	}
	return msg
}

// Publish implements Transport. Delivery uses QoS 1.
func (b *Bridge) Publish(ctx context.Context, msg *transport.Message) error {
	b.mu.Lock()
	client := b.client
	connected := b.connected
	b.mu.Unlock()
	if !connected || client == nil {
		return errors.Transport(errors.ErrNotConnected, "Bridge", "Publish", "check session")
	}

	props := &paho.PublishProperties{
		CorrelationData: msg.CorrelationData,
		ResponseTopic:   msg.ResponseTopic,
		ContentType:     msg.ContentType,
	}
	if msg.PayloadFormat != 0 {
		pf := msg.PayloadFormat
		props.PayloadFormat = &pf
	}
	if msg.Expiry != 0 {
		expiry := msg.Expiry
		props.MessageExpiry = &expiry
	}
	for k, v := range msg.UserProperties {
		props.User = append(props.User, paho.UserProperty{Key: k, Value: v})
	}

	_, err := client.Publish(ctx, &paho.Publish{
		Topic:      msg.Topic,
		QoS:        1,
		Payload:    msg.Payload,
		Properties: props,
	})
	if err != nil {
		return errors.Transport(err, "Bridge", "Publish", "publish message")
	}
	return nil
}

func (b *Bridge) sendSubscribe(ctx context.Context, client *paho.Client, filter string) error {
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	return err
}

type subscription struct {
	b      *Bridge
	id     int
	filter string
}

func (s *subscription) Filter() string { return s.filter }

func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	client := s.b.client
	connected := s.b.connected
	s.b.mu.Unlock()

	if !connected || client == nil {
		return nil
	}
	if _, err := client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{s.filter}}); err != nil {
		return errors.Transport(err, "Bridge", "Unsubscribe", "remove subscription")
	}
	return nil
}

// Subscribe implements Transport. The subscription survives
// reconnects: the bridge replays it on every new session.
func (b *Bridge) Subscribe(ctx context.Context, filter string, handler transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subEntry{filter: filter, handler: handler, ctx: ctx}
	client := b.client
	connected := b.connected
	b.mu.Unlock()

	if connected && client != nil {
		if err := b.sendSubscribe(ctx, client, filter); err != nil {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			return nil, errors.Transport(err, "Bridge", "Subscribe", "create subscription")
		}
	}
	return &subscription{b: b, id: id, filter: filter}, nil
}

// OnReconnect implements Transport.
func (b *Bridge) OnReconnect(fn func()) (remove func()) {
	b.mu.Lock()
	id := b.nextCb
	b.nextCb++
	b.cbs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.cbs, id)
		b.mu.Unlock()
	}
}

// Connected implements Transport.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Close implements Transport.
func (b *Bridge) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	client := b.client
	b.mu.Unlock()

	close(b.done)
	if client != nil {
		if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			return errors.Transport(err, "Bridge", "Close", "disconnect session")
		}
	}
	return nil
}
