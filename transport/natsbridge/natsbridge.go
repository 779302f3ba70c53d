// Package natsbridge carries the transport over NATS. Topics are
// translated between the canonical slash dialect and NATS subjects at
// the boundary; message metadata rides in headers because core NATS
// has neither user properties nor per-message TTL.
package natsbridge

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/transport"
)

// Header names for metadata that NATS has no native slot for.
const (
	hdrCorrelation   = "Meshrpc-Correlation"
	hdrResponseTopic = "Meshrpc-Response-Topic"
	hdrContentType   = "Meshrpc-Content-Type"
	hdrPayloadFormat = "Meshrpc-Payload-Format"
	hdrExpiry        = "Meshrpc-Expiry"
	hdrSentAt        = "Meshrpc-Sent-At"
	hdrPropPrefix    = "Meshrpc-Prop-"
)

// Bridge adapts a NATS connection to the Transport interface.
type Bridge struct {
	nc       *nats.Conn
	ownsConn bool
	logger   transport.Logger

	mu     sync.Mutex
	cbs    map[int]func()
	nextCb int
	closed bool
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger   transport.Logger
	natsOpts []nats.Option
}

// WithLogger sets a custom logger.
func WithLogger(logger transport.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNATSOptions appends options to the underlying connect call.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *options) { o.natsOpts = append(o.natsOpts, opts...) }
}

// New connects to url and wraps the connection. The bridge owns the
// connection and drains it on Close.
func New(url string, opts ...Option) (*Bridge, error) {
	o := options{logger: &transport.DefaultLogger{Prefix: "[natsbridge] "}}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{ownsConn: true, logger: o.logger, cbs: make(map[int]func())}
	natsOpts := append([]nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(*nats.Conn) { b.fireReconnect() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Errorf("disconnected: %v", err)
			}
		}),
	}, o.natsOpts...)

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, errors.Transport(err, "Bridge", "New", "connect")
	}
	b.nc = nc
	return b, nil
}

// Wrap adapts an existing connection. The caller keeps ownership;
// Close leaves it open. Reconnect callbacks require the connection to
// have been created with a reconnect handler that calls FireReconnect.
func Wrap(nc *nats.Conn, opts ...Option) *Bridge {
	o := options{logger: &transport.DefaultLogger{Prefix: "[natsbridge] "}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bridge{nc: nc, logger: o.logger, cbs: make(map[int]func())}
}

// FireReconnect runs the registered reconnect callbacks. Wrapped
// connections call this from their own reconnect handler.
func (b *Bridge) FireReconnect() { b.fireReconnect() }

func (b *Bridge) fireReconnect() {
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

// toSubject translates a canonical topic or filter to a NATS subject.
func toSubject(topic string) string {
	s := strings.ReplaceAll(topic, "/", ".")
	s = strings.ReplaceAll(s, "+", "*")
	return strings.ReplaceAll(s, "#", ">")
}

// fromSubject translates a NATS subject back to canonical form.
func fromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Publish implements Transport.
func (b *Bridge) Publish(_ context.Context, msg *transport.Message) error {
	nm := nats.NewMsg(toSubject(msg.Topic))
	nm.Data = msg.Payload
	if len(msg.CorrelationData) > 0 {
		nm.Header.Set(hdrCorrelation, string(msg.CorrelationData))
	}
	if msg.ResponseTopic != "" {
		nm.Header.Set(hdrResponseTopic, msg.ResponseTopic)
	}
	if msg.ContentType != "" {
		nm.Header.Set(hdrContentType, msg.ContentType)
	}
	if msg.PayloadFormat != 0 {
		nm.Header.Set(hdrPayloadFormat, strconv.Itoa(int(msg.PayloadFormat)))
	}
	if msg.Expiry != 0 {
		nm.Header.Set(hdrExpiry, strconv.FormatUint(uint64(msg.Expiry), 10))
		nm.Header.Set(hdrSentAt, strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	for k, v := range msg.UserProperties {
		nm.Header.Set(hdrPropPrefix+k, v)
	}

	if err := b.nc.PublishMsg(nm); err != nil {
		return errors.Transport(err, "Bridge", "Publish", "publish message")
	}
	return nil
}

type subscription struct {
	filter string
	sub    *nats.Subscription
}

func (s *subscription) Filter() string { return s.filter }

func (s *subscription) Unsubscribe(_ context.Context) error {
	if err := s.sub.Unsubscribe(); err != nil {
		return errors.Transport(err, "Bridge", "Unsubscribe", "remove subscription")
	}
	return nil
}

// Subscribe implements Transport. NATS preserves per-subscription
// delivery order, so the handler runs on the subscription's own
// dispatch goroutine.
func (b *Bridge) Subscribe(ctx context.Context, filter string, handler transport.Handler) (transport.Subscription, error) {
	sub, err := b.nc.Subscribe(toSubject(filter), func(nm *nats.Msg) {
		if expired(nm, time.Now()) {
			b.logger.Debugf("dropping expired message on %s", nm.Subject)
			return
		}
		handler(ctx, fromNATS(nm))
	})
	if err != nil {
		return nil, errors.Transport(err, "Bridge", "Subscribe", "create subscription")
	}
	return &subscription{filter: filter, sub: sub}, nil
}

// expired reports whether the message's declared expiry interval has
// lapsed relative to its send stamp. Messages missing either header,
// or carrying an unreadable one, never expire.
func expired(nm *nats.Msg, now time.Time) bool {
	expiryHdr := nm.Header.Get(hdrExpiry)
	sentHdr := nm.Header.Get(hdrSentAt)
	if expiryHdr == "" || sentHdr == "" {
		return false
	}
	expiry, err := strconv.ParseUint(expiryHdr, 10, 32)
	if err != nil {
		return false
	}
	sentMs, err := strconv.ParseInt(sentHdr, 10, 64)
	if err != nil {
		return false
	}
	return now.UnixMilli()-sentMs > int64(expiry)*1000
}

func fromNATS(nm *nats.Msg) *transport.Message {
	msg := &transport.Message{
		Topic:   fromSubject(nm.Subject),
		Payload: nm.Data,
	}
	if v := nm.Header.Get(hdrCorrelation); v != "" {
		msg.CorrelationData = []byte(v)
	}
	msg.ResponseTopic = nm.Header.Get(hdrResponseTopic)
	msg.ContentType = nm.Header.Get(hdrContentType)
	if v := nm.Header.Get(hdrPayloadFormat); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			msg.PayloadFormat = byte(n)
		}
	}
	if v := nm.Header.Get(hdrExpiry); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			msg.Expiry = uint32(n)
		}
	}
	for key, values := range nm.Header {
		if !strings.HasPrefix(key, hdrPropPrefix) || len(values) == 0 {
			continue
		}
		msg.SetProperty(strings.TrimPrefix(key, hdrPropPrefix), values[0])
	}
	return msg
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
func (b *Bridge) Connected() bool { return b.nc.IsConnected() }

// Close implements Transport. An owned connection is drained so
// buffered messages flush before the socket drops.
func (b *Bridge) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !b.ownsConn {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		return errors.Transport(err, "Bridge", "Close", "drain connection")
	}
	return nil
}
