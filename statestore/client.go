// Package statestore is the coordination client: shared key/value
// state with conditional writes, fencing tokens, expiry, and key
// change notifications, carried over the rpc and telemetry channels.
package statestore

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/metric"
	"github.com/c360/meshrpc/pkg/retry"
	"github.com/c360/meshrpc/rpc"
	"github.com/c360/meshrpc/statestore/resp"
	"github.com/c360/meshrpc/telemetry"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

// Topic shapes shared by client and service.
const (
	CommandTemplate = "statestore/v1/{serviceGroup}/command/invoke"
	NotifyTemplate  = "clients/statestore/v1/{serviceGroup}/{clientId}/command/notify/{keyHex}"

	// DefaultServiceGroup scopes clients that share one service
	// instance.
	DefaultServiceGroup = "default"

	defaultRequestTimeout = 10 * time.Second
	defaultNotifyBuffer   = 16
)

// Op is the kind of change a notification reports.
type Op string

const (
	OpSet    Op = "SET"
	OpDelete Op = "DELETE"
)

// Notification is one observed change to a watched key.
type Notification struct {
	Key       string
	Op        Op
	Value     []byte // nil for OpDelete
	Timestamp hlc.Timestamp
}

// Condition gates a Set.
type Condition int

const (
	// ConditionAlways writes unconditionally.
	ConditionAlways Condition = iota
	// ConditionNotExists writes only when the key is absent.
	ConditionNotExists
	// ConditionEqualOrNotExists writes only when the key is absent or
	// already holds the new value.
	ConditionEqualOrNotExists
)

// writeConfig holds per-write settings.
type writeConfig struct {
	condition Condition
	expiry    time.Duration
	fencing   hlc.Timestamp
}

// WriteOption configures a single write operation.
type WriteOption func(*writeConfig)

// WithCondition gates the write; Set only.
func WithCondition(c Condition) WriteOption {
	return func(cfg *writeConfig) { cfg.condition = c }
}

// WithExpiry lets the key lapse after d; Set only.
func WithExpiry(d time.Duration) WriteOption {
	return func(cfg *writeConfig) { cfg.expiry = d }
}

// WithFencingToken protects the write with a lock holder's token.
func WithFencingToken(ts hlc.Timestamp) WriteOption {
	return func(cfg *writeConfig) { cfg.fencing = ts }
}

// watch is the local registry entry for one watched key. The remote
// registration runs outside the registry lock; ready resolves it for
// subscribers that join while it is in flight.
type watch struct {
	refs  int
	subs  []chan Notification
	ready chan struct{} // closed once the remote registration resolves
	err   error         // set before ready closes; non-nil means it failed
}

// Client talks to one coordination service instance.
type Client struct {
	tr           transport.Transport
	clock        *hlc.Clock
	clientID     string
	serviceGroup string

	invoker  *rpc.Invoker[[]byte, []byte]
	receiver *telemetry.Receiver[[]byte]

	logger         transport.Logger
	metrics        *metric.Core
	requestTimeout time.Duration
	notifyBuffer   int
	retryCfg       retry.Config

	mu              sync.Mutex
	watches         map[string]*watch
	removeReconnect func()
	started         bool
	closed          bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithServiceGroup selects the service instance to talk to.
func WithServiceGroup(group string) ClientOption {
	return func(c *Client) {
		if group != "" {
			c.serviceGroup = group
		}
	}
}

// WithClientLogger sets a custom logger.
func WithClientLogger(logger transport.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics records client metrics into reg.
func WithClientMetrics(reg *metric.Registry) ClientOption {
	return func(c *Client) { c.metrics = reg.Core() }
}

// WithRequestTimeout bounds each command round trip.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithNotifyBuffer sizes each subscriber's notification buffer.
func WithNotifyBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.notifyBuffer = n
		}
	}
}

// WithResyncRetry tunes the backoff used when re-registering watches
// after a reconnect.
func WithResyncRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retryCfg = cfg }
}

// New creates a coordination client. clientID must be unique among
// concurrent clients of the same service group.
func New(tr transport.Transport, clock *hlc.Clock, clientID string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		tr:             tr,
		clock:          clock,
		clientID:       clientID,
		serviceGroup:   DefaultServiceGroup,
		logger:         &transport.DefaultLogger{Prefix: "[statestore] "},
		requestTimeout: defaultRequestTimeout,
		notifyBuffer:   defaultNotifyBuffer,
		retryCfg:       retry.DefaultConfig(),
		watches:        make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(c)
	}

	invoker, err := rpc.NewInvoker(
		tr, clock, clientID, CommandTemplate,
		rpc.Raw{}, rpc.Raw{},
		rpc.WithInvokerTokens[[]byte, []byte](topic.TokenMap{"serviceGroup": c.serviceGroup}),
		rpc.WithCommandName[[]byte, []byte]("statestore"),
		rpc.WithInvokerLogger[[]byte, []byte](c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.invoker = invoker

	receiver, err := telemetry.NewReceiver(
		tr, clock, NotifyTemplate,
		rpc.Raw{}, c.onNotify,
		telemetry.WithReceiverTokens[[]byte](topic.TokenMap{
			"serviceGroup": c.serviceGroup,
			"clientId":     clientID,
		}),
		telemetry.WithReceiverLogger[[]byte](c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.receiver = receiver
	return c, nil
}

// Start connects the command and notification channels and hooks
// reconnect resync.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Validation(errors.ErrClosed, "Client", "Start", "check state")
	}
	if c.started {
		return errors.Validation(errors.ErrAlreadyStarted, "Client", "Start", "check state")
	}

	if err := c.invoker.Start(ctx); err != nil {
		return err
	}
	if err := c.receiver.Start(ctx); err != nil {
		return err
	}
	c.removeReconnect = c.tr.OnReconnect(func() {
		if c.metrics != nil {
			c.metrics.Reconnects.Inc()
		}
		go c.resync()
	})
	c.started = true
	return nil
}

// Close tears down both channels and closes all subscriber channels.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remove := c.removeReconnect
	watches := c.watches
	c.watches = make(map[string]*watch)
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
	for _, w := range watches {
		for _, ch := range w.subs {
			close(ch)
		}
	}
	err := c.receiver.Close(ctx)
	if invErr := c.invoker.Close(ctx); err == nil {
		err = invErr
	}
	return err
}

// Set writes key to value. It reports whether the write was applied
// (false only when a condition was not met) and the version the
// service assigned.
func (c *Client) Set(ctx context.Context, key string, value []byte, opts ...WriteOption) (bool, hlc.Timestamp, error) {
	if key == "" {
		return false, hlc.Timestamp{}, errors.Validation(errors.ErrEmptyKey, "Client", "Set", "validate key")
	}
	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	args := [][]byte{[]byte("SET"), []byte(key), value}
	switch cfg.condition {
	case ConditionNotExists:
		args = append(args, []byte("NX"))
	case ConditionEqualOrNotExists:
		args = append(args, []byte("NEX"))
	}
	if cfg.expiry > 0 {
		ms := cfg.expiry.Milliseconds()
		if ms == 0 {
			ms = 1
		}
		args = append(args, []byte("PX"), []byte(strconv.FormatInt(ms, 10)))
	}

	var callOpts []rpc.InvokeOption
	if !cfg.fencing.IsZero() {
		callOpts = append(callOpts, rpc.WithFencingToken(cfg.fencing))
	}

	payload, meta, err := c.invoke(ctx, "set", resp.EncodeBlobArray(args...), callOpts...)
	if err != nil {
		return false, hlc.Timestamp{}, err
	}

	// +OK means applied; a nil blob means the condition was not met.
	switch {
	case len(payload) > 0 && payload[0] == '$':
		if _, _, err := resp.ParseBlob(payload); err != nil {
			return false, hlc.Timestamp{}, c.opError("set", err)
		}
		c.countOp("set", "condition_not_met")
		return false, hlc.Timestamp{}, nil
	default:
		if _, err := resp.ParseSimple(payload); err != nil {
			return false, hlc.Timestamp{}, c.opError("set", err)
		}
		c.countOp("set", "ok")
		return true, meta.Timestamp, nil
	}
}

// Get reads key. Absence is not an error: found is false and the
// version zero.
func (c *Client) Get(ctx context.Context, key string) (value []byte, version hlc.Timestamp, found bool, err error) {
	if key == "" {
		return nil, hlc.Timestamp{}, false, errors.Validation(errors.ErrEmptyKey, "Client", "Get", "validate key")
	}
	payload, meta, err := c.invoke(ctx, "get", resp.EncodeStrings("GET", key))
	if err != nil {
		return nil, hlc.Timestamp{}, false, err
	}
	value, found, err = resp.ParseBlob(payload)
	if err != nil {
		return nil, hlc.Timestamp{}, false, c.opError("get", err)
	}
	if !found {
		c.countOp("get", "miss")
		return nil, hlc.Timestamp{}, false, nil
	}
	c.countOp("get", "ok")
	return value, meta.Timestamp, true, nil
}

// Del removes key and returns the number of keys removed (0 or 1).
func (c *Client) Del(ctx context.Context, key string, opts ...WriteOption) (int, error) {
	return c.deleteOp(ctx, "del", key, nil, opts)
}

// Vdel removes key only if it currently holds expected. It returns the
// number of keys removed; -1 reports a value mismatch.
func (c *Client) Vdel(ctx context.Context, key string, expected []byte, opts ...WriteOption) (int, error) {
	return c.deleteOp(ctx, "vdel", key, expected, opts)
}

func (c *Client) deleteOp(ctx context.Context, op, key string, expected []byte, opts []WriteOption) (int, error) {
	if key == "" {
		return 0, errors.Validation(errors.ErrEmptyKey, "Client", "Del", "validate key")
	}
	var cfg writeConfig
	for _, o := range opts {
		o(&cfg)
	}

	var frame []byte
	if op == "vdel" {
		frame = resp.EncodeBlobArray([]byte("VDEL"), []byte(key), expected)
	} else {
		frame = resp.EncodeStrings("DEL", key)
	}
	var callOpts []rpc.InvokeOption
	if !cfg.fencing.IsZero() {
		callOpts = append(callOpts, rpc.WithFencingToken(cfg.fencing))
	}

	payload, _, err := c.invoke(ctx, op, frame, callOpts...)
	if err != nil {
		return 0, err
	}
	n, err := resp.ParseNumber(payload)
	if err != nil {
		return 0, c.opError(op, err)
	}
	c.countOp(op, "ok")
	return int(n), nil
}

// KeyNotify registers interest in key and returns a channel of its
// changes. The remote registration is sent only for the first local
// subscriber; later subscribers share it, and a subscriber joining
// while the registration is still in flight waits for its outcome.
func (c *Client) KeyNotify(ctx context.Context, key string) (<-chan Notification, error) {
	if key == "" {
		return nil, errors.Validation(errors.ErrEmptyKey, "Client", "KeyNotify", "validate key")
	}

	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil, errors.Validation(errors.ErrNotStarted, "Client", "KeyNotify", "check state")
	}
	w := c.watches[key]
	register := w == nil
	if register {
		w = &watch{ready: make(chan struct{})}
		c.watches[key] = w
	}
	ch := make(chan Notification, c.notifyBuffer)
	w.subs = append(w.subs, ch)
	w.refs++
	c.mu.Unlock()

	if !register {
		// Bounded by the registrar's request timeout.
		<-w.ready
		if w.err != nil {
			return nil, w.err
		}
		return ch, nil
	}

	// The round trip runs without c.mu so notification fan-out and
	// other keys stay live while it is in flight.
	err := c.sendKeyNotify(ctx, key, false)

	c.mu.Lock()
	w.err = err
	var orphaned []chan Notification
	if err != nil && c.watches[key] == w {
		orphaned = w.subs
		w.subs = nil
		w.refs = 0
		delete(c.watches, key)
	}
	c.mu.Unlock()
	close(w.ready)
	for _, sub := range orphaned {
		close(sub)
	}

	if err != nil {
		return nil, err
	}
	return ch, nil
}

// KeyNotifyStop releases one subscription obtained from KeyNotify and
// closes its channel. The remote registration is torn down only when
// the last local subscriber leaves.
func (c *Client) KeyNotifyStop(ctx context.Context, key string, ch <-chan Notification) error {
	c.mu.Lock()
	w := c.watches[key]
	if w == nil {
		c.mu.Unlock()
		return errors.Validation(
			fmt.Errorf("key %q has no active subscription", key),
			"Client", "KeyNotifyStop", "find subscription")
	}
	idx := -1
	for i, sub := range w.subs {
		if (<-chan Notification)(sub) == ch {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return errors.Validation(
			fmt.Errorf("channel is not subscribed to key %q", key),
			"Client", "KeyNotifyStop", "find subscription")
	}

	close(w.subs[idx])
	w.subs = append(w.subs[:idx], w.subs[idx+1:]...)
	w.refs--
	last := w.refs == 0
	if last {
		delete(c.watches, key)
	}
	c.mu.Unlock()

	if !last {
		return nil
	}
	return c.sendKeyNotify(ctx, key, true)
}

// sendKeyNotify issues the remote KEYNOTIFY (or its STOP form). Called
// without c.mu; the round trip must never block the registry.
func (c *Client) sendKeyNotify(ctx context.Context, key string, stop bool) error {
	args := []string{"KEYNOTIFY", key}
	op := "keynotify"
	if stop {
		args = append(args, "STOP")
		op = "keynotify_stop"
	}
	payload, _, err := c.invoke(ctx, op, resp.EncodeStrings(args...))
	if err != nil {
		return err
	}
	if _, err := resp.ParseSimple(payload); err != nil {
		return c.opError(op, err)
	}
	c.countOp(op, "ok")
	return nil
}

// invoke runs one command round trip and maps failures.
func (c *Client) invoke(ctx context.Context, op string, frame []byte, opts ...rpc.InvokeOption) ([]byte, *rpc.ResponseMeta, error) {
	callOpts := append([]rpc.InvokeOption{rpc.WithTimeout(c.requestTimeout)}, opts...)
	payload, meta, err := c.invoker.InvokeMeta(ctx, frame, callOpts...)
	if err != nil {
		c.countOp(op, "error")
		return nil, nil, err
	}
	return payload, meta, nil
}

// opError converts a payload-level error line into a typed service
// error; parse failures pass through as malformed-frame errors.
func (c *Client) opError(op string, err error) error {
	var opErr *resp.OpError
	if errors.As(err, &opErr) {
		c.countOp(op, "service_error")
		return errors.Service(classify(opErr), "Client", op, "execute command")
	}
	c.countOp(op, "malformed")
	return err
}

func (c *Client) countOp(op, outcome string) {
	if c.metrics != nil {
		c.metrics.StoreOps.WithLabelValues(op, outcome).Inc()
	}
}

// onNotify decodes a key change notification and fans it out to local
// subscribers.
func (c *Client) onNotify(_ context.Context, ev *telemetry.Event[[]byte]) error {
	keyBytes, err := hex.DecodeString(ev.Tokens["keyHex"])
	if err != nil {
		return errors.Transport(
			fmt.Errorf("notify topic carries bad key encoding: %w", err),
			"Client", "onNotify", "decode key")
	}
	key := string(keyBytes)

	fields, err := resp.NewParser(ev.Payload).ReadBlobArray()
	if err != nil {
		return err
	}
	if len(fields) < 2 || string(fields[0]) != "NOTIFY" {
		return errors.Transport(
			fmt.Errorf("unexpected notification shape: %w", errors.ErrMalformedFrame),
			"Client", "onNotify", "decode notification")
	}

	n := Notification{Key: key, Timestamp: ev.Timestamp}
	switch string(fields[1]) {
	case string(OpSet):
		n.Op = OpSet
		for i := 2; i+1 < len(fields); i++ {
			if string(fields[i]) == "VALUE" {
				n.Value = fields[i+1]
				break
			}
		}
	case string(OpDelete):
		n.Op = OpDelete
	default:
		return errors.Transport(
			fmt.Errorf("unknown notification op %q: %w", fields[1], errors.ErrMalformedFrame),
			"Client", "onNotify", "decode notification")
	}

	if c.metrics != nil {
		c.metrics.Notifications.Inc()
	}
	c.deliver(n)
	return nil
}

// deliver fans one notification out. A full subscriber buffer drops
// its oldest entry so one slow consumer cannot stall the rest.
func (c *Client) deliver(n Notification) {
	c.mu.Lock()
	w := c.watches[n.Key]
	var subs []chan Notification
	if w != nil {
		subs = append(subs, w.subs...)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
			continue
		default:
		}
		select {
		case <-ch:
			if c.metrics != nil {
				c.metrics.NotificationsDropped.Inc()
			}
			c.logger.Debugf("dropped oldest notification for key %q", n.Key)
		default:
		}
		select {
		case ch <- n:
		default:
		}
	}
}

// resync runs after a transport reconnect: every watched key gets its
// remote registration refreshed and a synthesized notification from a
// fresh read, so watchers never observe a silent gap. Per-key best
// effort.
func (c *Client) resync() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.watches))
	for key := range c.watches {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	ctx := context.Background()
	for _, key := range keys {
		err := retry.Do(ctx, c.retryCfg, func() error {
			c.mu.Lock()
			_, live := c.watches[key]
			c.mu.Unlock()
			if !live {
				return retry.NonRetryable(fmt.Errorf("watch for %q removed during resync", key))
			}
			return c.sendKeyNotify(ctx, key, false)
		})
		if err != nil {
			c.logger.Errorf("resync of key %q failed to re-register: %v", key, err)
			c.countResync("error")
			continue
		}

		value, version, found, err := c.Get(ctx, key)
		if err != nil {
			c.logger.Errorf("resync of key %q failed to read: %v", key, err)
			c.countResync("error")
			continue
		}
		n := Notification{Key: key, Timestamp: version}
		if found {
			n.Op = OpSet
			n.Value = value
		} else {
			n.Op = OpDelete
		}
		c.deliver(n)
		c.countResync("ok")
	}
}

func (c *Client) countResync(outcome string) {
	if c.metrics != nil {
		c.metrics.ResyncKeys.WithLabelValues(outcome).Inc()
	}
}
