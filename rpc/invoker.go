package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/metric"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

const defaultInvokeTimeout = 10 * time.Second

// pendingInvocation tracks one in-flight call. It is created when the
// request is published and removed on first matching response, timeout,
// or cancellation, whichever wins; removal and delivery happen under
// the invoker's mutex so exactly one path terminates the call.
type pendingInvocation struct {
	correlationID string
	responseTopic string
	result        chan *transport.Message // buffered, capacity 1
}

// Invoker is the calling side of the RPC channel. One Invoker serves
// one request topic template; calls multiplex over a single response
// subscription under the invoker's client prefix.
type Invoker[Req, Resp any] struct {
	tr       transport.Transport
	clock    *hlc.Clock
	template *topic.Template
	reqSer   Serializer[Req]
	respSer  Serializer[Resp]

	clientID       string
	command        string
	tokens         topic.TokenMap
	defaultTimeout time.Duration
	logger         transport.Logger
	metrics        *metric.Core

	respPrefix string
	sub        transport.Subscription

	mu      sync.Mutex
	pending map[string]*pendingInvocation
	started bool
	closed  bool
}

// InvokerOption configures an Invoker.
type InvokerOption[Req, Resp any] func(*Invoker[Req, Resp])

// WithInvokerTokens sets durable replacement tokens resolved on every
// call (e.g. a model identifier).
func WithInvokerTokens[Req, Resp any](tokens topic.TokenMap) InvokerOption[Req, Resp] {
	return func(inv *Invoker[Req, Resp]) { inv.tokens = topic.Merge(inv.tokens, tokens) }
}

// WithDefaultTimeout sets the timeout used when a call does not supply
// its own.
func WithDefaultTimeout[Req, Resp any](d time.Duration) InvokerOption[Req, Resp] {
	return func(inv *Invoker[Req, Resp]) { inv.defaultTimeout = d }
}

// WithInvokerLogger sets a custom logger.
func WithInvokerLogger[Req, Resp any](logger transport.Logger) InvokerOption[Req, Resp] {
	return func(inv *Invoker[Req, Resp]) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

// WithInvokerMetrics records invocation metrics into reg.
func WithInvokerMetrics[Req, Resp any](reg *metric.Registry) InvokerOption[Req, Resp] {
	return func(inv *Invoker[Req, Resp]) { inv.metrics = reg.Core() }
}

// WithCommandName overrides the metrics label for this channel; the
// template string is used otherwise.
func WithCommandName[Req, Resp any](name string) InvokerOption[Req, Resp] {
	return func(inv *Invoker[Req, Resp]) { inv.command = name }
}

// NewInvoker creates an invoker for the given request topic template.
// clientID scopes the response topic prefix and identifies this party
// to executors.
func NewInvoker[Req, Resp any](
	tr transport.Transport,
	clock *hlc.Clock,
	clientID string,
	requestTemplate string,
	reqSer Serializer[Req],
	respSer Serializer[Resp],
	opts ...InvokerOption[Req, Resp],
) (*Invoker[Req, Resp], error) {
	if clientID == "" {
		return nil, errors.Validation(
			fmt.Errorf("client id must not be empty"),
			"Invoker", "NewInvoker", "validate client id")
	}
	if err := topic.ValidateTokenValue(clientID); err != nil {
		return nil, errors.Validation(err, "Invoker", "NewInvoker", "validate client id")
	}
	tmpl, err := topic.Parse(requestTemplate)
	if err != nil {
		return nil, err
	}

	inv := &Invoker[Req, Resp]{
		tr:             tr,
		clock:          clock,
		template:       tmpl,
		reqSer:         reqSer,
		respSer:        respSer,
		clientID:       clientID,
		command:        requestTemplate,
		tokens:         topic.TokenMap{},
		defaultTimeout: defaultInvokeTimeout,
		logger:         &transport.DefaultLogger{Prefix: "[invoker] "},
		respPrefix:     "clients/" + clientID + "/rpc/response",
		pending:        make(map[string]*pendingInvocation),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Start subscribes to the invoker's response filter. Must be called
// before Invoke.
func (inv *Invoker[Req, Resp]) Start(ctx context.Context) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return errors.Validation(errors.ErrClosed, "Invoker", "Start", "check state")
	}
	if inv.started {
		return errors.Validation(errors.ErrAlreadyStarted, "Invoker", "Start", "check state")
	}

	sub, err := inv.tr.Subscribe(ctx, inv.respPrefix+"/+", inv.onResponse)
	if err != nil {
		return errors.Transport(err, "Invoker", "Start", "subscribe response filter")
	}
	inv.sub = sub
	inv.started = true
	return nil
}

// Close unsubscribes the response filter. In-flight calls finish by
// timeout.
func (inv *Invoker[Req, Resp]) Close(ctx context.Context) error {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return nil
	}
	inv.closed = true
	sub := inv.sub
	inv.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe(ctx)
	}
	return nil
}

// invokeConfig holds per-call settings.
type invokeConfig struct {
	timeout      time.Duration
	tokens       topic.TokenMap
	properties   map[string]string
	fencingToken hlc.Timestamp
}

// InvokeOption configures a single call.
type InvokeOption func(*invokeConfig)

// WithTimeout bounds how long the call waits for a response.
func WithTimeout(d time.Duration) InvokeOption {
	return func(c *invokeConfig) { c.timeout = d }
}

// WithTransientTokens supplies invocation-scoped topic tokens (e.g. an
// executor identity).
func WithTransientTokens(tokens topic.TokenMap) InvokeOption {
	return func(c *invokeConfig) { c.tokens = tokens }
}

// WithProperty attaches a user property to the request.
func WithProperty(key, value string) InvokeOption {
	return func(c *invokeConfig) {
		if c.properties == nil {
			c.properties = make(map[string]string)
		}
		c.properties[key] = value
	}
}

// WithFencingToken attaches an HLC fencing token to the request.
func WithFencingToken(ts hlc.Timestamp) InvokeOption {
	return func(c *invokeConfig) { c.fencingToken = ts }
}

// ResponseMeta carries response metadata for callers that need more
// than the typed payload, such as the responder's clock stamp.
type ResponseMeta struct {
	Timestamp  hlc.Timestamp
	Properties map[string]string
}

// Invoke publishes a request and awaits the correlated response.
// Exactly one of completion, timeout, or cancellation terminates the
// call; a response arriving later is discarded.
func (inv *Invoker[Req, Resp]) Invoke(ctx context.Context, req Req, opts ...InvokeOption) (Resp, error) {
	resp, _, err := inv.InvokeMeta(ctx, req, opts...)
	return resp, err
}

// InvokeMeta is Invoke with the response metadata alongside the typed
// payload.
func (inv *Invoker[Req, Resp]) InvokeMeta(ctx context.Context, req Req, opts ...InvokeOption) (Resp, *ResponseMeta, error) {
	var zero Resp

	cfg := invokeConfig{timeout: inv.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		return zero, nil, errors.Validation(errors.ErrInvalidTimeout, "Invoker", "Invoke", "validate timeout")
	}

	inv.mu.Lock()
	if !inv.started || inv.closed {
		inv.mu.Unlock()
		return zero, nil, errors.Validation(errors.ErrNotStarted, "Invoker", "Invoke", "check state")
	}
	inv.mu.Unlock()

	reqTopic, err := inv.template.Compile(inv.tokens, cfg.tokens)
	if err != nil {
		return zero, nil, err
	}
	payload, err := inv.reqSer.Serialize(req)
	if err != nil {
		return zero, nil, err
	}

	correlationID := uuid.NewString()
	msg := &transport.Message{
		Topic:           reqTopic,
		Payload:         payload,
		CorrelationData: []byte(correlationID),
		ResponseTopic:   inv.respPrefix + "/" + correlationID,
		ContentType:     inv.reqSer.ContentType(),
		PayloadFormat:   inv.reqSer.PayloadFormat(),
		Expiry:          expirySeconds(cfg.timeout),
	}
	for k, v := range cfg.properties {
		msg.SetProperty(k, v)
	}
	if !cfg.fencingToken.IsZero() {
		msg.SetProperty(PropFencingToken, cfg.fencingToken.String())
	}
	msg.SetProperty(PropSourceID, inv.clientID)
	msg.SetProperty(PropInvokerID, inv.clientID)
	if _, err := stampTimestamp(inv.clock, msg); err != nil {
		return zero, nil, err
	}

	p := &pendingInvocation{
		correlationID: correlationID,
		responseTopic: msg.ResponseTopic,
		result:        make(chan *transport.Message, 1),
	}
	inv.mu.Lock()
	inv.pending[correlationID] = p
	inv.mu.Unlock()
	if inv.metrics != nil {
		inv.metrics.PendingInvocations.Inc()
	}

	start := time.Now()
	if err := inv.tr.Publish(ctx, msg); err != nil {
		inv.removePending(correlationID)
		inv.countInvocation("publish_error")
		return zero, nil, errors.Transport(err, "Invoker", "Invoke", "publish request")
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	select {
	case resp := <-p.result:
		inv.observeDuration(start)
		return inv.handleResponse(resp)

	case <-timer.C:
		if resp, matched := inv.takeMatched(correlationID, p); matched {
			inv.observeDuration(start)
			return inv.handleResponse(resp)
		}
		inv.countInvocation("timeout")
		return zero, nil, errors.Timeout(
			fmt.Errorf("no response within %v: %w", cfg.timeout, errors.ErrInvocationTimeout),
			"Invoker", "Invoke", "await response")

	case <-ctx.Done():
		if resp, matched := inv.takeMatched(correlationID, p); matched {
			inv.observeDuration(start)
			return inv.handleResponse(resp)
		}
		if ctx.Err() == context.DeadlineExceeded {
			inv.countInvocation("timeout")
			return zero, nil, errors.Timeout(ctx.Err(), "Invoker", "Invoke", "await response")
		}
		inv.countInvocation("canceled")
		return zero, nil, errors.Canceled(ctx.Err(), "Invoker", "Invoke", "await response")
	}
}

// takeMatched resolves the race between a terminal path and a response
// arriving at the same instant. If the pending entry is still present
// it is removed and (nil, false) returned; if the dispatcher already
// removed it, the buffered response is consumed and returned.
func (inv *Invoker[Req, Resp]) takeMatched(correlationID string, p *pendingInvocation) (*transport.Message, bool) {
	inv.mu.Lock()
	_, stillPending := inv.pending[correlationID]
	if stillPending {
		delete(inv.pending, correlationID)
	}
	inv.mu.Unlock()

	if stillPending {
		if inv.metrics != nil {
			inv.metrics.PendingInvocations.Dec()
		}
		return nil, false
	}
	return <-p.result, true
}

func (inv *Invoker[Req, Resp]) removePending(correlationID string) {
	inv.mu.Lock()
	_, ok := inv.pending[correlationID]
	delete(inv.pending, correlationID)
	inv.mu.Unlock()
	if ok && inv.metrics != nil {
		inv.metrics.PendingInvocations.Dec()
	}
}

// onResponse dispatches an inbound response to its pending invocation.
// Responses without a matching pending entry are discarded: they may
// belong to a timed-out call or a previous process instance.
func (inv *Invoker[Req, Resp]) onResponse(_ context.Context, msg *transport.Message) {
	correlationID := string(msg.CorrelationData)
	if correlationID == "" {
		inv.logger.Debugf("discarding response without correlation data on %s", msg.Topic)
		return
	}

	inv.mu.Lock()
	p, ok := inv.pending[correlationID]
	if ok {
		delete(inv.pending, correlationID)
	}
	inv.mu.Unlock()

	if !ok {
		inv.logger.Debugf("discarding unmatched response %s", correlationID)
		return
	}
	if inv.metrics != nil {
		inv.metrics.PendingInvocations.Dec()
	}
	p.result <- msg
}

// handleResponse merges the response timestamp, maps status to a typed
// result or error, and deserializes the payload.
func (inv *Invoker[Req, Resp]) handleResponse(msg *transport.Message) (Resp, *ResponseMeta, error) {
	var zero Resp

	remoteTS, err := mergeTimestamp(inv.clock, msg)
	if err != nil {
		inv.countInvocation("clock_error")
		return zero, nil, err
	}
	meta := &ResponseMeta{Timestamp: remoteTS, Properties: msg.UserProperties}

	status, statusMsg, appErr, err := responseStatus(msg)
	if err != nil {
		inv.countInvocation("malformed")
		return zero, nil, err
	}

	switch {
	case status == StatusOK:
		resp, err := inv.respSer.Deserialize(msg.Payload)
		if err != nil {
			inv.countInvocation("malformed")
			return zero, nil, err
		}
		inv.countInvocation("ok")
		return resp, meta, nil

	case status == StatusRequestTimeout:
		inv.countInvocation("remote_timeout")
		return zero, meta, errors.Timeout(
			fmt.Errorf("%w: %s", errors.ErrExecutionTimeout, statusMsg),
			"Invoker", "Invoke", "remote execution")

	default:
		inv.countInvocation("remote_error")
		return zero, meta, errors.Service(
			&RemoteError{Status: status, Message: statusMsg, Application: appErr},
			"Invoker", "Invoke", "remote execution")
	}
}

func (inv *Invoker[Req, Resp]) countInvocation(status string) {
	if inv.metrics != nil {
		inv.metrics.Invocations.WithLabelValues(inv.command, status).Inc()
	}
}

func (inv *Invoker[Req, Resp]) observeDuration(start time.Time) {
	if inv.metrics != nil {
		inv.metrics.InvocationDuration.WithLabelValues(inv.command).Observe(time.Since(start).Seconds())
	}
}

// expirySeconds rounds a timeout up to whole seconds for the
// transport's message expiry.
func expirySeconds(d time.Duration) uint32 {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return uint32(secs)
}
