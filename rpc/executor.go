package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/metric"
	"github.com/c360/meshrpc/pkg/cache"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

const (
	defaultConcurrency      = 10
	defaultExecutionTimeout = 10 * time.Second
	defaultCacheTTL         = 10 * time.Second
)

// Request is the executor-side view of one inbound call.
type Request[Req any] struct {
	Payload       Req
	CorrelationID string
	SourceID      string
	FencingToken  hlc.Timestamp
	Timestamp     hlc.Timestamp
	Tokens        topic.TokenMap
	Properties    map[string]string

	respProps map[string]string
}

// SetResponseProperty attaches a user property to the response that
// will answer this request. Setting the timestamp property overrides
// the stamp the executor would otherwise apply.
func (r *Request[Req]) SetResponseProperty(key, value string) {
	if r.respProps == nil {
		r.respProps = make(map[string]string)
	}
	r.respProps[key] = value
}

// Handler is the user logic dispatched per request. Returning an
// *ApplicationError produces a 422 response with the application flag
// set; any other error produces a 500 platform response.
type Handler[Req, Resp any] func(ctx context.Context, req *Request[Req]) (Resp, error)

// execution tracks one in-flight request so retries carrying the same
// fingerprint join it instead of re-executing user logic.
type execution struct {
	done     chan struct{}
	response *transport.Message // set before done closes
}

// Executor is the serving side of the RPC channel.
type Executor[Req, Resp any] struct {
	tr       transport.Transport
	clock    *hlc.Clock
	template *topic.Template
	reqSer   Serializer[Req]
	respSer  Serializer[Resp]
	handler  Handler[Req, Resp]

	tokens            topic.TokenMap
	command           string
	idempotent        bool
	concurrency       int
	executionTimeout  time.Duration
	cacheTTL          time.Duration
	echoTokens        bool
	sendTimeoutStatus bool
	logger            transport.Logger
	metrics           *metric.Core

	sem      chan struct{}
	dedup    *cache.TTL[*transport.Message]
	mu       sync.Mutex
	inflight map[string]*execution

	baseCtx context.Context
	sub     transport.Subscription
	started bool
	closed  bool
}

// ExecutorOption configures an Executor.
type ExecutorOption[Req, Resp any] func(*Executor[Req, Resp])

// WithExecutorTokens sets durable replacement tokens; tokens left
// unresolved become wildcards in the subscribe filter.
func WithExecutorTokens[Req, Resp any](tokens topic.TokenMap) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) { e.tokens = topic.Merge(e.tokens, tokens) }
}

// WithIdempotent declares the command idempotent: requests without a
// requesting-party identity are accepted, and re-execution on retry is
// permitted when the cache has expired.
func WithIdempotent[Req, Resp any]() ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) { e.idempotent = true }
}

// WithConcurrency bounds concurrent dispatches; excess requests queue.
func WithConcurrency[Req, Resp any](n int) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithExecutionTimeout bounds each dispatch, independently of the
// invoker's wait timeout.
func WithExecutionTimeout[Req, Resp any](d time.Duration) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) {
		if d > 0 {
			e.executionTimeout = d
		}
	}
}

// WithCacheTTL sets the idempotency window during which retries replay
// the cached response.
func WithCacheTTL[Req, Resp any](d time.Duration) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) {
		if d > 0 {
			e.cacheTTL = d
		}
	}
}

// WithEchoTokens copies resolved topic tokens onto responses.
func WithEchoTokens[Req, Resp any]() ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) { e.echoTokens = true }
}

// WithTimeoutStatus sends an explicit 408 response when execution
// exceeds its timeout; the default is to send nothing and let the
// invoker time out on its own clock.
func WithTimeoutStatus[Req, Resp any]() ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) { e.sendTimeoutStatus = true }
}

// WithExecutorLogger sets a custom logger.
func WithExecutorLogger[Req, Resp any](logger transport.Logger) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorMetrics records executor metrics into reg.
func WithExecutorMetrics[Req, Resp any](reg *metric.Registry) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) { e.metrics = reg.Core() }
}

// WithExecutorCommandName overrides the metrics label.
func WithExecutorCommandName[Req, Resp any](name string) ExecutorOption[Req, Resp] {
	return func(e *Executor[Req, Resp]) { e.command = name }
}

// NewExecutor creates an executor for the given request topic template.
func NewExecutor[Req, Resp any](
	tr transport.Transport,
	clock *hlc.Clock,
	requestTemplate string,
	reqSer Serializer[Req],
	respSer Serializer[Resp],
	handler Handler[Req, Resp],
	opts ...ExecutorOption[Req, Resp],
) (*Executor[Req, Resp], error) {
	if handler == nil {
		return nil, errors.Validation(
			fmt.Errorf("handler must not be nil"),
			"Executor", "NewExecutor", "validate handler")
	}
	tmpl, err := topic.Parse(requestTemplate)
	if err != nil {
		return nil, err
	}

	e := &Executor[Req, Resp]{
		tr:               tr,
		clock:            clock,
		template:         tmpl,
		reqSer:           reqSer,
		respSer:          respSer,
		handler:          handler,
		tokens:           topic.TokenMap{},
		command:          requestTemplate,
		concurrency:      defaultConcurrency,
		executionTimeout: defaultExecutionTimeout,
		cacheTTL:         defaultCacheTTL,
		logger:           &transport.DefaultLogger{Prefix: "[executor] "},
		inflight:         make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = make(chan struct{}, e.concurrency)
	e.dedup = cache.NewTTL[*transport.Message](e.cacheTTL)
	return e, nil
}

// Start subscribes to the request filter and begins dispatching.
func (e *Executor[Req, Resp]) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Validation(errors.ErrClosed, "Executor", "Start", "check state")
	}
	if e.started {
		return errors.Validation(errors.ErrAlreadyStarted, "Executor", "Start", "check state")
	}

	filter, err := e.template.CompileFilter(e.tokens)
	if err != nil {
		return err
	}
	// The transport may deliver before Subscribe returns; respond paths
	// read baseCtx, so it must be set first.
	e.baseCtx = ctx
	sub, err := e.tr.Subscribe(ctx, filter, e.onRequest)
	if err != nil {
		return errors.Transport(err, "Executor", "Start", "subscribe request filter")
	}
	e.sub = sub
	e.started = true
	return nil
}

// Close unsubscribes the request filter. In-flight executions run to
// completion.
func (e *Executor[Req, Resp]) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sub := e.sub
	e.mu.Unlock()

	e.dedup.Close()
	if sub != nil {
		return sub.Unsubscribe(ctx)
	}
	return nil
}

// onRequest fans each inbound message out to its own goroutine so
// unrelated requests never serialize behind one another; the
// concurrency ceiling is enforced inside process.
func (e *Executor[Req, Resp]) onRequest(_ context.Context, msg *transport.Message) {
	go e.process(msg)
}

func (e *Executor[Req, Resp]) process(msg *transport.Message) {
	tokens, ok := e.template.Extract(msg.Topic)
	if !ok {
		e.logger.Debugf("ignoring message on non-matching topic %s", msg.Topic)
		return
	}
	if msg.ResponseTopic == "" || !topic.ValidTopic(msg.ResponseTopic) {
		e.logger.Errorf("request on %s has no usable response topic, dropping", msg.Topic)
		e.countDispatch("malformed")
		return
	}

	correlationID := string(msg.CorrelationData)
	if correlationID == "" {
		e.respond(msg, e.errorResponse(msg, tokens, StatusBadRequest, "missing correlation id", false))
		e.countDispatch("malformed")
		return
	}
	sourceID := msg.Property(PropSourceID)
	if !e.idempotent && sourceID == "" {
		e.respond(msg, e.errorResponse(msg, tokens, StatusBadRequest, "missing requesting-party identity", false))
		e.countDispatch("malformed")
		return
	}

	reqTS, err := mergeTimestamp(e.clock, msg)
	if err != nil {
		e.respond(msg, e.errorResponse(msg, tokens, StatusBadRequest, err.Error(), false))
		e.countDispatch("malformed")
		return
	}

	fingerprint := sourceID + "\x00" + correlationID

	// Idempotency gate: at most one concurrent execution per in-flight
	// fingerprint, and retries within the cache window replay the
	// cached response without re-executing user logic.
	e.mu.Lock()
	if cached, hit := e.dedup.Get(fingerprint); hit {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.CacheHits.Inc()
		}
		e.respond(msg, cached.Clone())
		return
	}
	if running, joined := e.inflight[fingerprint]; joined {
		e.mu.Unlock()
		<-running.done
		if e.metrics != nil {
			e.metrics.CacheHits.Inc()
		}
		if running.response != nil {
			e.respond(msg, running.response.Clone())
		}
		return
	}
	exec := &execution{done: make(chan struct{})}
	e.inflight[fingerprint] = exec
	e.mu.Unlock()

	// Concurrency ceiling; excess requests queue here.
	e.sem <- struct{}{}
	response, timedOut := e.execute(msg, tokens, reqTS, correlationID, sourceID)
	<-e.sem

	e.mu.Lock()
	if response != nil {
		if err := e.dedup.Set(fingerprint, response); err != nil {
			e.logger.Errorf("idempotency cache store failed: %v", err)
		}
	}
	exec.response = response
	delete(e.inflight, fingerprint)
	e.mu.Unlock()
	close(exec.done)

	if timedOut {
		// Abandoned for response purposes; the handler's result stays
		// cached for retries. An explicit timeout status goes out only
		// when configured.
		if e.sendTimeoutStatus {
			e.respond(msg, e.errorResponse(msg, tokens, StatusRequestTimeout,
				fmt.Sprintf("execution exceeded %v", e.executionTimeout), false))
		}
		return
	}
	if response != nil {
		e.respond(msg, response.Clone())
	}
}

type handlerResult[Resp any] struct {
	resp     Resp
	err      error
	panicked bool
}

// execute dispatches user logic with its own timeout. On timeout the
// goroutine keeps running so the eventual result still populates the
// idempotency cache; the second return value reports that the timeout
// fired.
func (e *Executor[Req, Resp]) execute(
	msg *transport.Message,
	tokens topic.TokenMap,
	reqTS hlc.Timestamp,
	correlationID, sourceID string,
) (*transport.Message, bool) {
	payload, err := e.reqSer.Deserialize(msg.Payload)
	if err != nil {
		e.countDispatch("malformed")
		return e.errorResponse(msg, tokens, StatusBadRequest, err.Error(), false), false
	}

	var fencing hlc.Timestamp
	if raw := msg.Property(PropFencingToken); raw != "" {
		fencing, err = hlc.Parse(raw)
		if err != nil {
			e.countDispatch("malformed")
			return e.errorResponse(msg, tokens, StatusBadRequest, "malformed fencing token", false), false
		}
	}

	req := &Request[Req]{
		Payload:       payload,
		CorrelationID: correlationID,
		SourceID:      sourceID,
		FencingToken:  fencing,
		Timestamp:     reqTS,
		Tokens:        tokens,
		Properties:    msg.UserProperties,
	}

	execCtx, cancel := context.WithTimeout(e.baseCtx, e.executionTimeout)
	results := make(chan handlerResult[Resp], 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("handler panic on %s: %v", msg.Topic, r)
				if e.metrics != nil {
					e.metrics.HandlerPanics.Inc()
				}
				results <- handlerResult[Resp]{err: fmt.Errorf("handler panic: %v", r), panicked: true}
			}
		}()
		resp, err := e.handler(execCtx, req)
		results <- handlerResult[Resp]{resp: resp, err: err}
	}()

	timer := time.NewTimer(e.executionTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return e.resultResponse(msg, tokens, req, r), false

	case <-timer.C:
		e.countDispatch("timeout")
		// Wait out the handler so its result reaches the cache, then
		// report the call as timed out.
		r := <-results
		return e.resultResponse(msg, tokens, req, r), true
	}
}

// resultResponse maps a handler result to a response message.
// Properties the handler attached to the request are carried over.
func (e *Executor[Req, Resp]) resultResponse(
	msg *transport.Message, tokens topic.TokenMap, req *Request[Req], r handlerResult[Resp],
) *transport.Message {
	if r.err != nil {
		var appErr *ApplicationError
		if errors.As(r.err, &appErr) {
			e.countDispatch("app_error")
			return e.errorResponse(msg, tokens, StatusUnprocessable, appErr.Message, true)
		}
		e.countDispatch("error")
		return e.errorResponse(msg, tokens, StatusInternalError, r.err.Error(), false)
	}

	data, err := e.respSer.Serialize(r.resp)
	if err != nil {
		e.countDispatch("error")
		return e.errorResponse(msg, tokens, StatusInternalError, err.Error(), false)
	}
	e.countDispatch("ok")

	resp := e.baseResponse(msg, tokens)
	resp.Payload = data
	resp.ContentType = e.respSer.ContentType()
	resp.PayloadFormat = e.respSer.PayloadFormat()
	resp.SetProperty(PropStatus, fmt.Sprintf("%d", StatusOK))
	for k, v := range req.respProps {
		resp.SetProperty(k, v)
	}
	return resp
}

// errorResponse builds a structured error response; execution errors
// become correlated responses, never transport-layer failures.
func (e *Executor[Req, Resp]) errorResponse(
	msg *transport.Message, tokens topic.TokenMap, status int, detail string, application bool,
) *transport.Message {
	resp := e.baseResponse(msg, tokens)
	resp.SetProperty(PropStatus, fmt.Sprintf("%d", status))
	if detail != "" {
		resp.SetProperty(PropStatusMessage, detail)
	}
	if application {
		resp.SetProperty(PropIsApplicationError, "true")
	}
	return resp
}

func (e *Executor[Req, Resp]) baseResponse(msg *transport.Message, tokens topic.TokenMap) *transport.Message {
	resp := &transport.Message{
		Topic:           msg.ResponseTopic,
		CorrelationData: append([]byte(nil), msg.CorrelationData...),
		Expiry:          msg.Expiry,
	}
	if e.echoTokens {
		for name, value := range tokens {
			resp.SetProperty(tokenEchoPrefix+name, value)
		}
	}
	return resp
}

// respond publishes a response, stamping the current clock reading
// unless the handler already supplied one. Replayed responses go
// through here too, so a handler-set stamp survives the replay.
func (e *Executor[Req, Resp]) respond(req *transport.Message, resp *transport.Message) {
	resp.Topic = req.ResponseTopic
	if resp.Property(PropTimestamp) == "" {
		if _, err := stampTimestamp(e.clock, resp); err != nil {
			e.logger.Errorf("stamp response failed: %v", err)
		}
	}
	if err := e.tr.Publish(e.baseCtx, resp); err != nil {
		e.logger.Errorf("publish response to %s failed: %v", resp.Topic, err)
	}
}

func (e *Executor[Req, Resp]) countDispatch(outcome string) {
	if e.metrics != nil {
		e.metrics.Dispatches.WithLabelValues(e.command, outcome).Inc()
	}
}
