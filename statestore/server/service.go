package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/metric"
	"github.com/c360/meshrpc/rpc"
	"github.com/c360/meshrpc/statestore"
	"github.com/c360/meshrpc/statestore/resp"
	"github.com/c360/meshrpc/telemetry"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

const (
	defaultSweepInterval = time.Second
	defaultMaxSkew       = 5 * time.Minute
)

// Service is the coordination service instance for one service group.
type Service struct {
	tr    transport.Transport
	clock *hlc.Clock
	group string
	store Store

	logger        transport.Logger
	metrics       *metric.Registry
	maxSkew       time.Duration
	sweepInterval time.Duration
	quota         int // max keys, 0 = unlimited

	executor *rpc.Executor[[]byte, []byte]
	sender   *telemetry.Sender[[]byte]

	mu       sync.Mutex
	watchers map[string]map[string]struct{} // key -> client ids
	stop     chan struct{}
	started  bool
	closed   bool
}

// Option configures a Service.
type Option func(*Service)

// WithStore replaces the default in-memory store.
func WithStore(store Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithServiceGroup names the service instance.
func WithServiceGroup(group string) Option {
	return func(s *Service) {
		if group != "" {
			s.group = group
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger transport.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records service metrics into reg.
func WithMetrics(reg *metric.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// WithMaxSkew bounds how far in the future a fencing token may read.
func WithMaxSkew(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxSkew = d
		}
	}
}

// WithQuota caps the number of stored keys; new keys beyond the cap
// are rejected with the quota reason code.
func WithQuota(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.quota = n
		}
	}
}

// WithSweepInterval tunes the expired-key sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New creates a coordination service bound to tr.
func New(tr transport.Transport, clock *hlc.Clock, opts ...Option) (*Service, error) {
	s := &Service{
		tr:            tr,
		clock:         clock,
		group:         statestore.DefaultServiceGroup,
		store:         NewMemStore(),
		logger:        &transport.DefaultLogger{Prefix: "[statestore/server] "},
		maxSkew:       defaultMaxSkew,
		sweepInterval: defaultSweepInterval,
		watchers:      make(map[string]map[string]struct{}),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	execOpts := []rpc.ExecutorOption[[]byte, []byte]{
		rpc.WithExecutorTokens[[]byte, []byte](topic.TokenMap{"serviceGroup": s.group}),
		rpc.WithExecutorCommandName[[]byte, []byte]("statestore"),
		rpc.WithExecutorLogger[[]byte, []byte](s.logger),
	}
	senderOpts := []telemetry.SenderOption[[]byte]{
		telemetry.WithSenderTokens[[]byte](topic.TokenMap{"serviceGroup": s.group}),
		telemetry.WithSenderLogger[[]byte](s.logger),
	}
	if s.metrics != nil {
		execOpts = append(execOpts, rpc.WithExecutorMetrics[[]byte, []byte](s.metrics))
		senderOpts = append(senderOpts, telemetry.WithSenderMetrics[[]byte](s.metrics))
	}

	executor, err := rpc.NewExecutor(
		tr, clock, statestore.CommandTemplate,
		rpc.Raw{}, rpc.Raw{}, s.handle, execOpts...)
	if err != nil {
		return nil, err
	}
	s.executor = executor

	sender, err := telemetry.NewSender(tr, clock, statestore.NotifyTemplate, rpc.Raw{}, senderOpts...)
	if err != nil {
		return nil, err
	}
	s.sender = sender
	return s, nil
}

// Start begins serving commands and sweeping expired keys.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Validation(errors.ErrClosed, "Service", "Start", "check state")
	}
	if s.started {
		return errors.Validation(errors.ErrAlreadyStarted, "Service", "Start", "check state")
	}
	if err := s.executor.Start(ctx); err != nil {
		return err
	}
	go s.sweep(ctx)
	s.started = true
	return nil
}

// Close stops serving. Stored entries survive in the store.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	return s.executor.Close(ctx)
}

// handle dispatches one decoded command. Protocol failures become
// error lines in the response payload, never transport errors.
func (s *Service) handle(ctx context.Context, req *rpc.Request[[]byte]) ([]byte, error) {
	fields, err := resp.NewParser(req.Payload).ReadBlobArray()
	if err != nil || len(fields) == 0 {
		return resp.EncodeError("ERR", statestore.MsgSyntaxError), nil
	}

	switch strings.ToUpper(string(fields[0])) {
	case "SET":
		return s.handleSet(ctx, req, fields)
	case "GET":
		return s.handleGet(ctx, req, fields)
	case "DEL":
		return s.handleDel(ctx, req, fields)
	case "VDEL":
		return s.handleVdel(ctx, req, fields)
	case "KEYNOTIFY":
		return s.handleKeyNotify(ctx, req, fields)
	default:
		return resp.EncodeError("ERR", statestore.MsgUnknownCommand), nil
	}
}

func (s *Service) handleSet(ctx context.Context, req *rpc.Request[[]byte], fields [][]byte) ([]byte, error) {
	if len(fields) < 3 {
		return resp.EncodeError("ERR", statestore.MsgWrongNumberOfArguments), nil
	}
	key := string(fields[1])
	if key == "" {
		return resp.EncodeError("ERR", statestore.MsgKeyLengthZero), nil
	}
	value := fields[2]

	condition := statestore.ConditionAlways
	var expiry time.Duration
	for i := 3; i < len(fields); i++ {
		switch strings.ToUpper(string(fields[i])) {
		case "NX":
			condition = statestore.ConditionNotExists
		case "NEX":
			condition = statestore.ConditionEqualOrNotExists
		case "PX":
			if i+1 >= len(fields) {
				return resp.EncodeError("ERR", statestore.MsgSyntaxError), nil
			}
			ms, err := strconv.ParseInt(string(fields[i+1]), 10, 64)
			if err != nil || ms <= 0 {
				return resp.EncodeError("ERR", statestore.MsgSyntaxError), nil
			}
			expiry = time.Duration(ms) * time.Millisecond
			i++
		default:
			return resp.EncodeError("ERR", statestore.MsgSyntaxError), nil
		}
	}

	entry, exists, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if msg := s.checkFence(entry, req.FencingToken); msg != "" {
		return resp.EncodeError("ERR", msg), nil
	}

	switch condition {
	case statestore.ConditionNotExists:
		if exists {
			return resp.EncodeNil(), nil
		}
	case statestore.ConditionEqualOrNotExists:
		if exists && !bytes.Equal(entry.Value, value) {
			return resp.EncodeNil(), nil
		}
	}

	if !exists && s.quota > 0 {
		keys, err := s.store.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(keys) >= s.quota {
			return resp.EncodeError("ERR", statestore.MsgQuotaExceeded), nil
		}
	}

	version, err := s.clock.Now()
	if err != nil {
		return nil, err
	}
	next := Entry{Value: value, Version: version, Fence: entry.Fence}
	if expiry > 0 {
		next.ExpiresAt = time.Now().Add(expiry)
	}
	if !req.FencingToken.IsZero() && req.FencingToken.After(next.Fence) {
		next.Fence = req.FencingToken
	}
	if err := s.store.Set(ctx, key, next); err != nil {
		return nil, err
	}

	req.SetResponseProperty(rpc.PropTimestamp, version.String())
	s.notifyChange(ctx, key, statestore.OpSet, value)
	return resp.EncodeSimple("OK"), nil
}

func (s *Service) handleGet(ctx context.Context, req *rpc.Request[[]byte], fields [][]byte) ([]byte, error) {
	if len(fields) != 2 {
		return resp.EncodeError("ERR", statestore.MsgWrongNumberOfArguments), nil
	}
	key := string(fields[1])
	if key == "" {
		return resp.EncodeError("ERR", statestore.MsgKeyLengthZero), nil
	}

	entry, exists, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return resp.EncodeNil(), nil
	}
	// The response stamp carries the value's version, not the current
	// clock reading.
	req.SetResponseProperty(rpc.PropTimestamp, entry.Version.String())
	return resp.EncodeBlob(entry.Value), nil
}

func (s *Service) handleDel(ctx context.Context, req *rpc.Request[[]byte], fields [][]byte) ([]byte, error) {
	if len(fields) != 2 {
		return resp.EncodeError("ERR", statestore.MsgWrongNumberOfArguments), nil
	}
	return s.removeKey(ctx, req, string(fields[1]), nil, false)
}

func (s *Service) handleVdel(ctx context.Context, req *rpc.Request[[]byte], fields [][]byte) ([]byte, error) {
	if len(fields) != 3 {
		return resp.EncodeError("ERR", statestore.MsgWrongNumberOfArguments), nil
	}
	return s.removeKey(ctx, req, string(fields[1]), fields[2], true)
}

func (s *Service) removeKey(ctx context.Context, req *rpc.Request[[]byte], key string, expected []byte, compare bool) ([]byte, error) {
	if key == "" {
		return resp.EncodeError("ERR", statestore.MsgKeyLengthZero), nil
	}

	entry, exists, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return resp.EncodeNumber(0), nil
	}
	if msg := s.checkFence(entry, req.FencingToken); msg != "" {
		return resp.EncodeError("ERR", msg), nil
	}
	if compare && !bytes.Equal(entry.Value, expected) {
		return resp.EncodeNumber(-1), nil
	}

	if err := s.store.Del(ctx, key); err != nil {
		return nil, err
	}
	s.notifyChange(ctx, key, statestore.OpDelete, nil)
	return resp.EncodeNumber(1), nil
}

func (s *Service) handleKeyNotify(_ context.Context, req *rpc.Request[[]byte], fields [][]byte) ([]byte, error) {
	stop := false
	switch {
	case len(fields) == 2:
	case len(fields) == 3 && strings.EqualFold(string(fields[2]), "STOP"):
		stop = true
	default:
		return resp.EncodeError("ERR", statestore.MsgSyntaxError), nil
	}
	key := string(fields[1])
	if key == "" {
		return resp.EncodeError("ERR", statestore.MsgKeyLengthZero), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stop {
		if clients := s.watchers[key]; clients != nil {
			delete(clients, req.SourceID)
			if len(clients) == 0 {
				delete(s.watchers, key)
			}
		}
	} else {
		clients := s.watchers[key]
		if clients == nil {
			clients = make(map[string]struct{})
			s.watchers[key] = clients
		}
		clients[req.SourceID] = struct{}{}
	}
	return resp.EncodeSimple("OK"), nil
}

// checkFence enforces the fencing protocol for a write against entry.
// It returns the error-line message, or empty when the write may
// proceed.
func (s *Service) checkFence(entry Entry, token hlc.Timestamp) string {
	if !token.IsZero() {
		skewLimit := time.Now().UnixMilli() + s.maxSkew.Milliseconds()
		if token.WallTime > skewLimit {
			return statestore.MsgFencingTokenSkew
		}
	}
	if !entry.Protected() {
		return ""
	}
	if token.IsZero() {
		return statestore.MsgMissingFencingToken
	}
	if token.Before(entry.Fence) {
		return statestore.MsgFencingTokenLowVersion
	}
	return ""
}

// load reads a key with lazy expiry: a lapsed entry is removed and
// reported absent, and watchers hear about the deletion.
func (s *Service) load(ctx context.Context, key string) (Entry, bool, error) {
	entry, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if entry.Expired(time.Now()) {
		if err := s.store.Del(ctx, key); err != nil {
			return Entry{}, false, err
		}
		s.notifyChange(ctx, key, statestore.OpDelete, nil)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// notifyChange publishes a change notification to every client
// registered for key. Best effort per client.
func (s *Service) notifyChange(ctx context.Context, key string, op statestore.Op, value []byte) {
	s.mu.Lock()
	clients := make([]string, 0, len(s.watchers[key]))
	for clientID := range s.watchers[key] {
		clients = append(clients, clientID)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	var payload []byte
	if op == statestore.OpSet {
		payload = resp.EncodeBlobArray([]byte("NOTIFY"), []byte(op), []byte("VALUE"), value)
	} else {
		payload = resp.EncodeBlobArray([]byte("NOTIFY"), []byte(op))
	}
	keyHex := hex.EncodeToString([]byte(key))

	for _, clientID := range clients {
		err := s.sender.Send(ctx, payload, telemetry.WithSendTokens(topic.TokenMap{
			"clientId": clientID,
			"keyHex":   keyHex,
		}))
		if err != nil {
			s.logger.Errorf("notify %s of %s %q failed: %v", clientID, op, key, err)
		}
	}
}

// sweep periodically removes lapsed entries so expiry fires even for
// keys nobody reads.
func (s *Service) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		snapshot, err := s.store.Snapshot(ctx)
		if err != nil {
			s.logger.Errorf("expiry sweep failed to snapshot: %v", err)
			continue
		}
		now := time.Now()
		for key, entry := range snapshot {
			if !entry.Expired(now) {
				continue
			}
			if err := s.store.Del(ctx, key); err != nil {
				s.logger.Errorf("expiry sweep failed to remove %q: %v", key, err)
				continue
			}
			s.notifyChange(ctx, key, statestore.OpDelete, nil)
		}
	}
}
