package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/statestore"
	"github.com/c360/meshrpc/transport/memory"
)

type harness struct {
	broker  *memory.Broker
	service *Service
	client  *statestore.Client
	clock   *hlc.Clock // client side
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	svc, err := New(broker, hlc.NewClock("svc-1"), opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	clock := hlc.NewClock("cli-1")
	cli, err := statestore.New(broker, clock, "cli-1",
		statestore.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))
	t.Cleanup(func() { _ = cli.Close(context.Background()) })

	return &harness{broker: broker, service: svc, client: cli, clock: clock}
}

func serviceReason(t *testing.T, err error) statestore.ReasonCode {
	t.Helper()
	var svcErr *statestore.ServiceError
	require.True(t, errors.As(err, &svcErr), "expected service error, got %v", err)
	return svcErr.Reason
}

func TestSetGetDelRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	applied, setVersion, err := h.client.Set(ctx, "leader", []byte("node-a"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, setVersion.IsZero())
	assert.Equal(t, "svc-1", setVersion.NodeID)

	value, getVersion, found, err := h.client.Get(ctx, "leader")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("node-a"), value)
	assert.Equal(t, 0, setVersion.Compare(getVersion))

	n, err := h.client.Del(ctx, "leader")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, found, err = h.client.Get(ctx, "leader")
	require.NoError(t, err)
	assert.False(t, found)

	n, err = h.client.Del(ctx, "leader")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSetConditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	applied, _, err := h.client.Set(ctx, "cfg", []byte("v1"),
		statestore.WithCondition(statestore.ConditionNotExists))
	require.NoError(t, err)
	assert.True(t, applied)

	// NX on an existing key is refused without error.
	applied, _, err = h.client.Set(ctx, "cfg", []byte("v2"),
		statestore.WithCondition(statestore.ConditionNotExists))
	require.NoError(t, err)
	assert.False(t, applied)

	// NEX writes when the value is unchanged (refreshing expiry).
	applied, _, err = h.client.Set(ctx, "cfg", []byte("v1"),
		statestore.WithCondition(statestore.ConditionEqualOrNotExists))
	require.NoError(t, err)
	assert.True(t, applied)

	// NEX refuses a different value.
	applied, _, err = h.client.Set(ctx, "cfg", []byte("v2"),
		statestore.WithCondition(statestore.ConditionEqualOrNotExists))
	require.NoError(t, err)
	assert.False(t, applied)

	value, _, _, err := h.client.Get(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
}

func TestVdel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.client.Set(ctx, "token", []byte("abc"))
	require.NoError(t, err)

	n, err := h.client.Vdel(ctx, "token", []byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, -1, n, "value mismatch reports -1")

	n, err = h.client.Vdel(ctx, "token", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.client.Vdel(ctx, "token", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpiry(t *testing.T) {
	h := newHarness(t, WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	_, _, err := h.client.Set(ctx, "lease", []byte("held"),
		statestore.WithExpiry(60*time.Millisecond))
	require.NoError(t, err)

	_, _, found, err := h.client.Get(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Eventually(t, func() bool {
		_, _, found, err := h.client.Get(ctx, "lease")
		return err == nil && !found
	}, time.Second, 20*time.Millisecond)
}

func TestFencing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	older, err := h.clock.Now()
	require.NoError(t, err)
	newer, err := h.clock.Now()
	require.NoError(t, err)

	// A fenced write protects the key.
	applied, _, err := h.client.Set(ctx, "lock", []byte("holder"),
		statestore.WithFencingToken(newer))
	require.NoError(t, err)
	assert.True(t, applied)

	// Unfenced writes are now refused.
	_, _, err = h.client.Set(ctx, "lock", []byte("thief"))
	require.Error(t, err)
	assert.Equal(t, statestore.ReasonMissingFencingToken, serviceReason(t, err))

	// A lower-version token is refused.
	_, _, err = h.client.Set(ctx, "lock", []byte("stale"),
		statestore.WithFencingToken(older))
	require.Error(t, err)
	assert.Equal(t, statestore.ReasonFencingTokenLowVersion, serviceReason(t, err))

	// An equal-or-higher token proceeds, for deletes too.
	latest, err := h.clock.Now()
	require.NoError(t, err)
	applied, _, err = h.client.Set(ctx, "lock", []byte("holder-2"),
		statestore.WithFencingToken(latest))
	require.NoError(t, err)
	assert.True(t, applied)

	n, err := h.client.Del(ctx, "lock", statestore.WithFencingToken(latest))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFencingTokenSkewRejected(t *testing.T) {
	h := newHarness(t, WithMaxSkew(time.Second))
	ctx := context.Background()

	future := hlc.Timestamp{
		WallTime: time.Now().Add(time.Hour).UnixMilli(),
		NodeID:   "cli-1",
	}
	_, _, err := h.client.Set(ctx, "lock", []byte("x"),
		statestore.WithFencingToken(future))
	require.Error(t, err)
	assert.Equal(t, statestore.ReasonFencingTokenSkew, serviceReason(t, err))
}

func TestQuota(t *testing.T) {
	h := newHarness(t, WithQuota(1))
	ctx := context.Background()

	applied, _, err := h.client.Set(ctx, "first", []byte("a"))
	require.NoError(t, err)
	assert.True(t, applied)

	_, _, err = h.client.Set(ctx, "second", []byte("b"))
	require.Error(t, err)
	assert.Equal(t, statestore.ReasonQuotaExceeded, serviceReason(t, err))

	// Overwriting an existing key stays within quota.
	applied, _, err = h.client.Set(ctx, "first", []byte("a2"))
	require.NoError(t, err)
	assert.True(t, applied)
}

func awaitNotification(t *testing.T, ch <-chan statestore.Notification) statestore.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return statestore.Notification{}
	}
}

func TestKeyNotifyFanOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.client.KeyNotify(ctx, "watched")
	require.NoError(t, err)
	second, err := h.client.KeyNotify(ctx, "watched")
	require.NoError(t, err)

	_, _, err = h.client.Set(ctx, "watched", []byte("v1"))
	require.NoError(t, err)

	for _, ch := range []<-chan statestore.Notification{first, second} {
		n := awaitNotification(t, ch)
		assert.Equal(t, "watched", n.Key)
		assert.Equal(t, statestore.OpSet, n.Op)
		assert.Equal(t, []byte("v1"), n.Value)
	}

	_, err = h.client.Del(ctx, "watched")
	require.NoError(t, err)
	for _, ch := range []<-chan statestore.Notification{first, second} {
		n := awaitNotification(t, ch)
		assert.Equal(t, statestore.OpDelete, n.Op)
		assert.Nil(t, n.Value)
	}
}

func TestKeyNotifyStopRefcounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.client.KeyNotify(ctx, "watched")
	require.NoError(t, err)
	second, err := h.client.KeyNotify(ctx, "watched")
	require.NoError(t, err)

	require.NoError(t, h.client.KeyNotifyStop(ctx, "watched", first))
	_, ok := <-first
	assert.False(t, ok, "stopped channel is closed")

	// The remaining subscriber still hears changes.
	_, _, err = h.client.Set(ctx, "watched", []byte("v2"))
	require.NoError(t, err)
	n := awaitNotification(t, second)
	assert.Equal(t, statestore.OpSet, n.Op)

	require.NoError(t, h.client.KeyNotifyStop(ctx, "watched", second))

	// With the last subscriber gone the remote registration is torn
	// down; further changes produce nothing.
	_, _, err = h.client.Set(ctx, "watched", []byte("v3"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	h.service.mu.Lock()
	_, registered := h.service.watchers["watched"]
	h.service.mu.Unlock()
	assert.False(t, registered)
}

func TestExpiryNotifiesWatchers(t *testing.T) {
	h := newHarness(t, WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	ch, err := h.client.KeyNotify(ctx, "lease")
	require.NoError(t, err)

	_, _, err = h.client.Set(ctx, "lease", []byte("held"),
		statestore.WithExpiry(50*time.Millisecond))
	require.NoError(t, err)

	n := awaitNotification(t, ch)
	assert.Equal(t, statestore.OpSet, n.Op)
	n = awaitNotification(t, ch)
	assert.Equal(t, statestore.OpDelete, n.Op)
}

func TestReconnectResync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch, err := h.client.KeyNotify(ctx, "synced")
	require.NoError(t, err)

	_, _, err = h.client.Set(ctx, "synced", []byte("state"))
	require.NoError(t, err)
	n := awaitNotification(t, ch)
	assert.Equal(t, statestore.OpSet, n.Op)

	h.broker.SimulateReconnect()

	// The resync synthesizes a SET from a fresh read so the watcher
	// sees current state even if changes were missed while away.
	n = awaitNotification(t, ch)
	assert.Equal(t, statestore.OpSet, n.Op)
	assert.Equal(t, []byte("state"), n.Value)
	assert.False(t, n.Timestamp.IsZero())
}

func TestResyncSynthesizesDeleteForVanishedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.client.Set(ctx, "ghost", []byte("x"))
	require.NoError(t, err)
	ch, err := h.client.KeyNotify(ctx, "ghost")
	require.NoError(t, err)

	// Remove the key behind the watcher's back, as if it changed while
	// the client was disconnected.
	require.NoError(t, h.service.store.Del(ctx, "ghost"))

	h.broker.SimulateReconnect()
	n := awaitNotification(t, ch)
	assert.Equal(t, statestore.OpDelete, n.Op)
	assert.Nil(t, n.Value)
}

func TestMemStoreIsolation(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", Entry{Value: []byte("1")}))
	require.NoError(t, store.Set(ctx, "b", Entry{Value: []byte("2")}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Del(ctx, "a"))

	// Snapshot is a copy, not a view.
	assert.Len(t, snap, 2)
	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
