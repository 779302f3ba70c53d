package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/rpc"
	"github.com/c360/meshrpc/testutil"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport/memory"
)

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

const readingTemplate = "devices/{deviceId}/readings"

// collector gathers events behind a lock so tests can poll them.
type collector struct {
	mu     sync.Mutex
	events []*Event[reading]
}

func (c *collector) handle(_ context.Context, ev *Event[reading]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) at(i int) *Event[reading] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[i]
}

func TestSendReceiveRoundTrip(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	col := &collector{}
	recv, err := NewReceiver(
		broker, hlc.NewClock("collector-1"), readingTemplate,
		rpc.JSON[reading]{}, col.handle)
	require.NoError(t, err)
	require.NoError(t, recv.Start(context.Background()))
	t.Cleanup(func() { _ = recv.Close(context.Background()) })

	sender, err := NewSender(
		broker, hlc.NewClock("device-9"), readingTemplate,
		rpc.JSON[reading]{},
		WithSenderTokens[reading](topic.TokenMap{"deviceId": "device-9"}))
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), reading{Sensor: "temp", Value: 21.5}))

	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, 5*time.Millisecond)
	ev := col.at(0)
	assert.Equal(t, "temp", ev.Payload.Sensor)
	assert.Equal(t, 21.5, ev.Payload.Value)
	assert.Equal(t, "device-9", ev.Tokens["deviceId"])
	assert.Equal(t, "devices/device-9/readings", ev.Topic)
	assert.Equal(t, "device-9", ev.Timestamp.NodeID)
}

func TestReceiverClockAdoptsSenderStamp(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	// Sender's clock runs far ahead of the receiver's.
	base := time.Now()
	senderClock := hlc.NewClock("fast-device",
		hlc.WithNowFunc(func() time.Time { return base.Add(time.Minute) }),
		hlc.WithMaxDrift(2*time.Minute))
	recvClock := hlc.NewClock("collector-2",
		hlc.WithNowFunc(func() time.Time { return base }),
		hlc.WithMaxDrift(2*time.Minute))

	col := &collector{}
	recv, err := NewReceiver(broker, recvClock, readingTemplate, rpc.JSON[reading]{}, col.handle)
	require.NoError(t, err)
	require.NoError(t, recv.Start(context.Background()))
	t.Cleanup(func() { _ = recv.Close(context.Background()) })

	sender, err := NewSender(broker, senderClock, readingTemplate, rpc.JSON[reading]{},
		WithSenderTokens[reading](topic.TokenMap{"deviceId": "fast-device"}))
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), reading{Sensor: "rpm"}))

	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, 5*time.Millisecond)
	// The receiver's clock now reads at or past the sender's stamp.
	assert.False(t, recvClock.Snapshot().Before(col.at(0).Timestamp))
}

func TestReceiverDropsEventPastDriftBound(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	base := time.Now()
	senderClock := hlc.NewClock("runaway",
		hlc.WithNowFunc(func() time.Time { return base.Add(time.Hour) }))
	recvClock := hlc.NewClock("collector-3",
		hlc.WithNowFunc(func() time.Time { return base }),
		hlc.WithMaxDrift(time.Second))

	col := &collector{}
	recv, err := NewReceiver(broker, recvClock, readingTemplate, rpc.JSON[reading]{}, col.handle)
	require.NoError(t, err)
	require.NoError(t, recv.Start(context.Background()))
	t.Cleanup(func() { _ = recv.Close(context.Background()) })

	sender, err := NewSender(broker, senderClock, readingTemplate, rpc.JSON[reading]{},
		WithSenderTokens[reading](topic.TokenMap{"deviceId": "runaway"}))
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), reading{}))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, col.len())
	// The local clock must not have been poisoned by the rejected stamp.
	snap := recvClock.Snapshot()
	assert.True(t, snap.IsZero() || snap.WallTime < base.Add(time.Minute).UnixMilli())
}

func TestReceiverFilterScopedByTokens(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	col := &collector{}
	recv, err := NewReceiver(broker, hlc.NewClock("collector-4"), readingTemplate,
		rpc.JSON[reading]{}, col.handle,
		WithReceiverTokens[reading](topic.TokenMap{"deviceId": "only-this"}))
	require.NoError(t, err)
	require.NoError(t, recv.Start(context.Background()))
	t.Cleanup(func() { _ = recv.Close(context.Background()) })

	for _, device := range []string{"only-this", "not-this"} {
		sender, err := NewSender(broker, hlc.NewClock(device), readingTemplate,
			rpc.JSON[reading]{}, WithSenderTokens[reading](topic.TokenMap{"deviceId": device}))
		require.NoError(t, err)
		require.NoError(t, sender.Send(context.Background(), reading{Sensor: device}))
	}

	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, col.len())
	assert.Equal(t, "only-this", col.at(0).Payload.Sensor)
}

func TestSendStampsWireMetadata(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })
	rec := testutil.NewRecordingTransport(broker)

	sender, err := NewSender(rec, hlc.NewClock("device-3"), readingTemplate,
		rpc.JSON[reading]{},
		WithSenderTokens[reading](topic.TokenMap{"deviceId": "device-3"}),
		WithSenderID[reading]("device-3"))
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), reading{Sensor: "temp"},
		WithSendProperty("unit", "celsius"),
		WithMessageExpiry(30*time.Second)))

	msgs := rec.WaitPublished(t, 1, time.Second)
	msg := msgs[0]
	assert.Equal(t, "devices/device-3/readings", msg.Topic)
	assert.Equal(t, "device-3", msg.Property(rpc.PropSourceID))
	assert.Equal(t, "celsius", msg.Property("unit"))
	assert.Equal(t, uint32(30), msg.Expiry)

	ts, err := hlc.Parse(msg.Property(rpc.PropTimestamp))
	require.NoError(t, err)
	assert.Equal(t, "device-3", ts.NodeID)
}

func TestSendUnresolvedTokenFails(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	sender, err := NewSender(broker, hlc.NewClock("d"), readingTemplate, rpc.JSON[reading]{})
	require.NoError(t, err)

	err = sender.Send(context.Background(), reading{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnresolvedToken))
}

func TestReceiverHandlerErrorDoesNotStopFlow(t *testing.T) {
	broker := memory.NewBroker()
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	var calls int
	var mu sync.Mutex
	recv, err := NewReceiver(broker, hlc.NewClock("collector-5"), readingTemplate,
		rpc.JSON[reading]{}, func(_ context.Context, _ *Event[reading]) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("sink unavailable")
		})
	require.NoError(t, err)
	require.NoError(t, recv.Start(context.Background()))
	t.Cleanup(func() { _ = recv.Close(context.Background()) })

	sender, err := NewSender(broker, hlc.NewClock("d2"), readingTemplate, rpc.JSON[reading]{},
		WithSenderTokens[reading](topic.TokenMap{"deviceId": "d2"}))
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), reading{}))
	require.NoError(t, sender.Send(context.Background(), reading{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}
