package natsbridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/meshrpc/hlc"
	"github.com/c360/meshrpc/rpc"
	"github.com/c360/meshrpc/topic"
	"github.com/c360/meshrpc/transport"
)

// startNATS runs a throwaway NATS server in a container.
func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestPublishSubscribeOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	url := startNATS(t)

	bridge, err := New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })
	require.True(t, bridge.Connected())

	received := make(chan *transport.Message, 1)
	sub, err := bridge.Subscribe(context.Background(), "devices/+/readings",
		func(_ context.Context, msg *transport.Message) {
			select {
			case received <- msg:
			default:
			}
		})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe(context.Background()) })

	msg := &transport.Message{
		Topic:           "devices/dev-7/readings",
		Payload:         []byte(`{"v":1}`),
		CorrelationData: []byte("c-1"),
		ContentType:     "application/json",
		UserProperties:  map[string]string{"__ts": "000000000000001:00000:n"},
	}
	require.NoError(t, bridge.Publish(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.Topic, got.Topic)
		assert.Equal(t, msg.Payload, got.Payload)
		assert.Equal(t, msg.CorrelationData, got.CorrelationData)
		assert.Equal(t, msg.UserProperties, got.UserProperties)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRPCOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	url := startNATS(t)

	serverBridge, err := New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverBridge.Close(context.Background()) })
	clientBridge, err := New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientBridge.Close(context.Background()) })

	type ping struct {
		Seq int `json:"seq"`
	}
	exec, err := rpc.NewExecutor(
		serverBridge, hlc.NewClock("nats-server"), "services/echo/{deviceId}/ping",
		rpc.JSON[ping]{}, rpc.JSON[ping]{},
		func(_ context.Context, req *rpc.Request[ping]) (ping, error) {
			return ping{Seq: req.Payload.Seq + 1}, nil
		})
	require.NoError(t, err)
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() { _ = exec.Close(context.Background()) })

	inv, err := rpc.NewInvoker(
		clientBridge, hlc.NewClock("nats-client"), "nats-client",
		"services/echo/{deviceId}/ping", rpc.JSON[ping]{}, rpc.JSON[ping]{})
	require.NoError(t, err)
	require.NoError(t, inv.Start(context.Background()))
	t.Cleanup(func() { _ = inv.Close(context.Background()) })

	resp, err := inv.Invoke(context.Background(), ping{Seq: 41},
		rpc.WithTransientTokens(topic.TokenMap{"deviceId": "dev-1"}),
		rpc.WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Seq)
}
