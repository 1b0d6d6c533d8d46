package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"courierhub/internal/types"
)

const testExchange = "courierhub.test.notifications"

func (r *recorder) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.envs {
		if e.ID == id {
			return true
		}
	}
	return false
}

func TestAMQPBridgeDeliversLocallyWithoutBroker(t *testing.T) {
	local := &recorder{}
	b := &AMQPBridge{local: local, log: slog.Default()}

	err := b.Publish(context.Background(), Envelope{ID: "env-1", RecipientID: "alice", EventType: EventOrderStatus})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"alice"}, local.recipients())
}

func TestAMQPBridgeAfterCloseDeliversLocally(t *testing.T) {
	local := &recorder{}
	b := &AMQPBridge{local: local, log: slog.Default()}
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(context.Background(), Envelope{ID: "env-1", RecipientID: "bob"}))
	assert.True(t, local.has("env-1"))
}

func startRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": "courierhub",
				"RABBITMQ_DEFAULT_PASS": "courierhub",
			},
			WaitingFor: wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://courierhub:courierhub@%s:%s/", host, port.Port())
}

func TestAMQPBridgeReconnectsAfterConnectionLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed bridge test in -short mode")
	}
	url := startRabbitMQ(t)
	dial := func() (*amqp.Connection, error) { return amqp.Dial(url) }

	local := &recorder{}
	bridge, err := NewAMQPBridge(dial, testExchange, local, nil)
	require.NoError(t, err)
	bridge.retry = func() backoff.BackOff { return backoff.NewConstantBackOff(100 * time.Millisecond) }
	t.Cleanup(func() { _ = bridge.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	// The consumer queue is bound asynchronously; keep publishing until one arrives.
	n := 0
	require.Eventually(t, func() bool {
		n++
		id := fmt.Sprintf("before-%d", n)
		if err := bridge.Publish(ctx, Envelope{ID: id, RecipientID: "alice"}); err != nil {
			return false
		}
		time.Sleep(50 * time.Millisecond)
		return local.has(id)
	}, 20*time.Second, 100*time.Millisecond)

	bridge.mu.Lock()
	lost := bridge.conn
	bridge.mu.Unlock()
	require.NoError(t, lost.Close())

	// A separate publisher proves the bridge consumes again after reconnecting,
	// rather than its own local fallback.
	outside, err := amqp.Dial(url)
	require.NoError(t, err)
	defer outside.Close()
	ch, err := outside.Channel()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n++
		id := fmt.Sprintf("after-%d", n)
		body, _ := json.Marshal(Envelope{ID: id, RecipientID: "alice"})
		err := ch.PublishWithContext(ctx, testExchange, "", false, false, amqp.Publishing{ContentType: "application/json", Body: body})
		if err != nil {
			return false
		}
		time.Sleep(50 * time.Millisecond)
		return local.has(id)
	}, 20*time.Second, 100*time.Millisecond)

	bridge.mu.Lock()
	current := bridge.conn
	bridge.mu.Unlock()
	assert.NotSame(t, lost, current)
	assert.False(t, current.IsClosed())
	require.NoError(t, bridge.Publish(ctx, Envelope{ID: "confirmed", RecipientID: "alice"}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after cancel")
	}
}
