//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/broker/rabbitmq"
	"github.com/novivan/SD-big-HW-3/internal/broker/redis"
)

func dialRabbit(t *testing.T) *rabbitmq.Channel {
	t.Helper()
	ch, err := rabbitmq.Dial(context.Background(), rabbitURL, rabbitmq.Options{
		DialAttempts: 5,
		RetryDelay:   time.Second,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func dialRedis(t *testing.T) *redis.Channel {
	t.Helper()
	ch, err := redis.Connect(context.Background(), redisAddr, redis.Options{
		PollTimeout: 200 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

type received struct {
	body        string
	redelivered bool
}

// exerciseChannel checks ordering, requeue on reject and drop on reject
// without requeue against a live broker.
func exerciseChannel(t *testing.T, ch broker.Channel) {
	ctx := context.Background()
	queue := "it-" + uuid.NewString()

	require.NoError(t, ch.Ping(ctx))
	for _, body := range []string{"first", "retry", "drop", "last"} {
		require.NoError(t, ch.Publish(ctx, queue, broker.Message{ID: body, Body: []byte(body)}))
	}

	var (
		mu  sync.Mutex
		got []received
	)
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- ch.Consume(consumeCtx, queue, func(_ context.Context, d broker.Delivery) {
			body := string(d.Body())
			mu.Lock()
			got = append(got, received{body: body, redelivered: d.Redelivered()})
			mu.Unlock()
			switch {
			case body == "retry" && !d.Redelivered():
				assert.NoError(t, d.Reject(true))
			case body == "drop":
				assert.NoError(t, d.Reject(false))
			default:
				assert.NoError(t, d.Ack())
			}
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, received{body: "first"}, got[0])
	var retries []received
	for _, r := range got {
		if r.body == "retry" {
			retries = append(retries, r)
		}
	}
	require.Len(t, retries, 2)
	assert.False(t, retries[0].redelivered)
	assert.True(t, retries[1].redelivered)

	// Nothing is left: a fresh consumer sees no message for a while.
	ctx2, cancel2 := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel2()
	err := ch.Consume(ctx2, queue, func(_ context.Context, d broker.Delivery) {
		assert.Failf(t, "unexpected delivery", "body %q", d.Body())
		_ = d.Ack()
	})
	require.NoError(t, err)
}

func TestRabbitMQ_Channel(t *testing.T) {
	exerciseChannel(t, dialRabbit(t))
}

func TestRedis_Channel(t *testing.T) {
	exerciseChannel(t, dialRedis(t))
}
