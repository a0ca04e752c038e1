package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribeRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []Command

	go func() {
		bus.Subscribe(ctx, func(_ context.Context, data []byte) {
			cmd, ok := ParseCommand(ctx, data)
			if !ok {
				return
			}
			mu.Lock()
			received = append(received, cmd)
			mu.Unlock()
		}, "spider:commands")
	}()

	time.Sleep(50 * time.Millisecond) // let the subscription establish

	err = bus.Publish(ctx, "spider:commands", Command{Action: "run", ProjectID: 42})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "run", received[0].Action)
	assert.Equal(t, int64(42), received[0].ProjectID)
}

func TestParseCommand_MalformedReturnsFalse(t *testing.T) {
	_, ok := ParseCommand(context.Background(), []byte("not json"))
	assert.False(t, ok)
}
