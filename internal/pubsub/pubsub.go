// Package pubsub wraps Redis pub/sub with a JSON envelope, shared by
// the command listener, generator pipeline, and scheduler for command
// dispatch and realtime stats broadcast.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"crawlpipe/pkg/logger"
)

// Bus publishes and subscribes to JSON-encoded messages on Redis channels.
type Bus struct {
	cl *redis.Client
}

// New returns a Bus bound to client.
func New(client *redis.Client) *Bus {
	return &Bus{cl: client}
}

// Publish JSON-encodes payload and publishes it to channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal: %w", err)
	}
	return b.cl.Publish(ctx, channel, data).Err()
}

// Handler is invoked once per received message with its raw JSON bytes.
type Handler func(ctx context.Context, data []byte)

// Subscribe blocks, dispatching every message received on any of
// channels to handle, until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, handle Handler, channels ...string) error {
	sub := b.cl.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, []byte(msg.Payload))
		}
	}
}

// Command is the shape every control-channel message decodes to before
// action-specific fields are inspected by the listener/generator.
type Command struct {
	Action    string `json:"action"`
	ProjectID int64  `json:"project_id"`
	MaxItems  int64  `json:"max_items,omitempty"`
}

// ParseCommand decodes data as a Command, logging and returning false
// on malformed input rather than propagating an error up the
// subscription loop.
func ParseCommand(ctx context.Context, data []byte) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		logger.Get().WithError(err).Warn("pubsub: dropping malformed command")
		return Command{}, false
	}
	return cmd, true
}

// StatsMessage is published after every routed item, per spec §4.6.
type StatsMessage struct {
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id"`
	ItemsCount int64  `json:"items_count"`
	Timestamp  int64  `json:"timestamp"`
}
