package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "card-events"

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier builds a notifier publishing to channel.
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Send publishes the event. Having no subscribers is not an error.
func (n *RedisNotifier) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}

// Multi fans an event out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, event Event) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
