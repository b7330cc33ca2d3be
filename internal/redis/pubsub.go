package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publish sends a raw message on a room's signal channel.
func (c *Client) Publish(ctx context.Context, roomID string, data []byte) error {
	if err := c.rdb.Publish(ctx, SignalChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("publish to room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe opens a subscription on a room's signal channel and waits for the
// server to confirm it, so nothing published afterwards is missed.
func (c *Client) Subscribe(ctx context.Context, roomID string) (*redis.PubSub, error) {
	sub := c.rdb.Subscribe(ctx, SignalChannel(roomID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}
	return sub, nil
}
