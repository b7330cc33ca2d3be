package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client with the key layout used by the relay.
type Client struct {
	rdb *redis.Client
}

// Connect initializes the Redis client
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Redis returns the underlying client instance
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

func roomKey(roomID string) string      { return "room:" + roomID }
func codeKey(code string) string        { return "code:" + code }
func peersKey(roomID string) string     { return "room:" + roomID + ":peers" }
func presenceKey(roomID string) string  { return "room:" + roomID + ":presence" }
func aliveKey(roomID, id string) string { return "room:" + roomID + ":alive:" + id }

// SignalChannel is the Pub/Sub channel carrying a room's envelopes.
func SignalChannel(roomID string) string { return "room:" + roomID + ":signal" }
