package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	RoomCodeLength = 6
	RoomTTL        = 24 * time.Hour
)

// SaveRoom stores room metadata by id along with its code-to-id mapping.
func (c *Client) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	roomData, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.ID), roomData, RoomTTL)
		// Store code-to-ID mapping for easy lookup
		pipe.Set(ctx, codeKey(room.Code), room.ID, RoomTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	return nil
}

// CodeTaken reports whether a room code is already mapped.
func (c *Client) CodeTaken(ctx context.Context, code string) (bool, error) {
	n, err := c.rdb.Exists(ctx, codeKey(code)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveRoomID maps a room code to its id. Identifiers that are not codes
// are returned unchanged.
func (c *Client) ResolveRoomID(ctx context.Context, identifier string) (string, error) {
	if len(identifier) != RoomCodeLength {
		return identifier, nil
	}
	id, err := c.rdb.Get(ctx, codeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return identifier, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code: %w", err)
	}
	return id, nil
}

// GetRoom loads room metadata by id or code with the live participant count.
func (c *Client) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID, err := c.ResolveRoomID(ctx, identifier)
	if err != nil {
		return nil, err
	}

	roomData, err := c.rdb.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := c.PeerCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.ParticipantCount = int(count)
	return &room, nil
}

// DeleteRoom removes metadata, the code mapping and the peer mirror.
func (c *Client) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	return c.rdb.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err()
}

// AddPeer mirrors a relay connection into the room's peer set.
func (c *Client) AddPeer(ctx context.Context, roomID, peerID string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, peersKey(roomID), peerID)
		pipe.Expire(ctx, peersKey(roomID), RoomTTL)
		return nil
	})
	return err
}

// RemovePeer drops a relay connection from the room's peer set.
func (c *Client) RemovePeer(ctx context.Context, roomID, peerID string) error {
	return c.rdb.SRem(ctx, peersKey(roomID), peerID).Err()
}

// PeerCount returns the size of the room's peer set.
func (c *Client) PeerCount(ctx context.Context, roomID string) (int64, error) {
	return c.rdb.SCard(ctx, peersKey(roomID)).Result()
}
