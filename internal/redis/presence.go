package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/registry"
	"github.com/redis/go-redis/v9"
)

// PresenceTTL is how long a participant stays listed without a heartbeat.
const PresenceTTL = 30 * time.Second

// Presence is a room registry kept in one Redis hash per room. Each member
// also owns a short-lived alive key that its transport refreshes with Touch;
// members whose key expired are no longer listed and are removed by Prune.
// Redis drops the hash when its last field is deleted, which discards the
// room.
type Presence struct {
	c *Client
}

var _ registry.Store = (*Presence)(nil)

func NewPresence(c *Client) *Presence {
	return &Presence{c: c}
}

func (p *Presence) AddParticipant(ctx context.Context, roomID string, participant models.Participant) (bool, error) {
	key := presenceKey(roomID)

	if participant.JoinedAt.IsZero() {
		raw, err := p.c.rdb.HGet(ctx, key, participant.ID).Result()
		switch {
		case err == nil:
			var prev models.Participant
			if json.Unmarshal([]byte(raw), &prev) == nil {
				participant.JoinedAt = prev.JoinedAt
			}
		case !errors.Is(err, redis.Nil):
			return false, fmt.Errorf("read presence %s: %w", roomID, err)
		}
	}

	data, err := json.Marshal(participant)
	if err != nil {
		return false, err
	}

	var added *redis.IntCmd
	_, err = p.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.HSet(ctx, key, participant.ID, data)
		pipe.Expire(ctx, key, RoomTTL)
		pipe.Set(ctx, aliveKey(roomID, participant.ID), 1, PresenceTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("add presence %s: %w", roomID, err)
	}
	return added.Val() == 1, nil
}

// Touch refreshes a member's heartbeat. It reports false when the member is
// no longer registered, e.g. after being pruned, so the caller can re-add it.
func (p *Presence) Touch(ctx context.Context, roomID, id string) (bool, error) {
	var alive, member *redis.BoolCmd
	_, err := p.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.Expire(ctx, aliveKey(roomID, id), PresenceTTL)
		member = pipe.HExists(ctx, presenceKey(roomID), id)
		pipe.Expire(ctx, presenceKey(roomID), RoomTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("touch presence %s: %w", roomID, err)
	}
	return alive.Val() && member.Val(), nil
}

// RemoveParticipant reports the room empty once no live member remains; the
// hash is then deleted together with any stale entries.
func (p *Presence) RemoveParticipant(ctx context.Context, roomID, id string) (bool, bool, error) {
	key := presenceKey(roomID)

	var removed *redis.IntCmd
	_, err := p.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, key, id)
		pipe.Del(ctx, aliveKey(roomID, id))
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("remove presence %s: %w", roomID, err)
	}

	live, _, err := p.scan(ctx, roomID)
	if err != nil {
		return removed.Val() > 0, false, err
	}
	if len(live) == 0 {
		if err := p.c.rdb.Del(ctx, key).Err(); err != nil {
			return removed.Val() > 0, true, fmt.Errorf("discard presence %s: %w", roomID, err)
		}
	}
	return removed.Val() > 0, len(live) == 0, nil
}

// ListParticipants returns live members ordered by join time.
func (p *Presence) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	live, _, err := p.scan(ctx, roomID)
	if err != nil {
		return nil, err
	}
	registry.SortParticipants(live)
	return live, nil
}

func (p *Presence) IsEmpty(ctx context.Context, roomID string) (bool, error) {
	live, _, err := p.scan(ctx, roomID)
	if err != nil {
		return false, err
	}
	return len(live) == 0, nil
}

// Has reports whether id is a live member of the room.
func (p *Presence) Has(ctx context.Context, roomID, id string) (bool, error) {
	var member *redis.BoolCmd
	var alive *redis.IntCmd
	_, err := p.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		member = pipe.HExists(ctx, presenceKey(roomID), id)
		alive = pipe.Exists(ctx, aliveKey(roomID, id))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check presence %s: %w", roomID, err)
	}
	return member.Val() && alive.Val() == 1, nil
}

// Prune removes members whose heartbeat expired and returns the ones this
// call removed. Concurrent pruners never both report the same member.
func (p *Presence) Prune(ctx context.Context, roomID string) ([]models.Participant, error) {
	_, stale, err := p.scan(ctx, roomID)
	if err != nil || len(stale) == 0 {
		return nil, err
	}

	deleted := make([]*redis.IntCmd, len(stale))
	_, err = p.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range stale {
			deleted[i] = pipe.HDel(ctx, presenceKey(roomID), m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prune presence %s: %w", roomID, err)
	}

	var pruned []models.Participant
	for i, m := range stale {
		if deleted[i].Val() == 1 {
			pruned = append(pruned, m)
		}
	}
	return pruned, nil
}

// scan splits the room's members by whether their alive key still exists.
func (p *Presence) scan(ctx context.Context, roomID string) (live, stale []models.Participant, err error) {
	fields, err := p.c.rdb.HGetAll(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list presence %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return []models.Participant{}, nil, nil
	}

	members := make([]models.Participant, 0, len(fields))
	for id, raw := range fields {
		var participant models.Participant
		if err := json.Unmarshal([]byte(raw), &participant); err != nil {
			return nil, nil, fmt.Errorf("decode presence %s/%s: %w", roomID, id, err)
		}
		members = append(members, participant)
	}

	exists := make([]*redis.IntCmd, len(members))
	_, err = p.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			exists[i] = pipe.Exists(ctx, aliveKey(roomID, m.ID))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("check presence %s: %w", roomID, err)
	}

	live = make([]models.Participant, 0, len(members))
	for i, m := range members {
		if exists[i].Val() == 1 {
			live = append(live, m)
		} else {
			stale = append(stale, m)
		}
	}
	return live, stale, nil
}
