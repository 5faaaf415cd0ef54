package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"onetimechat/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

// Presence state per room lives in two keys: a hash of session key -> join
// time, and a sorted set of session key -> last heartbeat (unix ms).
func presenceKey(roomID string) string { return "presence:" + roomID }
func seenKey(roomID string) string     { return "presence:" + roomID + ":seen" }

// PublishEvent publishes ev on the room's Redis channel.
func (s *Service) PublishEvent(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, models.RoomChannel(ev.RoomID), payload).Err()
}

func (s *Service) SubscribeToAllRooms(ctx context.Context) *redis.PubSub {
	return s.Redis.PSubscribe(ctx, models.RoomChannelPattern)
}

// TrackPresence adds or refreshes key in the room's presence state.
func (s *Service) TrackPresence(ctx context.Context, roomID, key string, meta models.PresenceMeta) error {
	joined := meta.JoinedAt
	if joined.IsZero() {
		joined = s.now()
	}
	_, err := s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, presenceKey(roomID), key, joined.UTC().Format(time.RFC3339Nano))
		p.ZAdd(ctx, seenKey(roomID), redis.Z{Score: float64(s.now().UnixMilli()), Member: key})
		return nil
	})
	return err
}

// TouchPresence records a heartbeat for an already tracked key.
func (s *Service) TouchPresence(ctx context.Context, roomID, key string) error {
	return s.Redis.ZAddXX(ctx, seenKey(roomID), redis.Z{Score: float64(s.now().UnixMilli()), Member: key}).Err()
}

func (s *Service) UntrackPresence(ctx context.Context, roomID, key string) error {
	_, err := s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, presenceKey(roomID), key)
		p.ZRem(ctx, seenKey(roomID), key)
		return nil
	})
	return err
}

// PresenceState returns every tracked key of the room.
func (s *Service) PresenceState(ctx context.Context, roomID string) (map[string]models.PresenceMeta, error) {
	raw, err := s.Redis.HGetAll(ctx, presenceKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]models.PresenceMeta{}, nil
	}
	if err != nil {
		return nil, err
	}

	state := make(map[string]models.PresenceMeta, len(raw))
	for key, v := range raw {
		joined, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.Log.Warn("bad presence entry", "room", roomID, "key", key, "err", err)
			continue
		}
		state[key] = models.PresenceMeta{JoinedAt: joined}
	}
	return state, nil
}

// SweepPresence drops keys without a heartbeat inside window and returns them.
func (s *Service) SweepPresence(ctx context.Context, roomID string, window time.Duration) ([]string, error) {
	cutoff := s.now().Add(-window).UnixMilli()
	stale, err := s.Redis.ZRangeByScore(ctx, seenKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	members := make([]interface{}, len(stale))
	for i, k := range stale {
		members[i] = k
	}
	_, err = s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, presenceKey(roomID), stale...)
		p.ZRem(ctx, seenKey(roomID), members...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}
