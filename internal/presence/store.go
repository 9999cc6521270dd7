// Package presence keeps room membership in Redis so that every relay
// instance and headless client sees the same members. Each room has a hash
// of member id to tracked metadata and a sorted set of member id to last
// heartbeat; members whose heartbeat is older than the TTL are pruned on
// read.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixelplaza/plaza/internal/protocol"
)

const (
	// KeyPrefix is the Redis key prefix for room presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL is how long a member stays present without a heartbeat.
	DefaultTTL = 30 * time.Second
)

func metaKey(room string) string { return KeyPrefix + room }
func seenKey(room string) string { return KeyPrefix + room + ":seen" }

// Store manages room presence in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a presence store on an existing Redis client. ttl <= 0
// uses DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// TTL returns the heartbeat timeout.
func (s *Store) TTL() time.Duration { return s.ttl }

// Track stores or replaces the member's metadata and refreshes its
// heartbeat.
func (s *Store) Track(ctx context.Context, room, id string, meta protocol.PresenceMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("presence: encode meta: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, metaKey(room), id, data)
	pipe.ZAdd(ctx, seenKey(room), redis.Z{Score: float64(s.now().UnixMilli()), Member: id})
	pipe.Expire(ctx, metaKey(room), 4*s.ttl)
	pipe.Expire(ctx, seenKey(room), 4*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: track %s in %s: %w", id, room, err)
	}
	return nil
}

// Touch refreshes the heartbeat of a tracked member. Untracked members are
// left absent.
func (s *Store) Touch(ctx context.Context, room, id string) error {
	pipe := s.client.Pipeline()
	pipe.ZAddXX(ctx, seenKey(room), redis.Z{Score: float64(s.now().UnixMilli()), Member: id})
	pipe.Expire(ctx, metaKey(room), 4*s.ttl)
	pipe.Expire(ctx, seenKey(room), 4*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: touch %s in %s: %w", id, room, err)
	}
	return nil
}

// Untrack removes the member from the room.
func (s *Store) Untrack(ctx context.Context, room, id string) error {
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, metaKey(room), id)
	pipe.ZRem(ctx, seenKey(room), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: untrack %s from %s: %w", id, room, err)
	}
	return nil
}

// Prune removes members whose heartbeat is older than the TTL and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, room string) (int, error) {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	max := "(" + strconv.FormatInt(cutoff, 10)

	stale, err := s.client.ZRangeByScore(ctx, seenKey(room), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: list stale in %s: %w", room, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	pipe.HDel(ctx, metaKey(room), stale...)
	pipe.ZRemRangeByScore(ctx, seenKey(room), "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: prune %s: %w", room, err)
	}
	return len(stale), nil
}

// Snapshot prunes stale members and returns the room's presence state.
// Entries with undecodable metadata are returned with empty metadata so the
// member still counts as present.
func (s *Store) Snapshot(ctx context.Context, room string) (protocol.PresenceState, error) {
	if _, err := s.Prune(ctx, room); err != nil {
		return nil, err
	}

	raw, err := s.client.HGetAll(ctx, metaKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot %s: %w", room, err)
	}

	state := make(protocol.PresenceState, len(raw))
	for id, data := range raw {
		var meta protocol.PresenceMeta
		_ = json.Unmarshal([]byte(data), &meta)
		state[id] = meta
	}
	return state, nil
}

// Count returns the number of live members in the room without pruning.
func (s *Store) Count(ctx context.Context, room string) (int64, error) {
	min := strconv.FormatInt(s.now().Add(-s.ttl).UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, seenKey(room), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("presence: count %s: %w", room, err)
	}
	return n, nil
}
