package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/metrics"
	"github.com/connectus/chat-session/internal/room"
)

const (
	// KeyPrefix is the Redis key prefix for every cached entry.
	KeyPrefix = "chatcache:"

	// DefaultTTL is how long a cached list or page stays usable.
	DefaultTTL = 24 * time.Hour
)

// Redis is a Store backed by Redis. Entries are JSON values scoped to one
// user, so clients sharing a Redis never see each other's rooms.
type Redis struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedis creates a Redis store for the given user namespace.
func NewRedis(rdb *redis.Client, namespace string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, namespace: namespace, ttl: ttl}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return client, nil
}

func (r *Redis) roomsKey() string {
	return KeyPrefix + r.namespace + ":rooms"
}

func (r *Redis) historyKey(roomID string, page int) string {
	return KeyPrefix + r.namespace + ":history:" + roomID + ":" + strconv.Itoa(page)
}

func (r *Redis) SaveRooms(ctx context.Context, rooms []room.Room) error {
	return r.save(ctx, r.roomsKey(), rooms)
}

func (r *Redis) LoadRooms(ctx context.Context) ([]room.Room, bool, error) {
	var rooms []room.Room
	ok, err := r.load(ctx, "rooms", r.roomsKey(), &rooms)
	if !ok || err != nil {
		return nil, ok, err
	}
	if rooms == nil {
		rooms = []room.Room{}
	}
	return rooms, true, nil
}

func (r *Redis) SaveHistory(ctx context.Context, roomID string, page int, msgs []chat.Message) error {
	return r.save(ctx, r.historyKey(roomID, page), msgs)
}

func (r *Redis) LoadHistory(ctx context.Context, roomID string, page int) ([]chat.Message, bool, error) {
	var msgs []chat.Message
	ok, err := r.load(ctx, "history", r.historyKey(roomID, page), &msgs)
	if !ok || err != nil {
		return nil, ok, err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, true, nil
}

// Clear removes every entry of the namespace.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, KeyPrefix+r.namespace+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache: del %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

func (r *Redis) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) load(ctx context.Context, kind, key string, v interface{}) (bool, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
	return true, nil
}
