package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps liveness in Redis TTL keys so every sun instance sees
// the same presence view.
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, redisURL string) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisTracker{client: client}, nil
}

// Beat marks the agent alive for ttl. The value is the beat time so
// LastSeen needs no second key.
func (t *RedisTracker) Beat(ctx context.Context, projectID, agentName string, ttl time.Duration) error {
	key := presenceKey(projectID, agentName)
	val := time.Now().UTC().Format(time.RFC3339Nano)
	return t.client.Set(ctx, key, val, ttl).Err()
}

// Alive reports whether the agent's key has not expired.
func (t *RedisTracker) Alive(ctx context.Context, projectID, agentName string) (bool, error) {
	n, err := t.client.Exists(ctx, presenceKey(projectID, agentName)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LastSeen returns the recorded beat time, zero when the key expired.
func (t *RedisTracker) LastSeen(ctx context.Context, projectID, agentName string) (time.Time, error) {
	val, err := t.client.Get(ctx, presenceKey(projectID, agentName)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	seen, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, err
	}
	return seen, nil
}

// ListAlive scans the project's presence keys, sorted by name.
func (t *RedisTracker) ListAlive(ctx context.Context, projectID string) ([]string, error) {
	pattern := presencePattern(projectID)
	prefix := strings.TrimSuffix(pattern, "*")

	names := make([]string, 0)
	iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Ping checks the Redis connection.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
