package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// putIfCurrent stores a field only if the generation is unchanged.
// KEYS[1] hash, KEYS[2] generation; ARGV gen, field, value, ttl ms.
var putIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Redis is a SnapshotCache shared by all API instances. Each user owns one
// hash of window -> snapshot JSON and one generation counter.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis backed snapshot cache.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func hashKey(userID string) string { return fmt.Sprintf("analytics:%s", userID) }
func genKey(userID string) string  { return fmt.Sprintf("analytics:%s:gen", userID) }

// Get returns the cached snapshot, or nil.
func (r *Redis) Get(ctx context.Context, key Key) (*models.AnalyticsSnapshot, error) {
	raw, err := r.client.HGet(ctx, hashKey(key.UserID), key.field()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap models.AnalyticsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// Treat a corrupt entry as a miss; the next Put overwrites it.
		return nil, nil
	}
	return &snap, nil
}

// Generation returns the user's current generation.
func (r *Redis) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := r.client.Get(ctx, genKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Put stores snap under the generation it was computed with.
func (r *Redis) Put(ctx context.Context, key Key, snap *models.AnalyticsSnapshot, gen int64) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	stored, err := putIfCurrent.Run(ctx, r.client,
		[]string{hashKey(key.UserID), genKey(key.UserID)},
		gen, key.field(), raw, r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Invalidate bumps the generation and drops windows containing ts.
func (r *Redis) Invalidate(ctx context.Context, userID string, metric models.Metric, ts time.Time) error {
	if err := r.bump(ctx, userID); err != nil {
		return err
	}

	fields, err := r.client.HKeys(ctx, hashKey(userID)).Result()
	if err != nil {
		return err
	}
	var drop []string
	for _, f := range fields {
		if covers(f, metric, ts) {
			drop = append(drop, f)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return r.client.HDel(ctx, hashKey(userID), drop...).Err()
}

// Purge bumps the generation and deletes the user's hash.
func (r *Redis) Purge(ctx context.Context, userID string) error {
	if err := r.bump(ctx, userID); err != nil {
		return err
	}
	return r.client.Del(ctx, hashKey(userID)).Err()
}

func (r *Redis) bump(ctx context.Context, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, genKey(userID))
	// Outlive any snapshot so an expired counter cannot be reused by a slow Put.
	pipe.PExpire(ctx, genKey(userID), 2*r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

var _ SnapshotCache = (*Redis)(nil)
