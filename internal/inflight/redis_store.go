package inflight

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces counter keys.
const DefaultRedisPrefix = "echo:inflight"

// Each counter is a string key holding the count; a sorted set indexes the
// keys by last-update time (unix millis) for the sweep.
var (
	incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], ARGV[1], KEYS[1])
return n - 1
`)

	decrScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  return 0
end
n = redis.call('DECR', KEYS[1])
redis.call('ZADD', KEYS[2], ARGV[1], KEYS[1])
return n
`)

	resetScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], KEYS[1])
if not score or tonumber(score) >= tonumber(ARGV[1]) then
  return 0
end
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
if n > 0 then
  return 1
end
return 0
`)
)

// RedisStore keeps counters in Redis. Each mutation is one Lua script, so
// it is atomic across gateway instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, DefaultRedisPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisStore) key(userID, appID string) string {
	return r.prefix + ":" + userID + ":" + appID
}

func (r *RedisStore) index() string { return r.prefix + ":updated" }

func (r *RedisStore) Increment(ctx context.Context, userID, appID string) (int64, error) {
	return incrScript.Run(ctx, r.client, []string{r.key(userID, appID), r.index()}, r.now().UnixMilli()).Int64()
}

func (r *RedisStore) Decrement(ctx context.Context, userID, appID string) (int64, error) {
	return decrScript.Run(ctx, r.client, []string{r.key(userID, appID), r.index()}, r.now().UnixMilli()).Int64()
}

func (r *RedisStore) Get(ctx context.Context, userID, appID string) (*Counter, error) {
	c := &Counter{UserID: userID, AppID: appID}
	key := r.key(userID, appID)

	n, err := r.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	c.NumberInFlight = n

	score, err := r.client.ZScore(ctx, r.index(), key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if err == nil {
		c.UpdatedAt = time.UnixMilli(int64(score))
	}
	return c, nil
}

func (r *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := r.client.ZRangeByScore(ctx, r.index(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, r.prefix+":") {
			continue
		}
		n, err := resetScript.Run(ctx, r.client, []string{key, r.index()}, cutoff.UnixMilli()).Int()
		if err != nil {
			return reset, err
		}
		reset += n
	}
	return reset, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
