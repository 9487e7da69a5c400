package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// fixedWindowScript applies one hit atomically.
// KEYS[1] = counter hash
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// returns {count, first_request_ms, allowed}
var fixedWindowScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'count', 'first')
local count = tonumber(v[1])
local first = tonumber(v[2])
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if count == nil or first == nil or (now - first) > window then
	redis.call('HSET', KEYS[1], 'count', 1, 'first', now)
	redis.call('PEXPIRE', KEYS[1], window + 1)
	return {1, now, 1}
end
if count >= limit then
	return {count, first, 0}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, first, 1}
`)

// RedisStore keeps counters in Redis hashes. Each hit runs as one Lua script
// so concurrent hits from many instances are serialized by Redis. Keys carry
// a TTL of one window, so Purge has nothing to do.
//
// Redis timestamps have millisecond resolution.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL, connects and pings. The returned store
// owns the client and closes it on Close.
func DialRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrapf(err, "ping redis at %s", opts.Addr)
	}

	s := NewRedisStore(client, prefix)
	s.owned = true
	return s, nil
}

func (s *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, errEmptyKey
	}

	nowMs := now.UnixMilli()
	res, err := fixedWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		nowMs, window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "redis hit %q", key)
	}
	if len(res) != 3 {
		return Entry{}, false, xerrors.Newf("redis hit %q: unexpected reply length %d", key, len(res))
	}

	first := time.UnixMilli(res[1])
	return Entry{
		Key:          key,
		Count:        int(res[0]),
		FirstRequest: first,
		ExpiresAt:    first.Add(window),
	}, res[2] == 1, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return xerrors.Wrapf(err, "redis reset %q", key)
	}
	return nil
}

// Purge is a no-op, keys expire on their own.
func (s *RedisStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

// Ping checks connectivity, used as a readiness check.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
