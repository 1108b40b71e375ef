package gatekeeper

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] window key; ARGV[1] window in ms; ARGV[2] limit.
// Returns {count, pttl ms, allowed}.
var takeScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur >= limit then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl < 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {cur, ttl, 0}
end
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl, 1}
`)

// RedisStore shares fixed windows between instances. Window expiry is left
// to Redis key TTLs, so no sweep is needed.
type RedisStore struct {
	cli    redis.Scripter
	prefix string
}

func NewRedisStore(cli redis.Scripter, keyPrefix string) *RedisStore {
	return &RedisStore{cli: cli, prefix: keyPrefix}
}

func (s *RedisStore) Take(ctx context.Context, id string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	res, err := takeScript.Run(ctx, s.cli, []string{s.key(id)}, window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return Window{}, false, errors.WithMessage(err, "redis take")
	}
	if len(res) != 3 {
		return Window{}, false, errors.Errorf("redis take: unexpected reply length %d", len(res))
	}
	w := Window{
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}
	return w, res[2] == 1, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}
