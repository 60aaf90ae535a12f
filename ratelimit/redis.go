package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims hits older than the window, admits the new hit if
// there is room, and refreshes the key's expiry.
//
// KEYS[1] key; ARGV now(ms), window(ms), limit, member
// returns {allowed, count, oldest(ms)}
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// Redis is a sliding-window limiter shared by every instance pointing at the
// same Redis.
type Redis struct {
	client redis.Scripter
	policy Policy
	prefix string
	now    func() time.Time
}

var _ Limiter = (*Redis)(nil)

func NewRedis(client redis.Scripter, p Policy, prefix string) (*Redis, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Redis{client: client, policy: p, prefix: prefix, now: time.Now}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now().UnixMilli()
	window := r.policy.Window.Milliseconds()

	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now, window, r.policy.Limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	d := Decision{Limit: r.policy.Limit}
	if res[0] == 1 {
		d.Allowed = true
		d.Remaining = r.policy.Limit - int(res[1])
		return d, nil
	}
	d.RetryAfter = time.Duration(res[2]+window-now) * time.Millisecond
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	return d, nil
}
