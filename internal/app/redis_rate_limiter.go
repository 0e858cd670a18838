package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimWindowScript bumps a fixed-window counter and arms its expiry on
// first touch. It replies with the counter value and the window's remaining
// lifetime in milliseconds, in one round trip.
var claimWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {hits, redis.call("PTTL", KEYS[1])}
`)

// RedisClaimRateLimiter throttles the public claim-link endpoints with a
// fixed-window counter shared across relay instances. Keys are
// <prefix>:<scope>:<subject>, typically scoped per endpoint and keyed by
// client IP.
type RedisClaimRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisClaimRateLimiter(client redis.UniversalClient, prefix string) *RedisClaimRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "relay:rate_limit"
	}
	return &RedisClaimRateLimiter{client: client, prefix: prefix}
}

// claimWindow is the decoded script reply: the counter after this hit and
// the time left before the window resets.
type claimWindow struct {
	hits      int64
	remaining time.Duration
}

func decodeClaimWindow(raw interface{}, window time.Duration) (claimWindow, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return claimWindow{}, fmt.Errorf("limiter reply has shape %T", raw)
	}
	hits, hitsOK := values[0].(int64)
	ttlMs, ttlOK := values[1].(int64)
	if !hitsOK || !ttlOK {
		return claimWindow{}, fmt.Errorf("limiter reply has types %T/%T", values[0], values[1])
	}
	remaining := time.Duration(ttlMs) * time.Millisecond
	if remaining <= 0 {
		// PTTL reports a negative value while the expiry is not yet armed.
		remaining = window
	}
	return claimWindow{hits: hits, remaining: remaining}, nil
}

// ConsumeRateLimit charges one request against the (scope, subject) window
// and reports the counter plus the whole-second Retry-After to surface when
// the limit is exceeded. A nil limiter, blank key parts, or a non-positive
// limit charge nothing.
func (r *RedisClaimRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	if window < time.Second {
		window = time.Second
	}

	key := r.prefix + ":" + scope + ":" + subject
	raw, err := claimWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	state, err := decodeClaimWindow(raw, window)
	if err != nil {
		return 0, 0, err
	}

	retryAfter := int((state.remaining + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(state.hits), retryAfter, nil
}
