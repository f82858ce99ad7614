package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const rateKeyPrefix = "tbwo:ratelimit:"

// admitScript trims the window and records the call only when the window has
// room, so rejected calls do not extend a throttle.
// KEYS[1] window set; ARGV: now ms, window ms, limit, member.
var admitScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call("zremrangebyscore", KEYS[1], "-inf", now - window)
	if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call("zadd", KEYS[1], now, ARGV[4])
	redis.call("pexpire", KEYS[1], window)
	return 1
`)

// ModelLimits sets the calls allowed per window. A "provider/model" entry
// wins over a "provider" entry, which wins over Default. Zero or less means
// unlimited.
type ModelLimits struct {
	Default int
	ByKey   map[string]int
}

// For returns the limit that applies to one provider and model.
func (l ModelLimits) For(provider, model string) int {
	if n, ok := l.ByKey[provider+"/"+model]; ok {
		return n
	}
	if n, ok := l.ByKey[provider]; ok {
		return n
	}
	return l.Default
}

// Enabled reports whether any limit is set.
func (l ModelLimits) Enabled() bool {
	if l.Default > 0 {
		return true
	}
	for _, n := range l.ByKey {
		if n > 0 {
			return true
		}
	}
	return false
}

// ModelLimiter throttles model calls per provider and model with a sliding
// window shared by every engine instance. It satisfies llm.Limiter.
type ModelLimiter struct {
	client *redis.Client
	limits ModelLimits
	window time.Duration
	now    func() time.Time
}

// NewModelLimiter creates a ModelLimiter over window.
func NewModelLimiter(client *redis.Client, limits ModelLimits, window time.Duration) *ModelLimiter {
	return &ModelLimiter{client: client, limits: limits, window: window, now: time.Now}
}

// Allow admits one call to model on provider if its window has room.
func (m *ModelLimiter) Allow(ctx context.Context, provider, model string) (bool, error) {
	limit := m.limits.For(provider, model)
	if limit <= 0 {
		return true, nil
	}
	key := rateKeyPrefix + provider + ":" + model
	ok, err := admitScript.Run(ctx, m.client, []string{key},
		m.now().UnixMilli(), m.window.Milliseconds(), limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s/%s: %w", provider, model, err)
	}
	return ok == 1, nil
}
