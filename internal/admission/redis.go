package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "rl:"

// RedisLimiter counts requests with INCR on a key per key, plan and window, so
// every API replica shares the same counters.
type RedisLimiter struct {
	client    redis.Cmdable
	plans     Plans
	keyPrefix string
	now       func() time.Time
}

func NewRedisLimiter(client redis.Cmdable, plans Plans, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisLimiter{
		client:    client,
		plans:     plans.Merge(DefaultPlans),
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (l *RedisLimiter) Admit(ctx context.Context, apiKey string, plan Plan) (Decision, error) {
	q, err := quotaFor(l.plans, plan)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	start, reset := window(now, q)
	key := counterKey(l.keyPrefix, plan, apiKey, start)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		// Keep the key a little past the window end so late readers still see it.
		if err := l.client.Expire(ctx, key, q.Window+time.Second).Err(); err != nil {
			return Decision{}, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return decide(q, count, now, reset), nil
}
