package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps counters in process. It suits single-node deployments and tests.
type MemoryLimiter struct {
	plans Plans
	now   func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count int64
	reset time.Time
}

func NewMemoryLimiter(plans Plans) *MemoryLimiter {
	return &MemoryLimiter{
		plans:    plans.Merge(DefaultPlans),
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

func (l *MemoryLimiter) Admit(_ context.Context, apiKey string, plan Plan) (Decision, error) {
	q, err := quotaFor(l.plans, plan)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	start, reset := window(now, q)
	key := counterKey("", plan, apiKey, start)

	l.mu.Lock()
	c, ok := l.counters[key]
	if !ok {
		l.sweep(now)
		c = &counter{reset: reset}
		l.counters[key] = c
	}
	c.count++
	count := c.count
	l.mu.Unlock()

	return decide(q, count, now, reset), nil
}

// sweep drops counters of elapsed windows. Callers hold mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, c := range l.counters {
		if !now.Before(c.reset) {
			delete(l.counters, k)
		}
	}
}
