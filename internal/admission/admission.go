// Package admission enforces per API key request quotas with fixed windows.
// Requests over quota are rejected immediately, never queued.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Quota is the number of requests allowed per window.
type Quota struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type Plans map[Plan]Quota

// DefaultPlans are used for tiers missing from configuration.
var DefaultPlans = Plans{
	PlanFree:       {Limit: 10, Window: time.Minute},
	PlanPro:        {Limit: 100, Window: time.Minute},
	PlanEnterprise: {Limit: 1000, Window: time.Minute},
}

// Merge returns p with defaults filled in for missing or zero tiers.
func (p Plans) Merge(defaults Plans) Plans {
	out := make(Plans, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range p {
		if v.Limit > 0 && v.Window > 0 {
			out[k] = v
		}
	}
	return out
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter interface {
	Admit(ctx context.Context, apiKey string, plan Plan) (Decision, error)
}

// window returns the start of the fixed window containing now.
func window(now time.Time, q Quota) (start, reset time.Time) {
	start = now.Truncate(q.Window)
	return start, start.Add(q.Window)
}

func decide(q Quota, count int64, now, reset time.Time) Decision {
	d := Decision{Limit: q.Limit, ResetAt: reset}
	if count <= int64(q.Limit) {
		d.Allowed = true
		d.Remaining = q.Limit - int(count)
		return d
	}
	d.RetryAfter = reset.Sub(now)
	return d
}

// counterKey never embeds the raw API key.
func counterKey(prefix string, plan Plan, apiKey string, start time.Time) string {
	sum := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("%s%s:%s:%d", prefix, plan, hex.EncodeToString(sum[:8]), start.Unix())
}

func quotaFor(plans Plans, plan Plan) (Quota, error) {
	q, ok := plans[plan]
	if !ok || q.Limit <= 0 || q.Window <= 0 {
		return Quota{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return q, nil
}
