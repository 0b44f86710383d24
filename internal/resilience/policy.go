package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
)

// RetryPolicy is immutable per dependency.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor float64
	BaseDelay     time.Duration
	Jitter        time.Duration
}

// Delay returns the wait after the n-th failed attempt (n starts at 1):
// base × factor^(n-1) plus a jitter drawn from [0, Jitter].
func (p RetryPolicy) Delay(n int, jitter func(max time.Duration) time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(n-1)))
	if p.Jitter > 0 && jitter != nil {
		d += jitter(p.Jitter)
	}
	return d
}

// UniformJitter draws a duration from [0, max].
func UniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Policy is the complete resilience policy for one dependency.
type Policy struct {
	Retry            RetryPolicy
	FailureThreshold int
	Cooldown         time.Duration
	RatePerMinute    float64
	Burst            int
	Timeout          time.Duration
}

// PolicyFromConfig converts a configured dependency policy.
func PolicyFromConfig(p config.DependencyPolicy) Policy {
	return Policy{
		Retry: RetryPolicy{
			MaxRetries:    p.MaxRetries,
			BackoffFactor: p.BackoffFactor,
			BaseDelay:     p.BaseDelay,
			Jitter:        p.Jitter,
		},
		FailureThreshold: p.FailureThreshold,
		Cooldown:         p.Cooldown,
		RatePerMinute:    p.RatePerMinute,
		Burst:            p.Burst,
		Timeout:          p.Timeout,
	}
}
