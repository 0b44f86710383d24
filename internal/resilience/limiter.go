package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
)

// RateBucket is a point-in-time view of one token bucket.
type RateBucket struct {
	Session             string    `json:"session"`
	Dependency          string    `json:"dependency"`
	Tokens              float64   `json:"tokens"`
	Capacity            int       `json:"capacity"`
	RefillRatePerMinute float64   `json:"refill_rate_per_minute"`
	LastRefillAt        time.Time `json:"last_refill_at"`
}

type bucketKey struct {
	session    string
	dependency string
}

type bucket struct {
	lim      *rate.Limiter
	perMin   float64
	lastUsed time.Time
}

// Limiters holds one token bucket per (session, dependency). Admission is a
// single AllowN on the bucket, which takes the token atomically; a rejected
// call is never queued.
type Limiters struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[bucketKey]*bucket
}

// NewLimiters creates an empty registry.
func NewLimiters(clk clock.Clock) *Limiters {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiters{clock: clk, buckets: make(map[bucketKey]*bucket)}
}

// Allow takes one token from the (session, dependency) bucket, creating the
// bucket full on first use.
func (l *Limiters) Allow(session, dependency string, perMinute float64, burst int) bool {
	now := l.clock.Now()
	key := bucketKey{session: session, dependency: dependency}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			lim:    rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
			perMin: perMinute,
		}
		l.buckets[key] = b
	}
	b.lastUsed = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Bucket returns the current state of a bucket, false if it was never used.
func (l *Limiters) Bucket(session, dependency string) (RateBucket, bool) {
	l.mu.Lock()
	b, ok := l.buckets[bucketKey{session: session, dependency: dependency}]
	l.mu.Unlock()
	if !ok {
		return RateBucket{}, false
	}
	now := l.clock.Now()
	return RateBucket{
		Session:             session,
		Dependency:          dependency,
		Tokens:              b.lim.TokensAt(now),
		Capacity:            b.lim.Burst(),
		RefillRatePerMinute: b.perMin,
		LastRefillAt:        now,
	}, true
}

// Prune drops buckets idle for longer than idle. A dropped bucket is
// recreated full on its next use, so idle should cover a full refill.
func (l *Limiters) Prune(idle time.Duration) int {
	cutoff := l.clock.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
