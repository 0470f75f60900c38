// Package ratelimit implements C1, the per-source adaptive rate
// limiter: a token bucket with burst capacity, bounded-wait retry, and
// a short-TTL last-payload cache used as a throttle fallback.
//
// The bucket itself is golang.org/x/time/rate.Limiter, generalized
// from the hand-rolled token bucket in providers/guards/ratelimit.go
// (same refill-then-decrement shape, continuous fractional refill,
// per-source critical section) onto the standard library-adjacent
// rate limiter the rest of the ecosystem reaches for.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sawpanic/cryptoetl/internal/metrics"
)

// Decision is the outcome of an Acquire call.
type Decision struct {
	Allowed       bool
	WaitHint      time.Duration
	CachedPayload []byte // set when a throttle was satisfied from cache instead
}

// SourceLimit configures one source's bucket and backoff.
type SourceLimit struct {
	RequestsPerMinute int
	BurstCapacity     int
	RetryBackoff      time.Duration
}

// Gate is the per-source admission controller. It owns one
// rate.Limiter and one cache entry per source.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	backoffs map[string]time.Duration
	cache    PayloadCache
	metrics  *metrics.Registry
}

// PayloadCache is the short-TTL memoization of the last successful
// payload per source, keyed by source identifier (not URL). Backed by
// Redis in production (see NewRedisPayloadCache) and by an in-memory
// map in tests.
type PayloadCache interface {
	Get(ctx context.Context, source string) ([]byte, time.Duration, bool)
	Set(ctx context.Context, source string, payload []byte, ttl time.Duration) error
}

const cacheTTL = 60 * time.Second

// NewGate constructs a Gate from per-source limits.
func NewGate(limits map[string]SourceLimit, cache PayloadCache, reg *metrics.Registry) *Gate {
	g := &Gate{
		limiters: make(map[string]*rate.Limiter, len(limits)),
		backoffs: make(map[string]time.Duration, len(limits)),
		cache:    cache,
		metrics:  reg,
	}

	for source, lim := range limits {
		burst := lim.BurstCapacity
		if burst <= 0 {
			burst = lim.RequestsPerMinute
		}
		perSecond := float64(lim.RequestsPerMinute) / 60.0
		g.limiters[source] = rate.NewLimiter(rate.Limit(perSecond), burst)
		g.backoffs[source] = lim.RetryBackoff
		if reg != nil {
			reg.SetQuotaPerMinute(source, float64(lim.RequestsPerMinute))
			reg.SetTokensRemaining(source, float64(burst))
		}
	}

	return g
}

// Acquire blocks up to the source's configured retry backoff trying to
// admit one request. It never retries more than once per call; the
// caller decides whether to call Acquire again.
func (g *Gate) Acquire(ctx context.Context, source string) Decision {
	limiter := g.limiterFor(source)

	if limiter.Allow() {
		g.observeTokens(source, limiter)
		return Decision{Allowed: true}
	}

	if g.metrics != nil {
		g.metrics.IncThrottle(source)
	}

	if g.cache != nil {
		if payload, age, ok := g.cache.Get(ctx, source); ok && age < cacheTTL {
			return Decision{Allowed: false, CachedPayload: payload}
		}
	}

	backoff := g.backoffFor(source)
	start := time.Now()
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return Decision{Allowed: false, WaitHint: backoff}
	}
	if g.metrics != nil {
		g.metrics.ObserveRetryLatency(source, time.Since(start))
	}

	if limiter.Allow() {
		g.observeTokens(source, limiter)
		return Decision{Allowed: true}
	}

	return Decision{Allowed: false, WaitHint: backoff}
}

// RecordSuccess stashes the payload of a successful fetch so a future
// throttled Acquire within the TTL can serve it instead of blocking.
func (g *Gate) RecordSuccess(ctx context.Context, source string, payload []byte) {
	if g.cache == nil {
		return
	}
	_ = g.cache.Set(ctx, source, payload, cacheTTL)
}

func (g *Gate) limiterFor(source string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[source]
	if !ok {
		// Unconfigured sources get an unbounded limiter rather than a
		// panic: admission simply never blocks them.
		l = rate.NewLimiter(rate.Inf, 1)
		g.limiters[source] = l
	}
	return l
}

func (g *Gate) backoffFor(source string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.backoffs[source]; ok && b > 0 {
		return b
	}
	return 2 * time.Second
}

func (g *Gate) observeTokens(source string, limiter *rate.Limiter) {
	if g.metrics == nil {
		return
	}
	g.metrics.SetTokensRemaining(source, limiter.Tokens())
}
