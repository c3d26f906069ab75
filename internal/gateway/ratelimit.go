package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/shared"
)

const (
	defaultSubmitsPerMinute = 60
	defaultSubmitBurst      = 10
)

// bucket is a token bucket; the limiter's mutex guards it.
type bucket struct {
	tokens float64
	last   time.Time // last refill, doubles as last use for eviction
}

// take refills for the time since the last call and spends one token. When
// empty it reports how long until the next token.
func (b *bucket) take(now time.Time, perSecond, burst float64) (bool, time.Duration) {
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.last).Seconds()*perSecond)
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
}

// RateLimitMiddleware throttles task submission per actor. Shared-secret
// callers all carry the same actor, so they are told apart by address.
type RateLimitMiddleware struct {
	enabled   bool
	perSecond float64
	burst     float64
	metrics   *otel.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, metrics *otel.Metrics) *RateLimitMiddleware {
	rpm, burst := cfg.RequestsPerMinute, cfg.BurstSize
	if rpm <= 0 {
		rpm = defaultSubmitsPerMinute
	}
	if burst <= 0 {
		burst = defaultSubmitBurst
	}
	return &RateLimitMiddleware{
		enabled:   cfg.Enabled,
		perSecond: float64(rpm) / 60,
		burst:     float64(burst),
		metrics:   metrics,
		buckets:   make(map[string]*bucket),
	}
}

func limitKey(r *http.Request) string {
	actor := shared.Actor(r.Context())
	if actor == shared.ActorInternal {
		return actor + "@" + r.RemoteAddr
	}
	return actor
}

func (rl *RateLimitMiddleware) allow(key string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}
	return b.take(now, rl.perSecond, rl.burst)
}

// Wrap must run after RequireAuth so the actor is known.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.allow(limitKey(r), time.Now())
		if !ok {
			rl.metrics.RecordRateLimitReject(r.Context())
			secs := max(1, int(math.Ceil(wait.Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many task submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartEviction drops idle buckets every interval until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale forgets actors idle for longer than maxAge. A forgotten actor
// starts again with a full burst.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.buckets)
	for key, b := range rl.buckets {
		if !b.last.After(cutoff) {
			delete(rl.buckets, key)
		}
	}
	if n := before - len(rl.buckets); n > 0 {
		slog.Debug("rate limiter evicted idle actors", "evicted", n, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
