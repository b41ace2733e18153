package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-IP token bucket to incoming requests. Stale
// entries are evicted in the background so the map stays bounded.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*ipBucket
	r          rate.Limit
	burst      int
	ttl        time.Duration
	maxEntries int
	cancel     context.CancelFunc
}

// NewRateLimiter creates a per-IP limiter allowing r events per second
// with the given burst.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets:    make(map[string]*ipBucket),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxEntries: 10000,
		cancel:     cancel,
	}
	go rl.evictLoop(ctx)
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxEntries {
			rl.mu.Unlock()
			return false // refuse rather than grow without bound
		}
		b = &ipBucket{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// UpdateRate changes the limit. Existing buckets are dropped so every IP
// picks up the new rate on its next request.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.buckets = make(map[string]*ipBucket)
}

// Stop shuts down the eviction goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.ttl)
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
