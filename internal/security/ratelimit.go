package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is a token bucket: Rate events per second with Burst headroom.
type Limits struct {
	Rate  rate.Limit
	Burst int
}

// PerMinute allows n events a minute, all of which may arrive at once.
func PerMinute(n int) Limits {
	return Limits{Rate: rate.Limit(float64(n) / 60), Burst: n}
}

// PerSecond allows n events a second with a burst of n.
func PerSecond(n int) Limits {
	return Limits{Rate: rate.Limit(n), Burst: n}
}

// Limiter returns a standalone bucket with these limits.
func (l Limits) Limiter() *rate.Limiter {
	return rate.NewLimiter(l.Rate, l.Burst)
}

const (
	bucketTTL     = 10 * time.Minute
	sweepInterval = time.Minute
	maxBuckets    = 10000
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter keeps one token bucket per client IP. Buckets idle for longer
// than bucketTTL are swept in the background.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	limits     Limits
	maxEntries int
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts a per-IP limiter. Call Stop to end the sweeper.
func NewRateLimiter(l Limits) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		limits:     l,
		maxEntries: maxBuckets,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go rl.run()
	return rl
}

// Allow spends one token from ip's bucket. Once maxEntries IPs are tracked,
// unseen IPs are refused until the sweeper frees room.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxEntries {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{lim: rl.limits.Limiter()}
		rl.buckets[ip] = b
	}
	b.seen = rl.now()
	rl.mu.Unlock()

	return b.lim.Allow()
}

// Update swaps the limits. Existing buckets are dropped and start full
// under the new limits.
func (rl *RateLimiter) Update(l Limits) {
	rl.mu.Lock()
	rl.limits = l
	rl.buckets = make(map[string]*bucket)
	rl.mu.Unlock()
}

// Len returns the number of tracked IPs.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-bucketTTL)
	for ip, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}
