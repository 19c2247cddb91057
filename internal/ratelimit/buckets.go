package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// UserBuckets keeps one token bucket per key (user id) in process memory.
// Idle buckets are dropped by a background sweep.
type UserBuckets struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
	once    sync.Once
}

// NewUserBuckets allows perMinute requests per key with the given burst.
func NewUserBuckets(perMinute float64, burst int, cleanupInterval time.Duration) *UserBuckets {
	if burst <= 0 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	b := &UserBuckets{
		limit:   rate.Limit(perMinute / 60.0),
		burst:   burst,
		idle:    cleanupInterval * 2,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go b.cleanupLoop(cleanupInterval)
	return b
}

func (b *UserBuckets) Allow(key string) bool {
	return b.get(key).Allow()
}

// RetryAfter is the time to refill one token.
func (b *UserBuckets) RetryAfter() time.Duration {
	if b.limit <= 0 {
		return time.Minute
	}
	sec := math.Ceil(1.0 / float64(b.limit))
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// Len returns the number of tracked keys.
func (b *UserBuckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Stop ends the cleanup goroutine.
func (b *UserBuckets) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

func (b *UserBuckets) get(key string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.buckets[key]; ok {
		u.lastAccess = time.Now()
		return u.limiter
	}
	l := rate.NewLimiter(b.limit, b.burst)
	b.buckets[key] = &bucket{limiter: l, lastAccess: time.Now()}
	return l
}

func (b *UserBuckets) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

func (b *UserBuckets) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, u := range b.buckets {
		if now.Sub(u.lastAccess) > b.idle {
			delete(b.buckets, key)
		}
	}
}
