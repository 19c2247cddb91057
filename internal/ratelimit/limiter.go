package ratelimit

import "time"

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(key string) bool
	// RetryAfter is the wait suggested to rejected callers.
	RetryAfter() time.Duration
}
