// Package multiratelimit holds one token bucket per key, created on first use
package multiratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type MultiRatelimiter[T comparable] struct {
	mu       sync.Mutex
	limiters map[T]*rate.Limiter

	limit    rate.Limit
	maxBurst int
}

func NewMultiRatelimiter[T comparable](maxPerSecond float64, maxBurst int) *MultiRatelimiter[T] {
	return newMultiRatelimiter[T](rate.Limit(maxPerSecond), maxBurst)
}

// NewIntervalRatelimiter allows one event per interval per key, with burst
func NewIntervalRatelimiter[T comparable](interval time.Duration, maxBurst int) *MultiRatelimiter[T] {
	return newMultiRatelimiter[T](rate.Every(interval), maxBurst)
}

func newMultiRatelimiter[T comparable](limit rate.Limit, maxBurst int) *MultiRatelimiter[T] {
	if maxBurst < 1 {
		maxBurst = 1
	}

	return &MultiRatelimiter[T]{
		limiters: make(map[T]*rate.Limiter),
		limit:    limit,
		maxBurst: maxBurst,
	}
}

func (multi *MultiRatelimiter[T]) findCreateLimiter(key T) *rate.Limiter {
	multi.mu.Lock()
	defer multi.mu.Unlock()

	if current, ok := multi.limiters[key]; ok {
		return current
	}

	// not found, create it
	multi.limiters[key] = rate.NewLimiter(multi.limit, multi.maxBurst)
	return multi.limiters[key]
}

func (multi *MultiRatelimiter[T]) Allow(key T) bool {
	return multi.findCreateLimiter(key).Allow()
}

func (multi *MultiRatelimiter[T]) Reserve(key T) *rate.Reservation {
	return multi.findCreateLimiter(key).Reserve()
}

// Wait blocks until key has a token or ctx is done
func (multi *MultiRatelimiter[T]) Wait(ctx context.Context, key T) error {
	return multi.findCreateLimiter(key).Wait(ctx)
}

// Forget drops the bucket of key, the next use starts with a full one
func (multi *MultiRatelimiter[T]) Forget(key T) {
	multi.mu.Lock()
	delete(multi.limiters, key)
	multi.mu.Unlock()
}

// Len returns the number of keys with a bucket
func (multi *MultiRatelimiter[T]) Len() int {
	multi.mu.Lock()
	defer multi.mu.Unlock()
	return len(multi.limiters)
}
