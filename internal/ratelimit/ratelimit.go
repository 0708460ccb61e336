// Package ratelimit provides the token bucket governing outbound probe
// requests.
package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with rate r tokens/sec and capacity
// max(1, ceil(2r)). Safe for concurrent callers.
type Bucket struct {
	limiter  *rate.Limiter
	rps      float64
	capacity int
}

// New creates a bucket for the given target rate.
func New(rps float64) *Bucket {
	capacity := int(math.Ceil(2 * rps))
	if capacity < 1 {
		capacity = 1
	}
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(rps), capacity),
		rps:      rps,
		capacity: capacity,
	}
}

// Take blocks until one token is available or the context is done.
func (b *Bucket) Take(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// TakeN blocks until n tokens are available or the context is done.
func (b *Bucket) TakeN(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}

// Rate returns the configured tokens/sec.
func (b *Bucket) Rate() float64 { return b.rps }

// Capacity returns the bucket capacity.
func (b *Bucket) Capacity() int { return b.capacity }
