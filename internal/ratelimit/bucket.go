package ratelimit

import (
	"errors"
	"math"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidCapacity     = errors.New("ratelimit: capacity must be > 0")
	ErrInvalidRefillPeriod = errors.New("ratelimit: refill period must be > 0")
	ErrInvalidExpiration   = errors.New("ratelimit: expiration must be > 0")
	ErrEvictorStopped      = errors.New("ratelimit: evictor not running")
)

// TokenBucket is a single caller's quota: up to capacity tokens, replenished
// greedily at capacity tokens per refill period.
//
// Tokens accrue continuously in proportion to elapsed time and are capped at
// capacity, there is no reset-to-full on a fixed tick. A new bucket starts full.
// The underlying rate.Limiter serializes consumption behind its own mutex, so
// concurrent TryConsume calls on one bucket never over-admit.
type TokenBucket struct {
	lim      *rate.Limiter
	capacity int
}

// NewTokenBucket returns a full bucket. Capacity and refillPeriod must be positive.
func NewTokenBucket(capacity int, refillPeriod time.Duration) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if refillPeriod <= 0 {
		return nil, ErrInvalidRefillPeriod
	}
	// tokens per second, kept as a float so periods that don't divide evenly by capacity don't drift
	perSecond := rate.Limit(float64(capacity) / refillPeriod.Seconds())
	return &TokenBucket{
		lim:      rate.NewLimiter(perSecond, capacity),
		capacity: capacity,
	}, nil
}

// TryConsume takes one token at now. Returns false and leaves the bucket
// unchanged if less than one whole token is available.
func (b *TokenBucket) TryConsume(now time.Time) bool {
	return b.lim.AllowN(now, 1)
}

// TryConsumeN takes n tokens at now, all or nothing. n larger than capacity
// can never succeed, and n < 1 is refused without touching the bucket.
func (b *TokenBucket) TryConsumeN(now time.Time, n int) bool {
	if n < 1 {
		return false
	}
	return b.lim.AllowN(now, n)
}

// tokenEpsilon absorbs float error in rate.Limiter's accrual so an exact
// refill boundary counts the token it just earned.
const tokenEpsilon = 1e-9

// Available reports the whole tokens that could be consumed at now without
// consuming any.
func (b *TokenBucket) Available(now time.Time) int {
	t := math.Floor(b.lim.TokensAt(now) + tokenEpsilon)
	if t < 0 {
		return 0
	}
	return int(t)
}

func (b *TokenBucket) Capacity() int { return b.capacity }
