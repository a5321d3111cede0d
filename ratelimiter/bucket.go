package ratelimiter

import (
	"math/bits"
	"time"
)

// BucketReduction is the outcome of taking tokens from a TokenBucket.
type BucketReduction int

const (
	// Failure means there were not enough tokens.
	Failure BucketReduction = iota
	// Success means the tokens were taken.
	Success
	// OverConsumption means more tokens than the bucket can ever hold were
	// requested; the budget was emptied and the caller has to wait for the
	// extra tokens to be refilled.
	OverConsumption
)

// TokenBucket refills Size tokens every RefillTime. A one-time burst is
// spent before the regular budget.
type TokenBucket struct {
	size                uint64
	initialOneTimeBurst uint64
	oneTimeBurst        uint64
	refillTime          time.Duration

	budget     uint64
	lastUpdate time.Time

	now func() time.Time
}

// NewTokenBucket returns nil if size or refillTime is zero, which callers
// treat as "no limit".
func NewTokenBucket(size, oneTimeBurst uint64, refillTime time.Duration) *TokenBucket {
	return newTokenBucket(size, oneTimeBurst, refillTime, time.Now)
}

func newTokenBucket(size, oneTimeBurst uint64, refillTime time.Duration, now func() time.Time) *TokenBucket {
	if size == 0 || refillTime <= 0 {
		return nil
	}

	return &TokenBucket{
		size:                size,
		initialOneTimeBurst: oneTimeBurst,
		oneTimeBurst:        oneTimeBurst,
		refillTime:          refillTime,
		budget:              size,
		lastUpdate:          now(),
		now:                 now,
	}
}

func (b *TokenBucket) Size() uint64 {
	return b.size
}

func (b *TokenBucket) Budget() uint64 {
	return b.budget
}

func (b *TokenBucket) OneTimeBurst() uint64 {
	return b.oneTimeBurst
}

func (b *TokenBucket) RefillTime() time.Duration {
	return b.refillTime
}

func (b *TokenBucket) autoReplenish() {
	now := b.now()

	elapsed := now.Sub(b.lastUpdate)
	if elapsed <= 0 {
		return
	}

	// tokens = elapsed * size / refillTime, computed in 128 bits.
	hi, lo := bits.Mul64(uint64(elapsed), b.size)
	if hi >= uint64(b.refillTime) {
		b.budget = b.size
		b.lastUpdate = now

		return
	}

	tokens, _ := bits.Div64(hi, lo, uint64(b.refillTime))
	if tokens == 0 {
		return
	}

	if b.budget+tokens >= b.size {
		b.budget = b.size
		b.lastUpdate = now

		return
	}

	b.budget += tokens

	// only advance by the time that produced whole tokens.
	hi, lo = bits.Mul64(tokens, uint64(b.refillTime))
	used, _ := bits.Div64(hi, lo, b.size)
	b.lastUpdate = b.lastUpdate.Add(time.Duration(used))
}

// Reduce attempts to take tokens from the bucket.
func (b *TokenBucket) Reduce(tokens uint64) (BucketReduction, float64) {
	if b.oneTimeBurst > 0 {
		if b.oneTimeBurst >= tokens {
			b.oneTimeBurst -= tokens
			b.lastUpdate = b.now()

			return Success, 0
		}

		tokens -= b.oneTimeBurst
		b.oneTimeBurst = 0
	}

	if tokens > b.budget {
		b.autoReplenish()

		if tokens > b.size {
			ratio := float64(tokens-b.budget) / float64(b.size)
			b.budget = 0

			return OverConsumption, ratio
		}

		if tokens > b.budget {
			return Failure, 0
		}
	}

	b.budget -= tokens

	return Success, 0
}

// ForceReplenish gives tokens back, never exceeding the bucket size. While
// a one-time burst was configured the tokens go back to the burst.
func (b *TokenBucket) ForceReplenish(tokens uint64) {
	if b.initialOneTimeBurst > 0 {
		b.oneTimeBurst += tokens

		return
	}

	b.budget = min(b.budget+tokens, b.size)
}

// Reset refills the bucket and the one-time burst.
func (b *TokenBucket) Reset() {
	b.budget = b.size
	b.oneTimeBurst = b.initialOneTimeBurst
	b.lastUpdate = b.now()
}
