// Package ratelimiter implements a two-dimensional (operations and bytes)
// token-bucket rate limiter. When a bucket runs dry the limiter blocks and
// arms a timerfd; the owner registers that fd with its event loop and calls
// EventHandler when it fires.
package ratelimiter

import (
	"errors"
	"fmt"
	"time"

	"github.com/bobuhiro11/gokvm-rng/event"
)

// TokenType selects one of the two buckets.
type TokenType int

const (
	Bytes TokenType = iota
	Ops
)

func (t TokenType) String() string {
	switch t {
	case Bytes:
		return "bytes"
	case Ops:
		return "ops"
	default:
		return fmt.Sprintf("TokenType(%d)", int(t))
	}
}

// RefillTimerInterval is how long a throttled limiter waits before it is
// unblocked and consumption is retried.
const RefillTimerInterval = 100 * time.Millisecond

// ErrSpuriousEvent is returned by EventHandler when the refill timer has not
// expired.
var ErrSpuriousEvent = errors.New("rate limiter event handler called without a present timer event")

// BucketConfig describes one bucket. A zero Size or RefillTime disables it.
type BucketConfig struct {
	Size         uint64        `yaml:"size"`
	OneTimeBurst uint64        `yaml:"one_time_burst"`
	RefillTime   time.Duration `yaml:"refill_time"`
}

type Config struct {
	Bandwidth BucketConfig `yaml:"bandwidth"`
	Ops       BucketConfig `yaml:"ops"`
}

// RateLimiter is not safe for concurrent use.
type RateLimiter struct {
	bandwidth *TokenBucket
	ops       *TokenBucket

	timer       *event.Timer
	timerActive bool
}

func New(c Config) (*RateLimiter, error) {
	return newRateLimiter(c, time.Now)
}

func newRateLimiter(c Config, now func() time.Time) (*RateLimiter, error) {
	timer, err := event.NewTimer()
	if err != nil {
		return nil, err
	}

	return &RateLimiter{
		bandwidth: newTokenBucket(c.Bandwidth.Size, c.Bandwidth.OneTimeBurst, c.Bandwidth.RefillTime, now),
		ops:       newTokenBucket(c.Ops.Size, c.Ops.OneTimeBurst, c.Ops.RefillTime, now),
		timer:     timer,
	}, nil
}

func (r *RateLimiter) bucket(t TokenType) *TokenBucket {
	if t == Ops {
		return r.ops
	}

	return r.bandwidth
}

// Bucket returns the bucket for t, or nil if that dimension is unlimited.
func (r *RateLimiter) Bucket(t TokenType) *TokenBucket {
	return r.bucket(t)
}

func (r *RateLimiter) activateTimer(d time.Duration) error {
	if err := r.timer.Arm(d, false); err != nil {
		return err
	}

	r.timerActive = true

	return nil
}

// Consume reports whether tokens of type t were available and takes them.
// A blocked limiter refuses every request until EventHandler unblocks it.
func (r *RateLimiter) Consume(tokens uint64, t TokenType) bool {
	if r.timerActive {
		return false
	}

	b := r.bucket(t)
	if b == nil {
		return true
	}

	reduction, ratio := b.Reduce(tokens)

	switch reduction {
	case Failure:
		if !r.timerActive {
			// if the timer cannot be armed the limiter stays unblocked and
			// the caller retries on the next guest notification.
			_ = r.activateTimer(RefillTimerInterval)
		}

		return false
	case OverConsumption:
		_ = r.activateTimer(time.Duration(ratio * float64(b.RefillTime())))

		return true
	default:
		return true
	}
}

// ManualReplenish gives back tokens previously taken with Consume.
func (r *RateLimiter) ManualReplenish(tokens uint64, t TokenType) {
	if b := r.bucket(t); b != nil {
		b.ForceReplenish(tokens)
	}
}

func (r *RateLimiter) IsBlocked() bool {
	return r.timerActive
}

// EventHandler must be called when the fd returned by FD is readable.
func (r *RateLimiter) EventHandler() error {
	if _, err := r.timer.Read(); err != nil {
		if errors.Is(err, event.ErrWouldBlock) {
			return ErrSpuriousEvent
		}

		return err
	}

	r.timerActive = false

	return nil
}

func (r *RateLimiter) FD() int {
	return r.timer.FD()
}

func (r *RateLimiter) Close() error {
	return r.timer.Close()
}
