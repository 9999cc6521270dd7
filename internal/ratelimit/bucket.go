package ratelimit

import (
	"sync"
	"time"
)

// BucketConfig holds the local chat guard parameters.
type BucketConfig struct {
	Capacity    float64       // burst size in messages
	RefillRate  float64       // tokens per second
	MinInterval time.Duration // minimum spacing between accepted sends
}

// DefaultBucketConfig returns the chat defaults: 5 messages of burst,
// one token back every two seconds and at least 900ms between sends.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		Capacity:    5,
		RefillRate:  0.5,
		MinInterval: 900 * time.Millisecond,
	}
}

// Bucket is an in-process token bucket with a minimum-interval gate. It
// guards the local chat input before anything is appended or broadcast.
type Bucket struct {
	mu     sync.Mutex
	cfg    BucketConfig
	now    func() time.Time
	tokens float64
	last   time.Time // last refill
	sent   time.Time // last accepted send; zero means never
}

// NewBucket creates a full bucket. now may be nil to use time.Now.
func NewBucket(cfg BucketConfig, now func() time.Time) *Bucket {
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		cfg:    cfg,
		now:    now,
		tokens: cfg.Capacity,
		last:   now(),
	}
}

// Allow refills the bucket for the elapsed time, then accepts the send if
// the minimum interval since the last accepted send has passed and a whole
// token is available. Accepting consumes one token.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.cfg.RefillRate
		if b.tokens > b.cfg.Capacity {
			b.tokens = b.cfg.Capacity
		}
	}
	b.last = now

	if !b.sent.IsZero() && now.Sub(b.sent) < b.cfg.MinInterval {
		return false
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.sent = now
	return true
}

// Tokens returns the current token count without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
