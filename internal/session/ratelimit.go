package session

import (
	"sync"
	"time"
)

// RateLimiterConfig configures the per-session rate limiter (spec §4.3
// default: 100 envelopes per 60s). The limiter counts in fixed windows, not
// a rolling window: the whole budget is restored at once when a window ends.
type RateLimiterConfig struct {
	Points int
	Window time.Duration
}

// DefaultRateLimiterConfig returns the documented default.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{Points: 100, Window: 60 * time.Second}
}

// tokenBucket is a simple fixed-window counter: it resets to full every
// Window rather than draining continuously, which is enough to bound abuse
// without the bookkeeping of a true leaky bucket.
type tokenBucket struct {
	mu         sync.Mutex
	cfg        RateLimiterConfig
	remaining  int
	windowEnds time.Time
	now        func() time.Time
}

func newTokenBucket(cfg RateLimiterConfig) *tokenBucket {
	if cfg.Points <= 0 {
		cfg.Points = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	now := time.Now
	return &tokenBucket{cfg: cfg, remaining: cfg.Points, windowEnds: now().Add(cfg.Window), now: now}
}

// Allow consumes one point, returning false if the session has exceeded
// its budget for the current window.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.After(b.windowEnds) {
		b.remaining = b.cfg.Points
		b.windowEnds = now.Add(b.cfg.Window)
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}
