// Package ratelimit implements the per-origin RateLimiter: a token-bucket
// delay between requests to the same origin, widened on 429 responses and
// held wide until the next successful fetch.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultDelay is the baseline delay between requests to a single
	// origin absent any Crawl-delay directive or backoff state.
	DefaultDelay = 250 * time.Millisecond
	// MinDelay is the floor any computed delay is clamped to.
	MinDelay = 100 * time.Millisecond
	// MaxDelay is the ceiling any computed delay is clamped to.
	MaxDelay = 5 * time.Second
	// BackoffMultiplier is applied to the current delay on each 429.
	BackoffMultiplier = 2.0
)

// origin holds one host's limiter plus the bookkeeping needed to widen
// and later reset its delay.
type origin struct {
	limiter   *rate.Limiter
	mu        sync.Mutex
	baseDelay time.Duration // Crawl-delay or DefaultDelay
	delay     time.Duration // currently effective delay, >= baseDelay
	backedOff bool
}

// Limiter is the RateLimiter component: one token bucket per origin,
// burst 1, refilled at 1/delay.
type Limiter struct {
	mu      sync.Mutex
	origins map[string]*origin
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{origins: make(map[string]*origin)}
}

func (l *Limiter) get(originKey string) *origin {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.origins[originKey]
	if !ok {
		o = &origin{
			baseDelay: DefaultDelay,
			delay:     DefaultDelay,
			limiter:   rate.NewLimiter(rate.Every(DefaultDelay), 1),
		}
		l.origins[originKey] = o
	}
	return o
}

// Wait blocks until a request to originKey is permitted, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, originKey string) error {
	return l.get(originKey).limiter.Wait(ctx)
}

// SetBaseDelay sets the origin's baseline delay (e.g. from a robots.txt
// Crawl-delay directive), clamped to [DefaultDelay, MaxDelay] — an
// override may widen spacing but never tighten it below the default. It
// also never shrinks a delay currently widened by backoff.
func (l *Limiter) SetBaseDelay(originKey string, delay time.Duration) {
	if delay < DefaultDelay {
		delay = DefaultDelay
	}
	delay = clamp(delay)
	o := l.get(originKey)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.baseDelay = delay
	if !o.backedOff && delay != o.delay {
		o.delay = delay
		o.limiter.SetLimit(rate.Every(delay))
	}
}

// Backoff widens originKey's delay by BackoffMultiplier (clamped to
// MaxDelay) in response to a 429. The widened delay persists across
// subsequent requests until ResetBackoff is called after a success;
// repeated 429s keep multiplying the already-widened delay.
func (l *Limiter) Backoff(originKey string) time.Duration {
	o := l.get(originKey)
	o.mu.Lock()
	defer o.mu.Unlock()
	next := clamp(time.Duration(float64(o.delay) * BackoffMultiplier))
	o.delay = next
	o.backedOff = true
	o.limiter.SetLimit(rate.Every(next))
	return next
}

// ResetBackoff restores originKey's delay to its base delay after a
// successful (non-429) response.
func (l *Limiter) ResetBackoff(originKey string) {
	o := l.get(originKey)
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.backedOff {
		return
	}
	o.backedOff = false
	o.delay = o.baseDelay
	o.limiter.SetLimit(rate.Every(o.baseDelay))
}

// CurrentDelay returns the effective delay currently in force for an
// origin, for diagnostics and tests.
func (l *Limiter) CurrentDelay(originKey string) time.Duration {
	o := l.get(originKey)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delay
}

func clamp(d time.Duration) time.Duration {
	if d < MinDelay {
		return MinDelay
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
