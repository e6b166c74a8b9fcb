// Package ratelimit bounds outbound pressure on the trackers: a shared
// token bucket for HTTP calls, a small fixed delay between consecutive API
// calls in a sweep, and a per-project circuit breaker that stops hammering
// a persistently failing project.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/jordanhubbard/weave/internal/syncerr"
)

// Limiter is a token bucket shared by all HTTP tracker calls. Waiting is
// bounded; a request that cannot get a token within maxWait fails as
// RateLimited rather than queueing forever.
type Limiter struct {
	bucket  *rate.Limiter
	maxWait time.Duration
}

// NewLimiter builds a bucket admitting rps requests per second with the
// given burst. maxWait <= 0 defaults to 30 seconds.
func NewLimiter(rps float64, burst int, maxWait time.Duration) *Limiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps)
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Limiter{
		bucket:  rate.NewLimiter(rate.Limit(rps), burst),
		maxWait: maxWait,
	}
}

// Wait blocks until a token is available or the bound expires.
func (l *Limiter) Wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return syncerr.Wrap(syncerr.KindTransient, "ratelimit.Wait", ctx.Err())
		}
		return syncerr.New(syncerr.KindRateLimited, "ratelimit.Wait",
			"no token within %s", l.maxWait)
	}
	return nil
}

// Allow reports whether a token is immediately available, consuming it if
// so. Fire-and-forget callers use this instead of Wait.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

// Pacer inserts a fixed delay between consecutive tracker calls inside one
// sweep, keeping bulk syncs gentle even when the bucket has burst capacity.
type Pacer struct {
	delay time.Duration
}

// NewPacer builds a pacer; delay <= 0 disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{delay: delay}
}

// Pace sleeps for the configured delay, returning early on cancellation.
func (p *Pacer) Pace(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay):
		return nil
	}
}
