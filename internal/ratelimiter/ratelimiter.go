// Package ratelimiter provides token bucket rate limiting for the LDAP
// frontend. Each connection gets its own limiter so one chatty client
// cannot starve the rest.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate with the server's
// conventions: a zero rate means unlimited, and burst defaults to the
// sustained rate when unset.
//
// The token bucket admits short spikes above the sustained rate up to
// the burst size, then throttles to the sustained rate. All methods are
// safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing requestsPerSecond sustained with
// the given burst capacity.
//
// Special cases:
//   - requestsPerSecond = 0: no limiting (every request is allowed)
//   - burst = 0: burst equals the sustained rate, minimum 1
func New(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Allow reports whether one request may proceed now, consuming a token
// if so. The fast path: no waiting, callers reject on false.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
// Use when throttling is preferable to rejection.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
