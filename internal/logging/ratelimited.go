// Package logging provides a rate-limited go-kit log.Logger, grounded on
// pkg/util/log/rate_limited_logger.go: per-message discard paths (a
// malformed frame, a full pool) can fire thousands of times a second
// under a misbehaving client, and logging every one of them would just
// replace one flood with another.
package logging

import (
	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// RateLimitedLogger drops log lines once more than rps have been logged
// in the current second, forwarding everything else to the wrapped
// logger unchanged.
type RateLimitedLogger struct {
	next    log.Logger
	limiter *rate.Limiter
}

// NewRateLimitedLogger wraps next, allowing at most rps Log calls per
// second (burst of int(rps)+1) before further calls are silently dropped.
// rps <= 0 disables the limit (every call passes through).
func NewRateLimitedLogger(rps float64, next log.Logger) *RateLimitedLogger {
	if rps <= 0 {
		return &RateLimitedLogger{next: next}
	}
	return &RateLimitedLogger{next: next, limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1)}
}

// Log implements log.Logger. It never returns an error for a dropped
// line; dropping is the intended behavior, not a failure.
func (l *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if l.limiter != nil && !l.limiter.Allow() {
		return nil
	}
	return l.next.Log(keyvals...)
}
