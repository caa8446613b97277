// Package limiter defines interfaces and implementations for authentication
// rate limiting on the sync server.
package limiter

import (
	"context"
	"time"
)

// Limiter controls authentication attempts and temporary lockouts, keyed by
// the claimed device identity and the caller's address.
type Limiter interface {
	// Allow reports whether authentication is currently allowed and an
	// optional retry-after.
	Allow(ctx context.Context, deviceID string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful authentication.
	Success(ctx context.Context, deviceID string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, deviceID string, ipHash []byte) (bool, time.Duration, error)
}

// Noop is a limiter that never blocks, used when rate limiting is disabled.
type Noop struct{}

// Allow always permits the attempt.
func (Noop) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return true, 0, nil
}

// Success is a no-op.
func (Noop) Success(context.Context, string, []byte) error { return nil }

// Failure never blocks.
func (Noop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
