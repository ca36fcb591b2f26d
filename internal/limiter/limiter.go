// Package limiter throttles one-time code verification per mobile and client address.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks failed code checks for a mobile from one hashed address.
// A blocked pair gets the remaining lockout as retry-after.
type Limiter interface {
	Allow(ctx context.Context, mobile string, ipHash []byte) (ok bool, retryAfter time.Duration, err error)
	// Success forgets earlier failures once a code is accepted.
	Success(ctx context.Context, mobile string, ipHash []byte) error
	// Failure counts a rejected code and reports whether the pair is now locked out.
	Failure(ctx context.Context, mobile string, ipHash []byte) (blocked bool, retryAfter time.Duration, err error)
}
