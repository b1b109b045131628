// Package locking provides the per-service mutual exclusion that keeps two
// processes from running the same recharge tick at once.
package locking

import (
	"context"
	"time"
)

// Locker is a non-blocking distributed lock with TTL auto-release. Release
// and Extend are owner-checked: only the holder of the token may touch the
// lock.
type Locker interface {
	// Acquire tries to take the lock. ok=false means another owner holds it;
	// the caller skips its tick.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lock if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend pushes the TTL out if token still owns the lock.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
