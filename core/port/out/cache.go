package out

import (
	"context"
	"time"
)

// Cache is the read-mostly cache used for resolver project lookups.
// Readers tolerate at most one invalidation lag.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// LockManager provides the per-(user, job) singleflight locks the
// scheduler takes before running a periodic job.
type LockManager interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}
