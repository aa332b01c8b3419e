// Package gpulock implements the single named distributed mutex that gates
// GPU use across services: a lease-based lock with an owner token, so a
// crashed holder's lease expires instead of wedging the lock forever.
package gpulock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockName is the single shared lock name across all services.
const LockName = "gpu_resource_lock"

// DefaultLease is the default lease timeout.
const DefaultLease = 600 * time.Second

// pollInterval bounds how often a blocked Acquire retries.
const pollInterval = 200 * time.Millisecond

// ErrNotOwner describes a release of a lock this handle no longer owns
// (lease expired and was taken by another acquirer). Release does not
// return it: a double or late release is a no-op that returns nil.
var ErrNotOwner = errors.New("gpulock: handle does not own the lock")

// releaseScript atomically verifies ownership before deleting the lock key,
// so a waiter whose turn came up after an expired lease is never evicted by
// the original holder's late release.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`)

// Lock is the GPU lock client.
type Lock struct {
	c     *substrate.Client
	lease time.Duration
}

// New creates a Lock with the given lease timeout. A zero lease uses DefaultLease.
func New(c *substrate.Client, lease time.Duration) *Lock {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Lock{c: c, lease: lease}
}

// Handle represents a successful acquisition. Release is idempotent.
type Handle struct {
	lock     *Lock
	token    string
	released atomic.Bool
}

// Acquire blocks until the lock is obtained or ctx is done. The lease is
// absolute: a crashed holder's lock is automatically reclaimable once its
// PX expiry passes, even though nobody explicitly released it.
func (l *Lock) Acquire(ctx context.Context) (*Handle, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.c.Raw().SetNX(ctx, LockName, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("gpulock: acquire: %w", err)
		}
		if ok {
			return &Handle{lock: l, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release gives up the lock if this handle still owns it. Double-release
// and release-after-expiry are both no-ops.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	res, err := releaseScript.Run(ctx, h.lock.c.Raw(), []string{LockName}, h.token).Result()
	if err != nil {
		return fmt.Errorf("gpulock: release: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return nil // lease already expired and possibly re-acquired by another holder
	}
	return nil
}
