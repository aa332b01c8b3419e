// Package idempotency implements the "claim-if-absent with TTL" primitive
// that keeps at-least-once event delivery from causing more than one
// effect, as a thin wrapper over Redis SET NX EX.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
)

// DefaultTTL is the default idempotency window.
const DefaultTTL = 24 * time.Hour

// Outcome reports whether the caller is the first to observe a key.
type Outcome int

const (
	// FirstTimer means the key was absent and has now been claimed.
	FirstTimer Outcome = iota
	// Duplicate means the key was already claimed by a previous caller.
	Duplicate
)

func (o Outcome) String() string {
	if o == FirstTimer {
		return "first_timer"
	}
	return "duplicate"
}

const claimedValue = "1"

// Register is the idempotency register.
type Register struct {
	c *substrate.Client
}

// New creates a Register over the shared substrate client.
func New(c *substrate.Client) *Register {
	return &Register{c: c}
}

// Key builds the standard "idempotency:{service}:{event-type}:{episode_id}" key.
func Key(service, eventType, episodeID string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", service, eventType, episodeID)
}

// Claim atomically sets key to a sentinel value with the given TTL only if
// it does not already exist. It returns FirstTimer iff the set happened.
func (r *Register) Claim(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := r.c.Raw().SetNX(ctx, key, claimedValue, ttl).Result()
	if err != nil {
		return Duplicate, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}
	if ok {
		return FirstTimer, nil
	}
	return Duplicate, nil
}

// IsProcessed reports whether key has already been claimed.
func (r *Register) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Raw().Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkProcessed sets key unconditionally. Non-atomic; intended for test
// fixtures only.
func (r *Register) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.c.Raw().Set(ctx, key, claimedValue, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: mark %s: %w", key, err)
	}
	return nil
}

// Clear removes key. Administrative; used to force reprocessing.
func (r *Register) Clear(ctx context.Context, key string) error {
	if err := r.c.Raw().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("idempotency: clear %s: %w", key, err)
	}
	return nil
}
