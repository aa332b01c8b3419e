// Package substrate provides the single connection pool to the coordination
// substrate (Redis): durable streams, consumer groups, key-value with TTL,
// sets, atomic multi-key scripts, pub/sub channels, and distributed locks.
// Every other coordination package (idempotency, eventbus, gpulock, status)
// is built as a thin, typed layer over Client.
package substrate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client so callers depend on this package instead of
// go-redis directly: the sole owner of every Redis operation the pipeline
// performs.
type Client struct {
	rdb *redis.Client
}

// Options configures the underlying Redis connection pool.
type Options struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultOptions returns sensible defaults for a single-node Redis deployment.
func DefaultOptions(addr string) Options {
	return Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	}
}

// New dials Redis and verifies connectivity with a PING.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("substrate: ping %s: %w", opts.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// FromClient wraps an existing *redis.Client, used by tests that dial a
// miniredis instance directly.
func FromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Raw returns the underlying *redis.Client for packages that need direct
// access to APIs this wrapper does not expose (e.g. XADD/XREADGROUP).
func (c *Client) Raw() *redis.Client { return c.rdb }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks substrate reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
