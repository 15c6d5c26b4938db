// Package lock provides the distributed, per-address mutual-exclusion
// leases the transfer engine uses to serialize concurrent legs touching
// the same `from` account across bulk transfers: a Redis `SET NX PX`
// claim tagged with a unique token, released only by the holder that set
// it (a single-instance Redlock-style recipe).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when a lease could not be claimed before the
// wait budget expired. A cancelled ctx yields ctx.Err() instead.
var ErrNotAcquired = errors.New("lock: lease not acquired")

// release is a Lua script that only deletes the key if it still holds
// the token that acquired it, so a lease that outlived its TTL and was
// claimed by someone else is never released out from under them.
const release = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Client wraps a Redis connection to hand out named leases.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // lease key namespace, e.g. "ams:lock:"
}

// New builds a lock Client from cfg.
func New(cfg Config) *Client {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ams:lock:"
	}
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
	}
}

// Ping verifies connectivity to the lock service.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Lease is a held mutual-exclusion claim over one subject (typically a
// `from` address). It must be released exactly once.
type Lease struct {
	client  *Client
	key     string
	token   string
}

// Acquire claims a lease over subject, retrying with backoff until
// blockingTimeout's worth of contention has been tried or ctx is done.
// leaseTimeout is the key's own PX expiry: how long the lease is held
// once claimed, independent of how long acquisition was allowed to
// retry.
func (c *Client) Acquire(ctx context.Context, subject string, blockingTimeout, leaseTimeout time.Duration) (*Lease, error) {
	key := c.prefix + subject
	token := uuid.NewString()

	deadline := time.Now().Add(blockingTimeout)
	backoff := 10 * time.Millisecond
	for {
		ok, err := c.rdb.SetNX(ctx, key, token, leaseTimeout).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", subject, err)
		}
		if ok {
			return &Lease{client: c, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < blockingTimeout {
			backoff *= 2
		}
	}
}

// Release gives up the lease. It is a no-op (not an error) if the lease
// already expired and was claimed by someone else.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.client.rdb.Eval(ctx, release, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	return nil
}
