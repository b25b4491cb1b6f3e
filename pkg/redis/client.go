// Package redis wraps go-redis/v9 to provide the run lock that keeps two
// similarity jobs from rebuilding the cache and the table at the same time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/config"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another run")

// ErrLockLost is reported when a held lock expired or was taken over.
var ErrLockLost = errors.New("run lock lost")

// releaseScript deletes the key only when it still carries our token, so a
// run whose lock expired cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Lock is a held run lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Acquire takes key for ttl using SET NX. token identifies the holder and
// must be unique per run.
func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (*Lock, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		holder, _ := c.rdb.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w: %s (holder %q)", ErrLockHeld, key, holder)
	}
	return &Lock{client: c, key: key, token: token}, nil
}

// Release frees the lock if it is still ours. Releasing an expired or
// stolen lock is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Err(); err != nil && !IsNilError(err) {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	return nil
}

// Refresh resets the lock's expiry to ttl. It returns ErrLockLost when the
// key no longer carries our token.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil && !IsNilError(err) {
		return fmt.Errorf("refreshing lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

// KeepAlive refreshes the lock every ttl/3 until ctx is done. A failed
// refresh is retried on the next tick; onLost is called once, and the loop
// stops, when the lock is gone.
func (l *Lock) KeepAlive(ctx context.Context, ttl time.Duration, logger *slog.Logger, onLost func(error)) {
	if logger == nil {
		logger = slog.Default()
	}
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Refresh(ctx, ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				logger.Error("run lock lost", "key", l.key, "error", err)
				onLost(err)
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("run lock refresh failed", "key", l.key, "error", err)
			}
		}
	}
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
