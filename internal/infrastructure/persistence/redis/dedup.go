// Package redis implements the update deduplication store. Telegram may
// redeliver a webhook update whenever it does not see a timely 2xx, so the
// store remembers recently seen update ids for a bounded window and lets the
// HTTP layer suppress the redelivered copies. The store is optional: without
// Redis the bot still works, it just answers duplicates twice.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// URL is a full redis:// connection URL. When set it wins over the
	// individual fields below.
	URL string

	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration

	// DedupWindow is how long a seen update id is remembered. Telegram
	// retries for roughly a day, so the default keeps ids slightly longer.
	DedupWindow time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		Password:     "",
		DB:           0,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DedupWindow:  26 * time.Hour,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// options builds client options, preferring the URL form.
func (c Config) options() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrConnection is returned when the Redis connection fails.
	ErrConnection = errors.New("dedup: connection failed")
)

// PrefixUpdate is the key prefix for seen update ids.
const PrefixUpdate = "update:"

// ══════════════════════════════════════════════════════════════════════════════
// DEDUP STORE
// ══════════════════════════════════════════════════════════════════════════════

// UpdateDedup remembers which update ids this bot has already accepted.
type UpdateDedup struct {
	client *redis.Client
	config Config
}

// NewUpdateDedup connects to Redis and verifies the connection.
func NewUpdateDedup(cfg Config) (*UpdateDedup, error) {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return &UpdateDedup{
		client: client,
		config: cfg,
	}, nil
}

// Seen records the update id and reports whether it was already known.
// SETNX makes the record-and-check a single round trip: the first caller
// writes the key and gets false, every later caller within the window
// gets true.
func (d *UpdateDedup) Seen(ctx context.Context, updateID int64) (bool, error) {
	stored, err := d.client.SetNX(ctx, UpdateKey(updateID), 1, d.config.DedupWindow).Result()
	if err != nil {
		return false, err
	}
	return !stored, nil
}

// Forget removes an update id, mainly for tests and manual intervention.
func (d *UpdateDedup) Forget(ctx context.Context, updateID int64) error {
	return d.client.Del(ctx, UpdateKey(updateID)).Err()
}

// Ping checks if Redis is reachable.
func (d *UpdateDedup) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (d *UpdateDedup) Close() error {
	return d.client.Close()
}

// UpdateKey generates the dedup key for an update id.
func UpdateKey(updateID int64) string {
	return PrefixUpdate + strconv.FormatInt(updateID, 10)
}
