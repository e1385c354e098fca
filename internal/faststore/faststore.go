// Package faststore is a thin client over Redis used for click counters,
// click limits and cached link metadata.
//
// Every operation runs under a bounded timeout. Transport failures are
// reported as errx.Unavailable so callers can degrade instead of failing the
// request; a missing key is never an error.
package faststore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sundayezeilo/shortlink/internal/errx"
)

const (
	DefaultOpTimeout = 250 * time.Millisecond
	scanBatchSize    = 200
)

// notIntegerReply is the error reply raised by incrementWithinScript when the
// counter holds something other than a number. INCR's own reply for
// non-integer values shares the "not an integer" suffix.
const (
	notIntegerReply  = "NOTINT counter is not an integer"
	notIntegerSuffix = "not an integer"
)

// incrementWithinScript increments KEYS[1] unless doing so would push it past
// ARGV[1]. A non-positive limit means unlimited. Returns {incremented, count}.
var incrementWithinScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local raw = redis.call('GET', KEYS[1])
local current = 0
if raw then
	current = tonumber(raw)
	if current == nil then
		return redis.error_reply('` + notIntegerReply + `')
	end
end
if limit > 0 and current >= limit then
	return {0, current}
end
return {1, redis.call('INCR', KEYS[1])}
`)

var deleteIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Client wraps a go-redis client.
type Client struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
}

// ClientConfig holds configuration for the client.
type ClientConfig struct {
	OpTimeout time.Duration // per-operation deadline (default: 250ms)
}

// Options describes how to reach the Redis server.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// New wraps an existing go-redis client.
func New(rdb redis.UniversalClient, config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}

	timeout := config.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	return &Client{
		rdb:       rdb,
		opTimeout: timeout,
	}
}

// Open creates a client for opts without contacting the server. go-redis
// dials lazily, so a client opened while Redis is down starts working once
// the server becomes reachable.
func Open(opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
	})

	return New(rdb, &ClientConfig{OpTimeout: opts.OpTimeout})
}

// IsUnavailable reports whether err means the store could not be reached.
func IsUnavailable(err error) bool {
	return errx.KindOf(err) == errx.Unavailable
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Increment atomically increments key, creating it at zero first if absent.
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	const op = "faststore.Increment"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errx.E(op, errx.Unavailable, err)
	}
	return n, nil
}

// IncrementWithin atomically increments key unless the post-increment value
// would exceed limit. It returns the resulting counter value and whether the
// increment happened. A non-positive limit never rejects.
func (c *Client) IncrementWithin(ctx context.Context, key string, limit int64) (int64, bool, error) {
	const op = "faststore.IncrementWithin"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := incrementWithinScript.Run(ctx, c.rdb, []string{key}, limit).Int64Slice()
	if err != nil && strings.Contains(err.Error(), notIntegerSuffix) {
		return 0, false, errx.E(op, errx.Invalid, fmt.Errorf("key %q holds non-integer value", key))
	}
	if err != nil {
		return 0, false, errx.E(op, errx.Unavailable, err)
	}
	if len(res) != 2 {
		return 0, false, errx.E(op, errx.Internal, fmt.Errorf("unexpected script reply of length %d", len(res)))
	}
	return res[1], res[0] == 1, nil
}

// Get returns the value stored at key. found is false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (val string, found bool, err error) {
	const op = "faststore.Get"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	val, err = c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errx.E(op, errx.Unavailable, err)
	}
	return val, true, nil
}

// GetInt returns the integer stored at key.
func (c *Client) GetInt(ctx context.Context, key string) (int64, bool, error) {
	const op = "faststore.GetInt"

	val, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errx.E(op, errx.Invalid, fmt.Errorf("key %q holds non-integer value: %w", key, err))
	}
	return n, true, nil
}

// SetWithTTL stores value at key. A zero ttl stores it without expiry.
func (c *Client) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	const op = "faststore.SetWithTTL"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	return nil
}

// SetIfAbsent stores value at key only if the key does not exist yet.
func (c *Client) SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	const op = "faststore.SetIfAbsent"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errx.E(op, errx.Unavailable, err)
	}
	return ok, nil
}

// Delete removes keys. Missing keys are ignored.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	const op = "faststore.Delete"

	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	return nil
}

// DeleteIfEquals removes key only while it still holds value.
func (c *Client) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	const op = "faststore.DeleteIfEquals"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := deleteIfEqualsScript.Run(ctx, c.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, errx.E(op, errx.Unavailable, err)
	}
	return n == 1, nil
}

// ScanPrefix lists the keys starting with prefix using cursor-based SCAN.
// Keys written or removed while the scan runs may or may not be included,
// and a key may be reported more than once; duplicates are dropped here.
// Each SCAN round trip gets its own timeout so large keyspaces still make
// progress.
func (c *Client) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	const op = "faststore.ScanPrefix"

	var (
		cursor uint64
		keys   []string
		seen   = make(map[string]struct{})
	)
	for {
		stepCtx, cancel := c.withTimeout(ctx)
		batch, next, err := c.rdb.Scan(stepCtx, cursor, prefix+"*", scanBatchSize).Result()
		cancel()
		if err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}

		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}

		cursor = next
		if cursor == 0 {
			return keys, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, errx.E(op, errx.Unavailable, err)
		}
	}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	const op = "faststore.Ping"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errx.E(op, errx.Unavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
