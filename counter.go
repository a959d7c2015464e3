package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/rediscache/codec"
)

// ErrOverflow is returned when an increment that cannot run on the server
// would overflow a 64-bit integer.
var ErrOverflow = errors.New("rediscache: increment overflows int64")

var (
	// increments only if the key exists, returns nil otherwise.
	incrScript = redis.NewScript(1, `
local exists = redis.call('EXISTS', KEYS[1])
if (exists == 1) then
	return redis.call('INCRBY', KEYS[1], ARGV[1])
else return false end
`)

	incrForceScript = redis.NewScript(1, `return redis.call('INCRBY', KEYS[1], ARGV[1])`)
)

// Incr adds delta to the integer stored at key and returns the new value.
// It returns ErrNotFound if the key does not exist, unless ignoreKeyCheck
// is true in which case the key is created with the value delta.
//
// The increment runs atomically on the server when the stored value is a
// decimal integer. Otherwise, such as for a value stored with codec.Object
// or one that overflows, the value is read, incremented and stored again
// with its remaining expiration. That fallback is not atomic: a concurrent
// write between the read and the write is lost.
func (c *Client) Incr(ctx context.Context, key string, delta int64, ignoreKeyCheck bool, opts ...Option) (int64, error) {
	o := newCallOptions(opts)
	return c.incr(ctx, "incr", key, delta, ignoreKeyCheck, o)
}

// Decr subtracts delta from the integer stored at key and returns the new
// value. It returns ErrNotFound if the key does not exist.
func (c *Client) Decr(ctx context.Context, key string, delta int64, opts ...Option) (int64, error) {
	o := newCallOptions(opts)
	return c.incr(ctx, "decr", key, -delta, false, o)
}

func (c *Client) incr(ctx context.Context, op, key string, delta int64, ignoreKeyCheck bool, o *callOptions) (int64, error) {
	nkey := c.keys.makeKey(Logical(key), o)
	script := incrScript
	if ignoreKeyCheck {
		script = incrForceScript
	}

	var n int64
	err := c.with(ctx, op, o, true, func(conn redis.Conn) error {
		v, err := redis.Int64(script.DoContext(ctx, conn, string(nkey), delta))
		if err == nil {
			n = v
			return nil
		}
		if err == redis.ErrNil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		var re redis.Error
		if !errors.As(err, &re) {
			return err
		}
		c.stats.incrFallback()
		c.logger.Warn("atomic increment failed, falling back to read-modify-write", "key", string(nkey), "error", err)
		n, err = c.incrFallback(ctx, conn, nkey, key, delta)
		return err
	})
	return n, err
}

func (c *Client) incrFallback(ctx context.Context, conn redis.Conn, nkey CacheKey, key string, delta int64) (int64, error) {
	ms, err := redis.Int64(redis.DoContext(conn, ctx, "PTTL", string(nkey)))
	if err != nil {
		return 0, err
	}
	timeout := Forever
	switch {
	case ms == -2:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	case ms >= 0:
		timeout = TTL(time.Duration(ms) * time.Millisecond)
	}

	data, found, err := getOn(ctx, conn, nkey)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		return 0, err
	}
	var cur int64
	if err := v.Scan(&cur); err != nil {
		return 0, fmt.Errorf("rediscache: value of %s is not an integer: %w", key, err)
	}

	sum := cur + delta
	if (delta > 0 && sum < cur) || (delta < 0 && sum > cur) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, key)
	}

	b, err := c.codec.Encode(codec.Int(sum))
	if err != nil {
		return 0, err
	}
	if _, err := setOn(ctx, conn, nkey, b, timeout, false, false); err != nil {
		return 0, err
	}
	return sum, nil
}
