package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/rediscache/codec"
)

// Item is a key and its value.
type Item struct {
	Key   string
	Value codec.Value
}

// Items is an ordered list of key-value pairs.
type Items []Item

// Get returns the value of key in items. The boolean is false if key is
// not in items.
func (items Items) Get(key string) (codec.Value, bool) {
	for _, it := range items {
		if it.Key == key {
			return it.Value, true
		}
	}
	return codec.Value{}, false
}

// Keys returns the keys of items, in order.
func (items Items) Keys() []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}

func (c *Client) resolveTimeout(t Timeout) Timeout {
	if t == DefaultTimeout {
		return c.keys.defaults.Timeout
	}
	return t
}

func (t Timeout) millis() (int64, bool) {
	d, ok := t.Duration()
	return d.Milliseconds(), ok
}

func setArgs(key CacheKey, data []byte, ms int64, finite, nx, xx bool) redis.Args {
	args := redis.Args{string(key), data}
	if finite {
		args = args.Add("PX", ms)
	}
	if nx {
		args = args.Add("NX")
	}
	if xx {
		args = args.Add("XX")
	}
	return args
}

// setOn stores data at key on conn. A finite timeout that is not positive
// does not store anything: with nx it reports whether the key is absent,
// otherwise it deletes the key and reports whether it existed.
func setOn(ctx context.Context, conn redis.Conn, key CacheKey, data []byte, timeout Timeout, nx, xx bool) (bool, error) {
	ms, finite := timeout.millis()
	if finite && ms <= 0 {
		if nx {
			n, err := redis.Int(redis.DoContext(conn, ctx, "EXISTS", string(key)))
			return n == 0, err
		}
		n, err := redis.Int(redis.DoContext(conn, ctx, "DEL", string(key)))
		return n > 0, err
	}

	reply, err := redis.DoContext(conn, ctx, "SET", setArgs(key, data, ms, finite, nx, xx)...)
	return reply != nil, err
}

func getOn(ctx context.Context, conn redis.Conn, key CacheKey) ([]byte, bool, error) {
	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", string(key)))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	return b, err == nil, err
}

// Set stores value at key with the requested expiration and returns
// whether it was stored. The NX and XX options make the write
// conditional.
//
// If the write fails because of the transport and the client has
// RedirectWrites set, it is retried on each server not tried yet, unless
// the call provided its own connection with WithConn.
func (c *Client) Set(ctx context.Context, key string, value codec.Value, timeout Timeout, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	if o.nx && o.xx {
		return false, ErrConflictingFlags
	}
	data, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}
	return c.set(ctx, c.keys.makeKey(Logical(key), o), data, timeout, o)
}

// Add stores value at key only if key does not exist, and returns whether
// it was stored.
func (c *Client) Add(ctx context.Context, key string, value codec.Value, timeout Timeout, opts ...Option) (bool, error) {
	return c.Set(ctx, key, value, timeout, append(opts, NX())...)
}

func (c *Client) set(ctx context.Context, key CacheKey, data []byte, timeout Timeout, o *callOptions) (bool, error) {
	timeout = c.resolveTimeout(timeout)

	var tried []int
	for {
		c.stats.command("set")
		ok, conn, index, err := c.trySet(ctx, key, data, timeout, o, tried)
		if err == nil {
			return ok, nil
		}
		if !isTransportErr(err) {
			c.stats.failure("set")
			return false, err
		}

		// a network timeout caused by the context deadline is not retried
		if o.conn == nil && c.redirectWrites && ctx.Err() == nil {
			tried = append(tried, index)
			if len(tried) < len(c.servers) {
				c.stats.failover()
				c.logger.Warn("write failed, retrying on another server",
					"index", index, "endpoint", c.servers[index], "tried", len(tried), "error", err)
				continue
			}
		}
		return false, c.fail("set", conn, index, err)
	}
}

func (c *Client) trySet(ctx context.Context, key CacheKey, data []byte, timeout Timeout, o *callOptions, tried []int) (bool, redis.Conn, int, error) {
	conn, release, index, err := c.acquire(ctx, o, true, tried)
	if err != nil {
		return false, nil, index, err
	}
	defer release()

	ok, err := setOn(ctx, conn, key, data, timeout, o.nx, o.xx)
	return ok, conn, index, err
}

// Get returns the value stored at key. The boolean is false if the key
// does not exist.
func (c *Client) Get(ctx context.Context, key string, opts ...Option) (codec.Value, bool, error) {
	o := newCallOptions(opts)
	nkey := c.keys.makeKey(Logical(key), o)

	var (
		data  []byte
		found bool
	)
	err := c.with(ctx, "get", o, false, func(conn redis.Conn) error {
		var err error
		data, found, err = getOn(ctx, conn, nkey)
		return err
	})
	if err != nil || !found {
		return codec.Value{}, false, err
	}

	v, err := c.codec.Decode(data)
	if err != nil {
		return codec.Value{}, false, err
	}
	return v, true, nil
}

// GetOr returns the value stored at key, or def if the key does not exist.
func (c *Client) GetOr(ctx context.Context, key string, def codec.Value, opts ...Option) (codec.Value, error) {
	v, ok, err := c.Get(ctx, key, opts...)
	if err != nil {
		return codec.Value{}, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// GetMany returns the values of the keys that exist, in the order of
// keys. Keys that do not exist are omitted, duplicates are returned once.
func (c *Client) GetMany(ctx context.Context, keys []string, opts ...Option) (Items, error) {
	if len(keys) == 0 {
		return Items{}, nil
	}

	o := newCallOptions(opts)
	args := make([]interface{}, 0, len(keys))
	logical := make([]string, 0, len(keys))
	seen := make(map[CacheKey]bool, len(keys))
	for _, k := range keys {
		nkey := c.keys.makeKey(Logical(k), o)
		if seen[nkey] {
			continue
		}
		seen[nkey] = true
		args = append(args, string(nkey))
		logical = append(logical, k)
	}

	var replies []interface{}
	err := c.with(ctx, "get_many", o, false, func(conn redis.Conn) error {
		var err error
		replies, err = redis.Values(redis.DoContext(conn, ctx, "MGET", args...))
		return err
	})
	if err != nil {
		return nil, err
	}

	items := make(Items, 0, len(replies))
	for i, r := range replies {
		if r == nil || i >= len(logical) {
			continue
		}
		data, err := redis.Bytes(r, nil)
		if err != nil {
			return nil, err
		}
		v, err := c.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: logical[i], Value: v})
	}
	return items, nil
}

// SetMany stores all items in a single pipelined round trip. Each item is
// stored as with Set, without condition. The batch is not atomic, other
// clients may observe it partially applied.
func (c *Client) SetMany(ctx context.Context, items Items, timeout Timeout, opts ...Option) error {
	if len(items) == 0 {
		return nil
	}

	o := newCallOptions(opts)
	ms, finite := c.resolveTimeout(timeout).millis()

	type entry struct {
		key  CacheKey
		data []byte
	}
	entries := make([]entry, len(items))
	for i, it := range items {
		data, err := c.codec.Encode(it.Value)
		if err != nil {
			return err
		}
		entries[i] = entry{key: c.keys.makeKey(Logical(it.Key), o), data: data}
	}

	return c.with(ctx, "set_many", o, true, func(conn redis.Conn) error {
		for _, e := range entries {
			var err error
			if finite && ms <= 0 {
				err = conn.Send("DEL", string(e.key))
			} else {
				err = conn.Send("SET", setArgs(e.key, e.data, ms, finite, false, false)...)
			}
			if err != nil {
				return err
			}
		}
		if err := conn.Flush(); err != nil {
			return err
		}

		// read all replies even after an error so the connection is left
		// in a clean state.
		var first error
		for range entries {
			if _, err := conn.Receive(); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

func (c *Client) intCmd(ctx context.Context, op string, o *callOptions, write bool, cmd string, args ...interface{}) (int64, error) {
	var n int64
	err := c.with(ctx, op, o, write, func(conn redis.Conn) error {
		var err error
		n, err = redis.Int64(redis.DoContext(conn, ctx, cmd, args...))
		return err
	})
	return n, err
}

// Delete removes key and returns whether it existed. The Prefix option
// can be used to delete a key outside the default prefix.
func (c *Client) Delete(ctx context.Context, key string, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "delete", o, true, "DEL", string(c.keys.makeKey(Logical(key), o)))
	return n > 0, err
}

// DeleteMany removes the keys and returns how many existed. No command is
// sent if keys is empty.
func (c *Client) DeleteMany(ctx context.Context, keys []string, opts ...Option) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	o := newCallOptions(opts)
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = string(c.keys.makeKey(Logical(k), o))
	}
	n, err := c.intCmd(ctx, "delete_many", o, true, "DEL", args...)
	return int(n), err
}

// HasKey returns whether key exists.
func (c *Client) HasKey(ctx context.Context, key string, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "has_key", o, false, "EXISTS", string(c.keys.makeKey(Logical(key), o)))
	return n == 1, err
}

// TTL returns the remaining time to live of key, with a precision of one
// second. It returns 0 if the key does not exist and NoExpiry if it has
// no expiration.
func (c *Client) TTL(ctx context.Context, key string, opts ...Option) (time.Duration, error) {
	return c.ttl(ctx, "ttl", "TTL", key, opts)
}

// PTTL is like TTL with a precision of one millisecond.
func (c *Client) PTTL(ctx context.Context, key string, opts ...Option) (time.Duration, error) {
	return c.ttl(ctx, "pttl", "PTTL", key, opts)
}

func (c *Client) ttl(ctx context.Context, op, cmd, key string, opts []Option) (time.Duration, error) {
	o := newCallOptions(opts)
	nkey := c.keys.makeKey(Logical(key), o)

	var d time.Duration
	err := c.with(ctx, op, o, false, func(conn redis.Conn) error {
		var err error
		d, err = ttlOn(ctx, conn, cmd, nkey)
		return err
	})
	return d, err
}

func ttlOn(ctx context.Context, conn redis.Conn, cmd string, key CacheKey) (time.Duration, error) {
	n, err := redis.Int(redis.DoContext(conn, ctx, "EXISTS", string(key)))
	if err != nil || n == 0 {
		return 0, err
	}

	t, err := redis.Int64(redis.DoContext(conn, ctx, cmd, string(key)))
	if err != nil {
		return 0, err
	}

	unit := time.Second
	if cmd == "PTTL" {
		unit = time.Millisecond
	}
	switch {
	case t >= 0:
		return time.Duration(t) * unit, nil
	case t == -2:
		// expired between the two commands
		return 0, nil
	default:
		return NoExpiry, nil
	}
}

// Touch sets a new expiration on key without changing its value. Forever
// removes the expiration. It returns whether the key exists.
func (c *Client) Touch(ctx context.Context, key string, timeout Timeout, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	nkey := string(c.keys.makeKey(Logical(key), o))

	timeout = c.resolveTimeout(timeout)
	if timeout.IsForever() {
		// PERSIST returns 0 for a key without expiration, check existence
		// instead.
		var exists bool
		err := c.with(ctx, "touch", o, true, func(conn redis.Conn) error {
			if _, err := redis.DoContext(conn, ctx, "PERSIST", nkey); err != nil {
				return err
			}
			n, err := redis.Int(redis.DoContext(conn, ctx, "EXISTS", nkey))
			exists = n == 1
			return err
		})
		return exists, err
	}

	ms, _ := timeout.millis()
	n, err := c.intCmd(ctx, "touch", o, true, "PEXPIRE", nkey, ms)
	return n == 1, err
}

// Expire sets the expiration of key to d, truncated to the second.
func (c *Client) Expire(ctx context.Context, key string, d time.Duration, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "expire", o, true, "EXPIRE", string(c.keys.makeKey(Logical(key), o)), int64(d/time.Second))
	return n == 1, err
}

// PExpire sets the expiration of key to d, truncated to the millisecond.
func (c *Client) PExpire(ctx context.Context, key string, d time.Duration, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "pexpire", o, true, "PEXPIRE", string(c.keys.makeKey(Logical(key), o)), d.Milliseconds())
	return n == 1, err
}

// ExpireAt makes key expire at t, truncated to the second.
func (c *Client) ExpireAt(ctx context.Context, key string, t time.Time, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "expire_at", o, true, "EXPIREAT", string(c.keys.makeKey(Logical(key), o)), t.Unix())
	return n == 1, err
}

// PExpireAt makes key expire at t, truncated to the millisecond.
func (c *Client) PExpireAt(ctx context.Context, key string, t time.Time, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "pexpire_at", o, true, "PEXPIREAT", string(c.keys.makeKey(Logical(key), o)), t.UnixMilli())
	return n == 1, err
}

// Persist removes the expiration of key. It returns false if the key does
// not exist or has no expiration.
func (c *Client) Persist(ctx context.Context, key string, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	n, err := c.intCmd(ctx, "persist", o, true, "PERSIST", string(c.keys.makeKey(Logical(key), o)))
	return n == 1, err
}

// Rename renames oldKey to newKey, both in the same prefix and version.
// It fails with an error reply if oldKey does not exist.
func (c *Client) Rename(ctx context.Context, oldKey, newKey string, opts ...Option) (bool, error) {
	o := newCallOptions(opts)
	var ok bool
	err := c.with(ctx, "rename", o, true, func(conn redis.Conn) error {
		s, err := redis.String(redis.DoContext(conn, ctx, "RENAME",
			string(c.keys.makeKey(Logical(oldKey), o)), string(c.keys.makeKey(Logical(newKey), o))))
		ok = s == "OK"
		return err
	})
	return ok, err
}

// Clear removes all keys of the primary's database, regardless of their
// prefix or version.
func (c *Client) Clear(ctx context.Context, opts ...Option) error {
	return c.with(ctx, "clear", newCallOptions(opts), true, func(conn redis.Conn) error {
		_, err := redis.DoContext(conn, ctx, "FLUSHDB")
		return err
	})
}

// IncrVersion moves key from its version (the default or the one set with
// the Version option) to that version plus delta, keeping its value and
// expiration. It returns the new version, or ErrNotFound if the key does
// not exist.
func (c *Client) IncrVersion(ctx context.Context, key string, delta int, opts ...Option) (int, error) {
	o := newCallOptions(opts)
	version := c.keys.version(o)
	newVersion := version + delta
	oldKey := c.keys.makeKey(Logical(key), o)
	newKey := c.keys.makeKey(Logical(key), &callOptions{prefix: o.prefix, version: &newVersion})

	err := c.with(ctx, "incr_version", o, true, func(conn redis.Conn) error {
		data, found, err := getOn(ctx, conn, oldKey)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		ms, err := redis.Int64(redis.DoContext(conn, ctx, "PTTL", string(oldKey)))
		if err != nil {
			return err
		}
		timeout := Forever
		switch {
		case ms == -2:
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		case ms >= 0:
			timeout = TTL(time.Duration(ms) * time.Millisecond)
		}

		if _, err := setOn(ctx, conn, newKey, data, timeout, false, false); err != nil {
			return err
		}
		_, err = redis.DoContext(conn, ctx, "DEL", string(oldKey))
		return err
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}
