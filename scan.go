package rediscache

import (
	"context"

	"github.com/edwingeng/deque/v2"
	"github.com/gomodule/redigo/redis"
)

// KeyIterator iterates over the logical keys that match a pattern, using
// SCAN on a read server. Keys are fetched in batches as Next is called.
// The usual SCAN guarantees apply: a key may be returned more than once,
// and keys added or removed during the iteration may or may not be
// returned.
//
//	it := c.IterKeys(ctx, "user:*")
//	defer it.Close()
//	for it.Next() {
//		fmt.Println(it.Key())
//	}
//	if err := it.Err(); err != nil {
//		// handle error
//	}
type KeyIterator struct {
	c       *Client
	ctx     context.Context
	o       *callOptions
	pattern CacheKey
	count   int

	conn    redis.Conn
	release func()
	index   int
	started bool
	cursor  string
	buf     *deque.Deque[string]

	key string
	err error
}

// IterKeys returns an iterator over the keys that match pattern. The
// pattern may use redis glob wildcards, the prefix and version are
// escaped. The iterator must be closed when done, unless Next returned
// false.
func (c *Client) IterKeys(ctx context.Context, pattern string, opts ...Option) *KeyIterator {
	o := newCallOptions(opts)
	count := o.count
	if count <= 0 {
		count = c.scanCount
	}
	return &KeyIterator{
		c:       c,
		ctx:     ctx,
		o:       o,
		pattern: c.keys.makePattern(Logical(pattern), o),
		count:   count,
		cursor:  "0",
		buf:     deque.NewDeque[string](),
	}
}

// Next advances to the next key, fetching a new batch if needed. It
// returns false when the iteration is over or failed, Err tells which.
func (it *KeyIterator) Next() bool {
	if it.err != nil {
		return false
	}

	for it.buf.Len() == 0 {
		if it.started && it.cursor == "0" {
			it.Close()
			return false
		}
		if err := it.fetch(); err != nil {
			it.err = err
			it.Close()
			return false
		}
	}
	it.key = it.c.keys.ReverseKey(it.buf.PopFront())
	return true
}

// Key returns the current logical key.
func (it *KeyIterator) Key() string {
	return it.key
}

// Err returns the error that stopped the iteration, if any.
func (it *KeyIterator) Err() error {
	return it.err
}

// Close releases the connection used by the iterator. It is safe to call
// more than once.
func (it *KeyIterator) Close() {
	if it.release != nil {
		it.release()
		it.release = nil
	}
	it.conn = nil
}

func (it *KeyIterator) fetch() error {
	if !it.started {
		it.c.stats.command("iter_keys")
		conn, release, index, err := it.c.acquire(it.ctx, it.o, false, nil)
		if err != nil {
			return it.c.fail("iter_keys", nil, index, err)
		}
		it.conn, it.release, it.index = conn, release, index
		it.started = true
	}

	cursor, keys, err := scanOnce(it.ctx, it.conn, it.cursor, it.pattern, it.count)
	if err != nil {
		return it.c.fail("iter_keys", it.conn, it.index, err)
	}
	it.cursor = cursor
	for _, k := range keys {
		it.buf.PushBack(k)
	}
	return nil
}

// scanOnce runs a single SCAN iteration and returns the next cursor and
// the raw keys of the batch.
func scanOnce(ctx context.Context, conn redis.Conn, cursor string, pattern CacheKey, count int) (string, []string, error) {
	args := redis.Args{cursor, "MATCH", string(pattern)}
	if count > 0 {
		args = args.Add("COUNT", count)
	}
	vals, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", args...))
	if err != nil {
		return "", nil, err
	}

	var keys []string
	if _, err := redis.Scan(vals, &cursor, &keys); err != nil {
		return "", nil, err
	}
	return cursor, keys, nil
}

// Keys returns all logical keys that match pattern using the KEYS
// command, which blocks the server while it runs. Prefer IterKeys on
// large keyspaces.
func (c *Client) Keys(ctx context.Context, pattern string, opts ...Option) ([]string, error) {
	o := newCallOptions(opts)
	pat := c.keys.makePattern(Logical(pattern), o)

	var raw []string
	err := c.with(ctx, "keys", o, false, func(conn redis.Conn) error {
		var err error
		raw, err = redis.Strings(redis.DoContext(conn, ctx, "KEYS", string(pat)))
		return err
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(raw))
	for i, k := range raw {
		keys[i] = c.keys.ReverseKey(k)
	}
	return keys, nil
}

// DeletePattern deletes all keys that match pattern and returns how many
// were deleted. Keys are found with SCAN on the primary and deleted in
// one DEL per batch.
func (c *Client) DeletePattern(ctx context.Context, pattern string, opts ...Option) (int, error) {
	o := newCallOptions(opts)
	pat := c.keys.makePattern(Logical(pattern), o)
	count := o.count
	if count <= 0 {
		count = c.scanCount
	}

	var deleted int
	err := c.with(ctx, "delete_pattern", o, true, func(conn redis.Conn) error {
		cursor := "0"
		for {
			next, keys, err := scanOnce(ctx, conn, cursor, pat, count)
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := redis.Int(redis.DoContext(conn, ctx, "DEL", redis.Args{}.AddFlat(keys)...))
				if err != nil {
					return err
				}
				deleted += n
			}
			if next == "0" {
				return nil
			}
			cursor = next
		}
	})
	return deleted, err
}
