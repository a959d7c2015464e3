package rediscache

import (
	"context"
	"math"
	"strconv"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/rediscache/codec"
)

// Member is a member of a sorted set with its score.
type Member struct {
	Value codec.Value
	Score float64
}

func (c *Client) encodeAll(vals []codec.Value) ([]interface{}, error) {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		b, err := c.codec.Encode(v)
		if err != nil {
			return nil, err
		}
		args[i] = b
	}
	return args, nil
}

func (c *Client) decodeAll(raw [][]byte) ([]codec.Value, error) {
	vals := make([]codec.Value, len(raw))
	for i, b := range raw {
		v, err := c.codec.Decode(b)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// ListPush pushes values to the head of the list at key, or its tail with
// the Tail option, and returns the new length of the list.
func (c *Client) ListPush(ctx context.Context, key string, values []codec.Value, opts ...Option) (int64, error) {
	o := newCallOptions(opts)
	encoded, err := c.encodeAll(values)
	if err != nil {
		return 0, err
	}

	cmd := "LPUSH"
	if o.tail {
		cmd = "RPUSH"
	}
	args := append([]interface{}{string(c.keys.makeKey(Logical(key), o))}, encoded...)
	return c.intCmd(ctx, "list_push", o, true, cmd, args...)
}

// ListPop removes and returns the head of the list at key, or its tail
// with the Tail option. The boolean is false if the list is empty.
func (c *Client) ListPop(ctx context.Context, key string, opts ...Option) (codec.Value, bool, error) {
	o := newCallOptions(opts)
	cmd := "LPOP"
	if o.tail {
		cmd = "RPOP"
	}
	return c.getValue(ctx, "list_pop", o, true, cmd, string(c.keys.makeKey(Logical(key), o)))
}

// ListIndex returns the element at index in the list at key. Negative
// indices count from the tail. The boolean is false if index is out of
// range.
func (c *Client) ListIndex(ctx context.Context, key string, index int64, opts ...Option) (codec.Value, bool, error) {
	o := newCallOptions(opts)
	return c.getValue(ctx, "list_index", o, false, "LINDEX", string(c.keys.makeKey(Logical(key), o)), index)
}

// ListRange returns the elements of the list at key between start and
// stop, both inclusive.
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64, opts ...Option) ([]codec.Value, error) {
	o := newCallOptions(opts)
	var raw [][]byte
	err := c.with(ctx, "list_range", o, false, func(conn redis.Conn) error {
		var err error
		raw, err = redis.ByteSlices(redis.DoContext(conn, ctx, "LRANGE", string(c.keys.makeKey(Logical(key), o)), start, stop))
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(raw)
}

func (c *Client) getValue(ctx context.Context, op string, o *callOptions, write bool, cmd string, args ...interface{}) (codec.Value, bool, error) {
	var b []byte
	err := c.with(ctx, op, o, write, func(conn redis.Conn) error {
		var err error
		b, err = redis.Bytes(redis.DoContext(conn, ctx, cmd, args...))
		if err == redis.ErrNil {
			b, err = nil, nil
		}
		return err
	})
	if err != nil || b == nil {
		return codec.Value{}, false, err
	}

	v, err := c.codec.Decode(b)
	if err != nil {
		return codec.Value{}, false, err
	}
	return v, true, nil
}

// SetAdd adds members to the sorted set at key and returns the number of
// members added. The NX option only adds new members, XX only updates
// existing ones. Both cannot be set.
func (c *Client) SetAdd(ctx context.Context, key string, members []Member, opts ...Option) (int64, error) {
	o := newCallOptions(opts)
	if o.nx && o.xx {
		return 0, ErrConflictingFlags
	}

	args := redis.Args{string(c.keys.makeKey(Logical(key), o))}
	if o.nx {
		args = args.Add("NX")
	}
	if o.xx {
		args = args.Add("XX")
	}
	for _, m := range members {
		b, err := c.codec.Encode(m.Value)
		if err != nil {
			return 0, err
		}
		args = args.Add(m.Score, b)
	}
	return c.intCmd(ctx, "set_add", o, true, "ZADD", args...)
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// SetCount returns the number of members of the sorted set at key with a
// score between min and max, both inclusive. Use math.Inf for unbounded
// ranges.
func (c *Client) SetCount(ctx context.Context, key string, min, max float64, opts ...Option) (int64, error) {
	o := newCallOptions(opts)
	return c.intCmd(ctx, "set_count", o, false, "ZCOUNT",
		string(c.keys.makeKey(Logical(key), o)), formatScore(min), formatScore(max))
}

// SetRange returns the members of the sorted set at key between the ranks
// start and stop, both inclusive, ordered by increasing score or by
// decreasing score with the Desc option. Scores are only filled with the
// WithScores option.
func (c *Client) SetRange(ctx context.Context, key string, start, stop int64, opts ...Option) ([]Member, error) {
	o := newCallOptions(opts)
	cmd := "ZRANGE"
	if o.desc {
		cmd = "ZREVRANGE"
	}
	args := redis.Args{string(c.keys.makeKey(Logical(key), o)), start, stop}
	if o.withScores {
		args = args.Add("WITHSCORES")
	}

	var vals []interface{}
	err := c.with(ctx, "set_range", o, false, func(conn redis.Conn) error {
		var err error
		vals, err = redis.Values(redis.DoContext(conn, ctx, cmd, args...))
		return err
	})
	if err != nil {
		return nil, err
	}

	step := 1
	if o.withScores {
		step = 2
	}
	members := make([]Member, 0, len(vals)/step)
	for i := 0; i+step <= len(vals); i += step {
		b, err := redis.Bytes(vals[i], nil)
		if err != nil {
			return nil, err
		}
		v, err := c.codec.Decode(b)
		if err != nil {
			return nil, err
		}
		m := Member{Value: v}
		if o.withScores {
			if m.Score, err = redis.Float64(vals[i+1], nil); err != nil {
				return nil, err
			}
		}
		members = append(members, m)
	}
	return members, nil
}
