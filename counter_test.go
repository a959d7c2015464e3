package rediscache

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mna/rediscache/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrMissing(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Incr(ctx, "n", 1, false)
	assert.True(t, errors.Is(err, ErrNotFound), "%v", err)
	_, err = c.Decr(ctx, "n", 1)
	assert.True(t, errors.Is(err, ErrNotFound), "%v", err)

	ok, err := c.HasKey(ctx, "n")
	require.NoError(t, err)
	assert.False(t, ok, "key not created")

	n, err := c.Incr(ctx, "n", 3, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestIncrDecr(t *testing.T) {
	servers := startServers(t, 1)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "n", codec.Int(10), TTL(time.Hour))
	require.NoError(t, err)

	n, err := c.Incr(ctx, "n", 5, false)
	require.NoError(t, err)
	assert.Equal(t, int64(15), n)

	n, err = c.Decr(ctx, "n", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), n)

	v, err := getOrFail(t, c, "n")
	require.NoError(t, err)
	got, isInt := v.Int()
	assert.True(t, isInt)
	assert.Equal(t, int64(-5), got)

	d, err := c.TTL(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d, "expiration kept")
	assert.Equal(t, int64(0), sumCalls(servers[1:], "EVALSHA")+sumCalls(servers[1:], "EVAL"),
		"increments run on the primary")
}

func TestIncrFallback(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	// a serialized integer cannot be incremented by the server
	_, err := c.Set(ctx, "n", codec.Object(5), TTL(time.Minute))
	require.NoError(t, err)

	n, err := c.Incr(ctx, "n", 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	v, err := getOrFail(t, c, "n")
	require.NoError(t, err)
	got, isInt := v.Int()
	assert.True(t, isInt, "stored back as a raw integer")
	assert.Equal(t, int64(6), got)

	d, err := c.TTL(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d, "expiration kept")

	var buf bytes.Buffer
	c.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), "rediscache_incr_fallbacks_total 1")

	// now a raw integer, the server increments it
	n, err = c.Incr(ctx, "n", 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	buf.Reset()
	c.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), "rediscache_incr_fallbacks_total 1")
}

func TestIncrNotInteger(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "s", codec.Object("abc"), Forever)
	require.NoError(t, err)

	_, err = c.Incr(ctx, "s", 1, false)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "not an integer")
}

func TestIncrOverflow(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "n", codec.Int(math.MaxInt64), Forever)
	require.NoError(t, err)

	_, err = c.Incr(ctx, "n", 1, false)
	assert.True(t, errors.Is(err, ErrOverflow), "%v", err)

	v, err := getOrFail(t, c, "n")
	require.NoError(t, err)
	got, _ := v.Int()
	assert.Equal(t, int64(math.MaxInt64), got, "value unchanged")
}

func TestIncrCanceledContext(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)

	_, err := c.Set(context.Background(), "n", codec.Int(1), Forever)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, force := range []bool{false, true} {
		_, err = c.Incr(ctx, "n", 10, force)
		assert.True(t, errors.Is(err, context.Canceled), "%v", err)
		assert.False(t, IsConnectionInterrupted(err))
	}
	_, err = c.Decr(ctx, "n", 1)
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)

	v, err := getOrFail(t, c, "n")
	require.NoError(t, err)
	got, _ := v.Int()
	assert.Equal(t, int64(1), got, "value unchanged")
	assert.Equal(t, int64(0), servers[0].Calls("EVALSHA")+servers[0].Calls("EVAL"))
}

func getOrFail(t *testing.T, c *Client, key string) (codec.Value, error) {
	t.Helper()
	v, ok, err := c.Get(context.Background(), key)
	require.True(t, ok, "%s exists", key)
	return v, err
}
