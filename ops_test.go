package rediscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mna/rediscache/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getInt(t *testing.T, c *Client, key string, opts ...Option) (int64, bool) {
	t.Helper()
	v, ok, err := c.Get(context.Background(), key, opts...)
	require.NoError(t, err, "Get %s", key)
	if !ok {
		return 0, false
	}
	n, isInt := v.Int()
	require.True(t, isInt, "%s is an integer", key)
	return n, true
}

func TestSetGetForever(t *testing.T) {
	servers := startServers(t, 1)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	ok, err := c.Set(ctx, "x", codec.Int(42), Forever)
	require.NoError(t, err)
	assert.True(t, ok)

	n, found := getInt(t, c, "x")
	assert.True(t, found)
	assert.Equal(t, int64(42), n)

	ttl, err := c.TTL(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)
}

func TestSetObject(t *testing.T) {
	type user struct {
		Name string
		Age  int
	}

	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	in := user{Name: "a", Age: 3}
	_, err := c.Set(ctx, "u", codec.Object(in), DefaultTimeout)
	require.NoError(t, err)

	v, ok, err := c.Get(ctx, "u")
	require.NoError(t, err)
	require.True(t, ok)
	var out user
	require.NoError(t, v.Scan(&out))
	assert.Equal(t, in, out)
}

func TestSetDefaultTimeout(t *testing.T) {
	servers := startServers(t, 0)
	ctx := context.Background()

	c := newTestClient(t, Options{Defaults: Defaults{Timeout: TTL(time.Minute)}}, servers...)
	_, err := c.Set(ctx, "k", codec.Int(1), DefaultTimeout)
	require.NoError(t, err)
	d, err := c.PTTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d > 59*time.Second && d <= time.Minute, "%s", d)

	c = newTestClient(t, Options{}, servers...)
	_, err = c.Set(ctx, "k", codec.Int(1), DefaultTimeout)
	require.NoError(t, err)
	d, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestSetZeroTTLDeletes(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)

	ok, err := c.Set(ctx, "k", codec.Int(2), TTL(0))
	require.NoError(t, err)
	assert.True(t, ok, "existing key deleted")
	exists, err := c.HasKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = c.Set(ctx, "k", codec.Int(2), TTL(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "nothing to delete")

	// sub-millisecond durations truncate to 0
	_, err = c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)
	ok, err = c.Set(ctx, "k", codec.Int(2), TTL(time.Microsecond))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), servers[0].Calls("PEXPIRE"))
}

func TestSetNegativeTTLWithNX(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)

	ok, err := c.Set(ctx, "k", codec.Int(2), TTL(-5*time.Second), NX())
	require.NoError(t, err)
	assert.False(t, ok)
	n, found := getInt(t, c, "k")
	assert.True(t, found)
	assert.Equal(t, int64(1), n, "key unchanged")

	ok, err = c.Set(ctx, "missing", codec.Int(2), TTL(-5*time.Second), NX())
	require.NoError(t, err)
	assert.True(t, ok, "reports the key does not exist")
	_, found = getInt(t, c, "missing")
	assert.False(t, found, "nothing stored")
}

func TestSetConditional(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	ok, err := c.Set(ctx, "k", codec.Int(1), Forever, XX())
	require.NoError(t, err)
	assert.False(t, ok, "XX on missing key")

	ok, err = c.Add(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Add(ctx, "k", codec.Int(2), Forever)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Set(ctx, "k", codec.Int(3), Forever, XX())
	require.NoError(t, err)
	assert.True(t, ok)
	n, _ := getInt(t, c, "k")
	assert.Equal(t, int64(3), n)

	_, err = c.Set(ctx, "k", codec.Int(4), Forever, NX(), XX())
	assert.Equal(t, ErrConflictingFlags, err)
}

func TestGetOr(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	v, err := c.GetOr(ctx, "missing", codec.Object("def"))
	require.NoError(t, err)
	var s string
	require.NoError(t, v.Scan(&s))
	assert.Equal(t, "def", s)

	_, err = c.Set(ctx, "k", codec.Object("val"), Forever)
	require.NoError(t, err)
	v, err = c.GetOr(ctx, "k", codec.Object("def"))
	require.NoError(t, err)
	require.NoError(t, v.Scan(&s))
	assert.Equal(t, "val", s)
}

func TestSetManyGetMany(t *testing.T) {
	servers := startServers(t, 1)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	err := c.SetMany(ctx, Items{{"a", codec.Int(1)}, {"b", codec.Int(2)}}, Forever)
	require.NoError(t, err)

	items, err := c.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, items.Keys())

	v, ok := items.Get("b")
	require.True(t, ok)
	n, _ := v.Int()
	assert.Equal(t, int64(2), n)
	_, ok = items.Get("c")
	assert.False(t, ok)

	// duplicates are returned once, in the order of their first occurrence
	items, err = c.GetMany(ctx, []string{"b", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, items.Keys())
}

func TestGetManyEmpty(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)

	items, err := c.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, items, 0)
	assert.Equal(t, int64(0), servers[0].Calls("MGET"))

	require.NoError(t, c.SetMany(context.Background(), nil, Forever))
	assert.Equal(t, int64(0), servers[0].Calls("SET"))
}

func TestSetManyTimeout(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	require.NoError(t, c.SetMany(ctx, Items{{"a", codec.Object("x")}, {"b", codec.Object("y")}}, TTL(time.Hour)))
	d, err := c.TTL(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	// a zero timeout deletes the keys
	require.NoError(t, c.SetMany(ctx, Items{{"a", codec.Object("x")}}, TTL(0)))
	ok, err := c.HasKey(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetManyReportsError(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	servers[0].SetReadOnly(true)
	err := c.SetMany(ctx, Items{{"a", codec.Int(1)}, {"b", codec.Int(2)}}, Forever)
	require.Error(t, err)
	assert.True(t, IsConnectionInterrupted(err))

	// the connection is still usable after the failed batch
	servers[0].SetReadOnly(false)
	require.NoError(t, c.SetMany(ctx, Items{{"a", codec.Int(1)}}, Forever))
}

func TestDelete(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{Defaults: Defaults{KeyPrefix: "p"}}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)
	_, err = c.Set(ctx, "k", codec.Int(1), Forever, Prefix("other"))
	require.NoError(t, err)

	ok, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.HasKey(ctx, "k", Prefix("other"))
	require.NoError(t, err)
	assert.True(t, ok, "other prefix untouched")
	ok, err = c.Delete(ctx, "k", Prefix("other"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteMany(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	n, err := c.DeleteMany(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), servers[0].Calls("DEL"), "no command for empty input")

	require.NoError(t, c.SetMany(ctx, Items{{"a", codec.Int(1)}, {"b", codec.Int(2)}}, Forever))
	n, err = c.DeleteMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTTL(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	d, err := c.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)
	d, err = c.PTTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	_, err = c.Set(ctx, "k", codec.Int(1), TTL(90*time.Second))
	require.NoError(t, err)
	d, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	d, err = c.PTTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d > 89*time.Second && d <= 90*time.Second, "%s", d)

	servers[0].Advance(2 * time.Minute)
	d, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d, "expired")
}

func TestTouch(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{Defaults: Defaults{Timeout: TTL(time.Hour)}}, servers...)
	ctx := context.Background()

	ok, err := c.Touch(ctx, "missing", TTL(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.Touch(ctx, "missing", Forever)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Set(ctx, "k", codec.Int(1), TTL(time.Minute))
	require.NoError(t, err)

	ok, err = c.Touch(ctx, "k", Forever)
	require.NoError(t, err)
	assert.True(t, ok)
	d, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, d)

	ok, err = c.Touch(ctx, "k", DefaultTimeout)
	require.NoError(t, err)
	assert.True(t, ok)
	d, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	ok, err = c.Touch(ctx, "k", Forever)
	require.NoError(t, err)
	assert.True(t, ok, "persisting a key without expiration")
}

func TestExpire(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	ok, err := c.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)

	ok, err = c.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	d, _ := c.TTL(ctx, "k")
	assert.Equal(t, time.Minute, d)

	ok, err = c.PExpire(ctx, "k", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	d, _ = c.PTTL(ctx, "k")
	assert.True(t, d > time.Second && d <= 1500*time.Millisecond, "%s", d)

	ok, err = c.Persist(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Persist(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "no expiration to remove")

	ok, err = c.ExpireAt(ctx, "k", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	d, _ = c.TTL(ctx, "k")
	assert.InDelta(t, float64(time.Hour), float64(d), float64(2*time.Second))

	ok, err = c.PExpireAt(ctx, "k", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.HasKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired in the past")
}

func TestRename(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "old", codec.Int(7), Forever)
	require.NoError(t, err)

	ok, err := c.Rename(ctx, "old", "new")
	require.NoError(t, err)
	assert.True(t, ok)
	n, found := getInt(t, c, "new")
	assert.True(t, found)
	assert.Equal(t, int64(7), n)
	_, found = getInt(t, c, "old")
	assert.False(t, found)

	_, err = c.Rename(ctx, "old", "new")
	assert.Error(t, err, "missing source")
}

func TestClear(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{Defaults: Defaults{KeyPrefix: "a"}}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)
	_, err = c.Set(ctx, "k", codec.Int(1), Forever, Prefix("b"))
	require.NoError(t, err)

	require.NoError(t, c.Clear(ctx))
	for _, p := range []string{"a", "b"} {
		ok, err := c.HasKey(ctx, "k", Prefix(p))
		require.NoError(t, err)
		assert.False(t, ok, "prefix %s", p)
	}
	assert.Equal(t, int64(1), servers[0].Calls("FLUSHDB"))
}

func TestVersions(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{Defaults: Defaults{Version: 1}}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", codec.Int(1), Forever)
	require.NoError(t, err)
	_, err = c.Set(ctx, "k", codec.Int(2), Forever, Version(2))
	require.NoError(t, err)

	n, _ := getInt(t, c, "k")
	assert.Equal(t, int64(1), n)
	n, _ = getInt(t, c, "k", Version(2))
	assert.Equal(t, int64(2), n)
}

func TestIncrVersion(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{Defaults: Defaults{Version: 1}}, servers...)
	ctx := context.Background()

	_, err := c.Set(ctx, "k", codec.Object("v"), TTL(time.Hour))
	require.NoError(t, err)

	v, err := c.IncrVersion(ctx, "k", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	ok, err := c.HasKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "old version removed")

	val, ok, err := c.Get(ctx, "k", Version(2))
	require.NoError(t, err)
	require.True(t, ok)
	var s string
	require.NoError(t, val.Scan(&s))
	assert.Equal(t, "v", s)
	d, err := c.TTL(ctx, "k", Version(2))
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Hour), float64(d), float64(2*time.Second))

	v, err = c.IncrVersion(ctx, "k", 3, Version(2))
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = c.IncrVersion(ctx, "missing", 1)
	assert.True(t, errors.Is(err, ErrNotFound), "%v", err)
}
