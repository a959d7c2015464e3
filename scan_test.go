package rediscache

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/mna/rediscache/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setKeys(t *testing.T, c *Client, keys ...string) {
	t.Helper()
	items := make(Items, len(keys))
	for i, k := range keys {
		items[i] = Item{Key: k, Value: codec.Int(int64(i))}
	}
	require.NoError(t, c.SetMany(context.Background(), items, Forever))
}

func TestDeletePattern(t *testing.T) {
	servers := startServers(t, 1)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	setKeys(t, c, "user:1", "user:2", "other:1")

	n, err := c.DeletePattern(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := c.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"other:1"}, keys)
	assert.Equal(t, int64(0), servers[1].Calls("SCAN"), "scanned on the primary")

	n, err = c.DeletePattern(ctx, "nomatch:*")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeletePatternBatches(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	ctx := context.Background()

	keys := make([]string, 25)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%02d", i)
	}
	setKeys(t, c, keys...)

	n, err := c.DeletePattern(ctx, "k*", Count(10))
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.True(t, servers[0].Calls("SCAN") >= 3, "scanned in batches")
	assert.True(t, servers[0].Calls("DEL") >= 3, "deleted per batch")
}

func TestIterKeys(t *testing.T) {
	servers := startServers(t, 1)
	c := newTestClient(t, Options{Defaults: Defaults{KeyPrefix: "app"}}, servers...)
	ctx := context.Background()

	setKeys(t, c, "a:1", "a:2", "a:3", "b:1")

	it := c.IterKeys(ctx, "a:*", Count(1))
	var got []string
	for it.Next() {
		got = append(got, it.Key())
	}
	require.NoError(t, it.Err())
	it.Close()

	sort.Strings(got)
	assert.Equal(t, []string{"a:1", "a:2", "a:3"}, got)
	assert.True(t, servers[1].Calls("SCAN") > 1, "iterated over several batches")
	assert.Equal(t, int64(0), servers[0].Calls("SCAN"), "scanned on a replica")
}

func TestIterKeysEmpty(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)

	it := c.IterKeys(context.Background(), "*")
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	it.Close()
}

func TestIterKeysError(t *testing.T) {
	servers := startServers(t, 0)
	c := newTestClient(t, Options{}, servers...)
	servers[0].SetDown(true)

	it := c.IterKeys(context.Background(), "*")
	assert.False(t, it.Next())
	assert.True(t, IsConnectionInterrupted(it.Err()), "%v", it.Err())
	assert.False(t, it.Next(), "stays done")
	it.Close()
}

func TestKeysEscapesPrefix(t *testing.T) {
	servers := startServers(t, 0)
	ctx := context.Background()

	star := newTestClient(t, Options{Defaults: Defaults{KeyPrefix: "p*"}}, servers...)
	plain := newTestClient(t, Options{Defaults: Defaults{KeyPrefix: "px"}}, servers...)

	setKeys(t, star, "k1")
	setKeys(t, plain, "k2")

	keys, err := star.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	n, err := star.DeletePattern(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err = plain.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, keys)
}
