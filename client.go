package rediscache

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gomodule/redigo/redis"
	"github.com/mna/rediscache/codec"
)

// Options configures a Client. The zero value is valid.
type Options struct {
	// Defaults holds the default key prefix, version and timeout, and the
	// key composition functions.
	Defaults Defaults

	// Codec encodes and decodes the values. Defaults to msgpack without
	// compression.
	Codec *codec.Codec

	// Factory creates the connection Handle of each server. Defaults to a
	// PoolFactory with no dial option.
	Factory ConnectionFactory

	// Selector picks the server to use for each call. Defaults to
	// RandomSelector.
	Selector Selector

	// RedirectWrites allows a write that failed on a server to be retried
	// on another one. It must only be set if the replicas accept writes.
	RedirectWrites bool

	// CloseConnection makes Close release the connections of all servers.
	// If false, Close is a no-op and CloseAll must be used.
	CloseConnection bool

	// ScanCount is the COUNT hint of SCAN iterations, redis' default is
	// used if it is 0.
	ScanCount int

	// Logger receives the client's logs. Nothing is logged if it is nil.
	Logger *slog.Logger

	// Metrics is the set where the client registers its metrics. A new
	// set is created if it is nil.
	Metrics *metrics.Set
}

// Client is a cache client over a primary redis server and its replicas.
// It is safe for concurrent use.
type Client struct {
	servers        []string
	keys           *KeyCodec
	codec          *codec.Codec
	selector       Selector
	reg            *registry
	redirectWrites bool
	closeConn      bool
	scanCount      int
	logger         *slog.Logger
	stats          *clientMetrics
}

// New creates a Client for the servers, the first one being the primary
// and the others its read replicas. No connection is made until the
// first call that needs it.
func New(servers []string, opts Options) (*Client, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	c := &Client{
		servers:        append([]string(nil), servers...),
		keys:           NewKeyCodec(opts.Defaults),
		codec:          opts.Codec,
		selector:       opts.Selector,
		redirectWrites: opts.RedirectWrites,
		closeConn:      opts.CloseConnection,
		scanCount:      opts.ScanCount,
		logger:         opts.Logger,
		stats:          newClientMetrics(opts.Metrics),
	}
	if c.codec == nil {
		c.codec = codec.New(nil, nil)
	}
	if c.selector == nil {
		c.selector = RandomSelector{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	factory := opts.Factory
	if factory == nil {
		factory = &PoolFactory{}
	}
	c.reg = newRegistry(c.servers, factory, c.logger, c.stats)
	return c, nil
}

// SplitServers splits a comma-separated list of servers, dropping empty
// entries.
func SplitServers(s string) []string {
	var servers []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			servers = append(servers, v)
		}
	}
	return servers
}

// Servers returns the list of servers of the client.
func (c *Client) Servers() []string {
	return append([]string(nil), c.servers...)
}

// MakeKey returns the namespaced key of key.
func (c *Client) MakeKey(key Key, opts ...Option) CacheKey {
	return c.keys.MakeKey(key, opts...)
}

// MakePattern returns the namespaced search pattern of pattern.
func (c *Client) MakePattern(pattern Key, opts ...Option) CacheKey {
	return c.keys.MakePattern(pattern, opts...)
}

// ReverseKey returns the logical key of the namespaced key.
func (c *Client) ReverseKey(key string) string {
	return c.keys.ReverseKey(key)
}

// Close releases the connections of all servers if the client was created
// with Options.CloseConnection set, otherwise it does nothing. The client
// can still be used afterwards, connections are created again as needed.
func (c *Client) Close() error {
	if !c.closeConn {
		return nil
	}
	return c.CloseAll()
}

// CloseAll releases the connections of all servers.
func (c *Client) CloseAll() error {
	return c.reg.disconnectAll()
}

// Disconnect releases the connections of the server at index.
func (c *Client) Disconnect(index int) error {
	return c.reg.disconnect(index)
}

func noop() {}

// acquire returns the connection to use for a call, along with the
// function to call to release it and the index of the server. If the call
// provided its own connection, it is returned with index -1.
func (c *Client) acquire(ctx context.Context, o *callOptions, write bool, tried []int) (redis.Conn, func(), int, error) {
	if err := ctx.Err(); err != nil {
		return nil, noop, -1, err
	}
	if o.conn != nil {
		return o.conn, noop, -1, nil
	}

	index := c.selector.SelectIndex(write, tried, len(c.servers))
	h, err := c.reg.get(index)
	if err != nil {
		return nil, noop, index, err
	}
	conn, err := h.GetContext(ctx)
	if err != nil {
		return nil, noop, index, err
	}
	return conn, func() { conn.Close() }, index, nil
}

// with runs fn on a connection for the call, without retry.
func (c *Client) with(ctx context.Context, op string, o *callOptions, write bool, fn func(conn redis.Conn) error) error {
	c.stats.command(op)

	conn, release, index, err := c.acquire(ctx, o, write, nil)
	if err != nil {
		return c.fail(op, nil, index, err)
	}
	defer release()

	if err := fn(conn); err != nil {
		return c.fail(op, conn, index, err)
	}
	return nil
}

// fail wraps transport errors in a *ConnectionInterruptedError, other
// errors are returned as-is.
func (c *Client) fail(op string, conn redis.Conn, index int, err error) error {
	c.stats.failure(op)
	if !isTransportErr(err) {
		return err
	}

	ce := &ConnectionInterruptedError{Index: index, Conn: conn, Err: err}
	if index >= 0 {
		ce.Endpoint = c.servers[index]
	}
	return ce
}

// Do executes a raw command on a connection selected for a write or a
// read.
func (c *Client) Do(ctx context.Context, write bool, cmd string, args ...interface{}) (interface{}, error) {
	var reply interface{}
	err := c.with(ctx, "do", &callOptions{}, write, func(conn redis.Conn) error {
		var err error
		reply, err = redis.DoContext(conn, ctx, cmd, args...)
		return err
	})
	return reply, err
}
