package rediscache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/multierr"
)

// Handle is an established connection to a server, from which a
// redis.Conn is obtained for each call. A *redis.Pool is a Handle.
type Handle interface {
	GetContext(ctx context.Context) (redis.Conn, error)
	Close() error
}

// ConnectionFactory creates and releases the Handle of a server.
type ConnectionFactory interface {
	Connect(endpoint string) (Handle, error)
	Disconnect(h Handle) error
}

// PoolFactory is the default ConnectionFactory. It creates a redis.Pool
// for each server. The endpoint is either an "address:port" or a redis://
// (or rediss://) URL, in which case redis.DialURL is used.
type PoolFactory struct {
	// DialOptions is the list of options to set on each new connection.
	DialOptions []redis.DialOption

	// Pool sizing, as in redis.Pool.
	MaxIdle     int
	MaxActive   int
	IdleTimeout time.Duration

	// CreatePool, if set, is called instead of creating the pool from the
	// fields above.
	CreatePool func(endpoint string, options ...redis.DialOption) (*redis.Pool, error)
}

// Connect implements ConnectionFactory.
func (f *PoolFactory) Connect(endpoint string) (Handle, error) {
	if f.CreatePool != nil {
		return f.CreatePool(endpoint, f.DialOptions...)
	}

	opts := f.DialOptions
	return &redis.Pool{
		MaxIdle:     f.MaxIdle,
		MaxActive:   f.MaxActive,
		IdleTimeout: f.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			if strings.Contains(endpoint, "://") {
				return redis.DialURL(endpoint, opts...)
			}
			return redis.Dial("tcp", endpoint, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

// Disconnect implements ConnectionFactory.
func (f *PoolFactory) Disconnect(h Handle) error {
	return h.Close()
}

// registry holds the Handle of each server, created on first use.
type registry struct {
	servers []string
	factory ConnectionFactory
	logger  *slog.Logger
	stats   *clientMetrics

	mu    sync.Mutex
	slots []Handle
}

func newRegistry(servers []string, factory ConnectionFactory, logger *slog.Logger, stats *clientMetrics) *registry {
	return &registry{
		servers: servers,
		factory: factory,
		logger:  logger,
		stats:   stats,
		slots:   make([]Handle, len(servers)),
	}
}

// get returns the Handle of the server at index, creating it if needed.
// An error from the factory is returned unchanged.
func (r *registry) get(index int) (Handle, error) {
	r.mu.Lock()
	h := r.slots[index]
	r.mu.Unlock()
	if h != nil {
		return h, nil
	}

	// connect without holding the lock, a concurrent call may do the same
	// and only the first one stored is kept.
	h, err := r.factory.Connect(r.servers[index])
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cur := r.slots[index]; cur != nil {
		r.mu.Unlock()
		if err := r.factory.Disconnect(h); err != nil {
			r.logger.Debug("discard duplicate connection", "index", index, "error", err)
		}
		return cur, nil
	}
	r.slots[index] = h
	r.mu.Unlock()

	r.stats.connectionCreated()
	r.logger.Debug("connected", "index", index, "endpoint", r.servers[index])
	return h, nil
}

// disconnect releases the Handle of the server at index, if any.
func (r *registry) disconnect(index int) error {
	r.mu.Lock()
	h := r.slots[index]
	r.slots[index] = nil
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	r.logger.Debug("disconnected", "index", index, "endpoint", r.servers[index])
	return r.factory.Disconnect(h)
}

// disconnectAll releases all Handles and resets the slots.
func (r *registry) disconnectAll() error {
	var err error
	for i := range r.servers {
		err = multierr.Append(err, r.disconnect(i))
	}
	return err
}
