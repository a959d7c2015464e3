// Package rediscache implements a cache client on top of the redigo
// client package, for a redis deployment made of a primary server and
// zero or more read replicas.
//
// Client
//
// A Client is created with New, from the list of servers (the primary
// first) and an Options value. No connection is made until a call needs
// one: the connection Handle of each server (a *redis.Pool by default) is
// created on first use by the ConnectionFactory and kept for the lifetime
// of the client, or until Close, CloseAll or Disconnect releases it.
//
//     c, err := rediscache.New([]string{"primary:6379", "replica:6379"}, rediscache.Options{
//         Defaults: rediscache.Defaults{KeyPrefix: "app", Version: 1},
//     })
//
// Writes go to the primary and reads to a random replica (or to the
// primary if there is none). The Selector option replaces that policy.
//
// Failover
//
// When a write fails because of the transport (a network error, a
// timeout or an error reply such as READONLY), and the client was
// created with RedirectWrites, the write is retried on a server that was
// not tried yet for that call, until one succeeds or all were tried.
// Only Set (and Add) are retried this way. Reads are never retried. When
// the call provides its own connection with the WithConn option, nothing
// is retried.
//
// A transport failure is returned as a *ConnectionInterruptedError, which
// holds the index of the server (-1 for a connection provided by the
// caller) and unwraps to the underlying error.
//
// Keys
//
// Keys given to the client are logical keys: they are stored in redis as
// "prefix:version:key" by default, using the Defaults of the client or
// the Prefix and Version options of the call. Patterns given to Keys,
// IterKeys and DeletePattern may use redis glob wildcards, the prefix and
// version are escaped so they only match themselves. The KeyFunc and
// ReverseKeyFunc fields of Defaults replace the key scheme.
//
// Values
//
// Values are codec.Value. An integer created with codec.Int is stored as
// its decimal text, so that redis can increment it. Any other value,
// created with codec.Object, is serialized and then compressed by the
// client's codec.Codec (msgpack without compression by default). Values
// read back are decoded lazily: call Scan with a pointer to the expected
// type.
//
//     _, err := c.Set(ctx, "user:1", codec.Object(u), rediscache.TTL(time.Hour))
//     v, ok, err := c.Get(ctx, "user:1")
//     if ok {
//         err = v.Scan(&u)
//     }
//
// Expiration
//
// Calls that store a key take a Timeout: DefaultTimeout uses the timeout
// of the client's Defaults, Forever stores the key without expiration,
// and TTL(d) expires it after d. A TTL that is not positive once
// converted to milliseconds does not store the key: Set deletes it, and
// Add only reports whether it is absent.
//
// Counters
//
// Incr and Decr run a script that checks that the key exists and
// increments it atomically. If the stored value is not a decimal integer
// (e.g. it was stored with codec.Object) or the result would overflow,
// the value is read, incremented and stored again with its remaining
// time to live, which is not atomic.
//
// Configuration and metrics
//
// LoadConfig reads a Config from the environment (and .env files) using
// viper, and Config.NewClient creates the corresponding client. Each
// client counts its commands, errors, failovers and connections in a
// metrics.Set, written in the Prometheus format by WriteMetrics. Logs go
// to the slog.Logger of the Options.
package rediscache
