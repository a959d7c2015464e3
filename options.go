package rediscache

import (
	"time"

	"github.com/gomodule/redigo/redis"
)

type timeoutKind uint8

const (
	timeoutDefault timeoutKind = iota
	timeoutForever
	timeoutFinite
)

// Timeout is the expiration requested when storing a key. The zero value
// is DefaultTimeout.
type Timeout struct {
	kind timeoutKind
	d    time.Duration
}

var (
	// DefaultTimeout uses the client's default timeout (Defaults.Timeout).
	DefaultTimeout = Timeout{}

	// Forever stores the key without expiration.
	Forever = Timeout{kind: timeoutForever}
)

// TTL returns a Timeout that expires the key after d. A duration that is
// zero or negative once truncated to milliseconds deletes the key instead
// of storing it (or does nothing when combined with NX).
func TTL(d time.Duration) Timeout {
	return Timeout{kind: timeoutFinite, d: d}
}

// Duration returns the finite duration of t. The boolean is false for
// Forever and DefaultTimeout.
func (t Timeout) Duration() (time.Duration, bool) {
	return t.d, t.kind == timeoutFinite
}

// IsForever returns true if t means no expiration.
func (t Timeout) IsForever() bool {
	return t.kind == timeoutForever
}

func (t Timeout) String() string {
	switch t.kind {
	case timeoutForever:
		return "forever"
	case timeoutFinite:
		return t.d.String()
	default:
		return "default"
	}
}

// NoExpiry is returned by TTL and PTTL for a key that exists but has no
// expiration.
const NoExpiry time.Duration = -1

// Option configures a single call on the Client.
type Option func(*callOptions)

type callOptions struct {
	version    *int
	prefix     *string
	conn       redis.Conn
	nx, xx     bool
	count      int
	desc       bool
	withScores bool
	tail       bool
}

func newCallOptions(opts []Option) *callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &o
}

// Version overrides the client's default version for the call.
func Version(v int) Option {
	return func(o *callOptions) { o.version = &v }
}

// Prefix overrides the client's default key prefix for the call.
func Prefix(p string) Option {
	return func(o *callOptions) { o.prefix = &p }
}

// WithConn runs the call on conn instead of selecting a server. The
// caller keeps ownership of conn, and writes are never retried on another
// server.
func WithConn(conn redis.Conn) Option {
	return func(o *callOptions) { o.conn = conn }
}

// NX only stores the key if it does not exist.
func NX() Option {
	return func(o *callOptions) { o.nx = true }
}

// XX only stores the key if it already exists.
func XX() Option {
	return func(o *callOptions) { o.xx = true }
}

// Count sets the number of keys each SCAN iteration asks for. It
// overrides Options.ScanCount.
func Count(n int) Option {
	return func(o *callOptions) { o.count = n }
}

// Desc reverses the order of sorted set ranges.
func Desc() Option {
	return func(o *callOptions) { o.desc = true }
}

// WithScores returns the scores along with the sorted set members.
func WithScores() Option {
	return func(o *callOptions) { o.withScores = true }
}

// Tail makes list pushes and pops operate on the tail of the list instead
// of the head.
func Tail() Option {
	return func(o *callOptions) { o.tail = true }
}
