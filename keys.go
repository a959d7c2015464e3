package rediscache

import (
	"strconv"
	"strings"
	"time"
)

// Key is a cache key. It is either a Logical key, which gets namespaced
// with the prefix and version, or a CacheKey, which is already namespaced
// and used verbatim.
type Key interface {
	key() string
}

// Logical is a key as known to the application.
type Logical string

func (k Logical) key() string { return string(k) }

// CacheKey is a namespaced key, as stored in redis.
type CacheKey string

func (k CacheKey) key() string { return string(k) }

// String returns k as a string.
func (k CacheKey) String() string { return string(k) }

// Defaults holds the values used when a call does not provide them, and
// the functions that compose and decompose namespaced keys.
type Defaults struct {
	// KeyPrefix is the default prefix of all keys.
	KeyPrefix string

	// Version is the default version of all keys.
	Version int

	// Timeout is the expiration applied when DefaultTimeout is requested.
	// If it is DefaultTimeout itself, 5 minutes is used.
	Timeout Timeout

	// KeyFunc composes a namespaced key. The version is received as a
	// string because patterns pass a glob-escaped version. Defaults to
	// DefaultKeyFunc.
	KeyFunc func(key, prefix, version string) string

	// ReverseKeyFunc returns the logical key of a namespaced key. It must
	// be the inverse of KeyFunc. Defaults to DefaultReverseKeyFunc.
	ReverseKeyFunc func(key string) string
}

const defaultTimeout = 5 * time.Minute

func (d Defaults) withFallbacks() Defaults {
	if d.Timeout == DefaultTimeout {
		d.Timeout = TTL(defaultTimeout)
	}
	if d.KeyFunc == nil {
		d.KeyFunc = DefaultKeyFunc
	}
	if d.ReverseKeyFunc == nil {
		d.ReverseKeyFunc = DefaultReverseKeyFunc
	}
	return d
}

// DefaultKeyFunc returns "prefix:version:key".
func DefaultKeyFunc(key, prefix, version string) string {
	return prefix + ":" + version + ":" + key
}

// DefaultReverseKeyFunc returns the part of key that follows the second
// colon, which is the inverse of DefaultKeyFunc as long as the prefix
// contains no colon.
func DefaultReverseKeyFunc(key string) string {
	parts := strings.SplitN(key, ":", 3)
	return parts[len(parts)-1]
}

var globEscaper = strings.NewReplacer("*", "[*]", "?", "[?]", "[", "[[]")

// GlobEscape escapes the characters of s that have a special meaning in
// redis glob patterns (*, ? and [) so that they match themselves.
func GlobEscape(s string) string {
	return globEscaper.Replace(s)
}

// KeyCodec builds namespaced keys and search patterns.
type KeyCodec struct {
	defaults Defaults
}

// NewKeyCodec returns a KeyCodec using d, with fallbacks applied for its
// zero fields.
func NewKeyCodec(d Defaults) *KeyCodec {
	return &KeyCodec{defaults: d.withFallbacks()}
}

// MakeKey returns the namespaced key for key. A CacheKey is returned
// unchanged. The Version and Prefix options override the defaults.
func (kc *KeyCodec) MakeKey(key Key, opts ...Option) CacheKey {
	return kc.makeKey(key, newCallOptions(opts))
}

func (kc *KeyCodec) makeKey(key Key, o *callOptions) CacheKey {
	if ck, ok := key.(CacheKey); ok {
		return ck
	}
	prefix, version := kc.prefixVersion(o)
	return CacheKey(kc.defaults.KeyFunc(key.key(), prefix, strconv.Itoa(version)))
}

// MakePattern returns the namespaced search pattern for pattern. The
// prefix and version are glob-escaped, pattern is left as-is so it can
// contain wildcards. A CacheKey is returned unchanged.
func (kc *KeyCodec) MakePattern(pattern Key, opts ...Option) CacheKey {
	return kc.makePattern(pattern, newCallOptions(opts))
}

func (kc *KeyCodec) makePattern(pattern Key, o *callOptions) CacheKey {
	if ck, ok := pattern.(CacheKey); ok {
		return ck
	}
	prefix, version := kc.prefixVersion(o)
	return CacheKey(kc.defaults.KeyFunc(pattern.key(), GlobEscape(prefix), GlobEscape(strconv.Itoa(version))))
}

// ReverseKey returns the logical key of the namespaced key.
func (kc *KeyCodec) ReverseKey(key string) string {
	return kc.defaults.ReverseKeyFunc(key)
}

func (kc *KeyCodec) prefixVersion(o *callOptions) (string, int) {
	prefix, version := kc.defaults.KeyPrefix, kc.defaults.Version
	if o.prefix != nil {
		prefix = *o.prefix
	}
	if o.version != nil {
		version = *o.version
	}
	return prefix, version
}

func (kc *KeyCodec) version(o *callOptions) int {
	_, v := kc.prefixVersion(o)
	return v
}
