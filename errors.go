package rediscache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gomodule/redigo/redis"
)

var (
	// ErrNotFound is returned when incrementing, decrementing or moving to
	// another version a key that does not exist.
	ErrNotFound = errors.New("rediscache: key not found")

	// ErrConflictingFlags is returned when both NX and XX are requested.
	ErrConflictingFlags = errors.New("rediscache: NX and XX are mutually exclusive")

	// ErrNoServers is returned by New when the server list is empty.
	ErrNoServers = errors.New("rediscache: no server configured")
)

// ConnectionInterruptedError is returned when a command fails because of
// the transport: timeouts, connection failures and error replies from
// the server. Writes that fail this way are retried on another server when
// the client allows it, reads return this error immediately.
type ConnectionInterruptedError struct {
	// Index is the index of the server in the client's list, or -1 if the
	// connection was provided by the caller.
	Index int
	// Endpoint is the address of the server, empty if Index is -1.
	Endpoint string
	// Conn is the connection on which the command failed. It may be nil if
	// the failure happened while getting the connection.
	Conn redis.Conn
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ConnectionInterruptedError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("rediscache: connection interrupted: %v", e.Err)
	}
	return fmt.Sprintf("rediscache: connection interrupted on server %d (%s): %v", e.Index, e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionInterruptedError) Unwrap() error {
	return e.Err
}

// IsConnectionInterrupted returns true if err is or wraps a
// *ConnectionInterruptedError.
func IsConnectionInterrupted(err error) bool {
	var ce *ConnectionInterruptedError
	return errors.As(err, &ce)
}

// isTransportErr returns true for the errors that interrupt a command:
// network and timeout errors, unexpected end of stream, exhausted pools and
// error replies. A cancelled or expired context is the caller's doing and
// is returned as-is.
func isTransportErr(err error) bool {
	if err == nil || err == redis.ErrNil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		ne net.Error
		re redis.Error
	)
	switch {
	case errors.As(err, &ne), errors.As(err, &re):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, redis.ErrPoolExhausted):
		return true
	}
	return false
}
