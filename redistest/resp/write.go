// Package resp reads and writes values of the redis serialization
// protocol (RESP2), for the test servers of package redistest.
//
// See https://redis.io/docs/reference/protocol-spec/ for the reference.
package resp

import (
	"fmt"
	"io"
	"strconv"
)

// Error is an error reply. It must not contain \r or \n.
type Error string

// Errorf returns an Error reply built with fmt.Sprintf.
func Errorf(format string, args ...interface{}) Error {
	return Error(fmt.Sprintf(format, args...))
}

// SimpleString is a status reply. It must not contain \r or \n.
type SimpleString string

// Common status replies.
const (
	OK   SimpleString = "OK"
	Pong SimpleString = "PONG"
)

// NilArray is encoded as the null array (*-1), as opposed to a nil value
// which is encoded as the null bulk string ($-1).
type NilArray struct{}

// Append appends the RESP encoding of v to buf and returns the extended
// buffer. The supported types are nil, bool (as 0 or 1), int, int64,
// string and []byte (as bulk strings), SimpleString, Error, NilArray,
// []string and []interface{} (as arrays, recursively).
func Append(buf []byte, v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, "$-1\r\n"...), nil
	case NilArray:
		return append(buf, "*-1\r\n"...), nil
	case bool:
		if v {
			return append(buf, ":1\r\n"...), nil
		}
		return append(buf, ":0\r\n"...), nil
	case int:
		return appendInt(buf, ':', int64(v)), nil
	case int64:
		return appendInt(buf, ':', v), nil
	case string:
		return appendBulk(buf, v), nil
	case []byte:
		return appendBulk(buf, string(v)), nil
	case SimpleString:
		return appendLine(buf, '+', string(v)), nil
	case Error:
		return appendLine(buf, '-', string(v)), nil
	case []string:
		buf = appendInt(buf, '*', int64(len(v)))
		for _, s := range v {
			buf = appendBulk(buf, s)
		}
		return buf, nil
	case []interface{}:
		buf = appendInt(buf, '*', int64(len(v)))
		for _, el := range v {
			var err error
			if buf, err = Append(buf, el); err != nil {
				return buf, err
			}
		}
		return buf, nil
	default:
		return buf, fmt.Errorf("resp: cannot encode value of type %T", v)
	}
}

// Write writes the RESP encoding of v to w in a single call.
func Write(w io.Writer, v interface{}) error {
	buf, err := Append(nil, v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func appendInt(buf []byte, prefix byte, n int64) []byte {
	buf = append(buf, prefix)
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, '\r', '\n')
}

func appendLine(buf []byte, prefix byte, s string) []byte {
	buf = append(buf, prefix)
	buf = append(buf, s...)
	return append(buf, '\r', '\n')
}

func appendBulk(buf []byte, s string) []byte {
	buf = appendInt(buf, '$', int64(len(s)))
	buf = append(buf, s...)
	return append(buf, '\r', '\n')
}
