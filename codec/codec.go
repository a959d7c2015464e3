// Package codec converts cache values to the bytes stored in redis and
// back.
//
// Integers are written verbatim as their base-10 text so that redis can
// operate on them natively (e.g. INCRBY). Every other value goes through a
// Serializer and then a Compressor. Decoding first tries to parse the
// stored bytes as an integer, then decompresses (leaving the bytes as-is
// if they were not compressed) and finally hands the result to the
// Serializer when the caller scans the Value.
//
// A consequence of this scheme is that a serialized (and possibly
// compressed) payload whose bytes happen to read as an integer literal is
// decoded as that integer. For example, the JSON serialization of the
// float 12.0 is "12", which decodes as Int(12).
package codec

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

type kind uint8

const (
	kindObject kind = iota
	kindInt
	kindEncoded
)

// Value is a cache value. It is either a raw integer, created with Int,
// an arbitrary value to serialize, created with Object, or a value
// returned by Decode whose serialized payload is decoded on demand with
// Scan or Interface.
//
// The zero Value is Object(nil).
type Value struct {
	kind kind
	n    int64
	obj  interface{}
	data []byte
	ser  Serializer
}

// Int returns a Value stored as the decimal text of n, without
// serialization or compression.
func Int(n int64) Value {
	return Value{kind: kindInt, n: n}
}

// Object returns a Value that is serialized and compressed when stored.
// Booleans and integer types passed to Object are serialized like any
// other value; use Int for the raw integer representation.
func Object(v interface{}) Value {
	return Value{kind: kindObject, obj: v}
}

// IsInt returns true if v holds a raw integer.
func (v Value) IsInt() bool {
	return v.kind == kindInt
}

// Int returns the raw integer held by v. The boolean is false if v is not
// a raw integer.
func (v Value) Int() (int64, bool) {
	return v.n, v.kind == kindInt
}

// Interface returns the Go value held by v. For a decoded payload, it is
// unmarshaled into an empty interface, so the concrete types are the ones
// chosen by the Serializer (e.g. map[string]interface{} for msgpack maps).
func (v Value) Interface() (interface{}, error) {
	switch v.kind {
	case kindInt:
		return v.n, nil
	case kindEncoded:
		var out interface{}
		if err := v.ser.Unmarshal(v.data, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return v.obj, nil
	}
}

// Scan stores the value held by v in dst, which must be a non-nil
// pointer. Raw integers can be scanned into any integer or float pointer
// and into *interface{}. Decoded payloads are unmarshaled into dst by the
// Serializer.
func (v Value) Scan(dst interface{}) error {
	switch v.kind {
	case kindInt:
		return scanInt(v.n, dst)
	case kindEncoded:
		return v.ser.Unmarshal(v.data, dst)
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("codec: scan destination must be a non-nil pointer, got %T", dst)
	}
	el := rv.Elem()
	if v.obj == nil {
		el.Set(reflect.Zero(el.Type()))
		return nil
	}
	ov := reflect.ValueOf(v.obj)
	if !ov.Type().AssignableTo(el.Type()) {
		return fmt.Errorf("codec: cannot scan %T into %T", v.obj, dst)
	}
	el.Set(ov)
	return nil
}

func scanInt(n int64, dst interface{}) error {
	switch d := dst.(type) {
	case *int64:
		*d = n
	case *int:
		if int64(int(n)) != n {
			return errIntRange(n, dst)
		}
		*d = int(n)
	case *int32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return errIntRange(n, dst)
		}
		*d = int32(n)
	case *uint64:
		if n < 0 {
			return errIntRange(n, dst)
		}
		*d = uint64(n)
	case *float64:
		*d = float64(n)
	case *interface{}:
		*d = n
	case *string:
		*d = strconv.FormatInt(n, 10)
	default:
		return fmt.Errorf("codec: cannot scan integer into %T", dst)
	}
	return nil
}

func errIntRange(n int64, dst interface{}) error {
	return fmt.Errorf("codec: integer %d out of range for %T", n, dst)
}

// Codec encodes and decodes Values with a Serializer and a Compressor.
type Codec struct {
	Serializer Serializer
	Compressor Compressor
}

// New returns a Codec using s and c. A nil Serializer defaults to
// MsgpackSerializer and a nil Compressor to IdentityCompressor.
func New(s Serializer, c Compressor) *Codec {
	if s == nil {
		s = MsgpackSerializer{}
	}
	if c == nil {
		c = IdentityCompressor{}
	}
	return &Codec{Serializer: s, Compressor: c}
}

// Encode returns the bytes to store for v.
func (c *Codec) Encode(v Value) ([]byte, error) {
	switch v.kind {
	case kindInt:
		return strconv.AppendInt(nil, v.n, 10), nil
	case kindEncoded:
		// already in serialized form, only compression is left to apply
		return c.Compressor.Compress(v.data)
	}

	b, err := c.Serializer.Marshal(v.obj)
	if err != nil {
		return nil, err
	}
	return c.Compressor.Compress(b)
}

// Decode returns the Value represented by the stored bytes. If stored
// parses as a base-10 integer, the Value is that raw integer, otherwise it
// is decompressed (unless it was stored uncompressed) and kept for lazy
// deserialization.
func (c *Codec) Decode(stored []byte) (Value, error) {
	if n, err := strconv.ParseInt(string(stored), 10, 64); err == nil {
		return Int(n), nil
	}

	data, _, err := c.Compressor.Decompress(stored)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: kindEncoded, data: data, ser: c.Serializer}, nil
}
