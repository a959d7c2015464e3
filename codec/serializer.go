package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts Go values to bytes and back.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// MsgpackSerializer serializes values with MessagePack. It is the default
// serializer.
type MsgpackSerializer struct{}

// Marshal implements Serializer.
func (MsgpackSerializer) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal implements Serializer.
func (MsgpackSerializer) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// JSONSerializer serializes values as JSON.
type JSONSerializer struct{}

// Marshal implements Serializer.
func (JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// GobSerializer serializes values with encoding/gob. Values stored as
// interfaces must have their concrete type registered with gob.Register
// to be unmarshaled into an *interface{}.
type GobSerializer struct{}

// Marshal implements Serializer.
func (GobSerializer) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Serializer.
func (GobSerializer) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// SerializerByName returns the serializer registered under name: msgpack
// (also the empty string), json or gob.
func SerializerByName(name string) (Serializer, error) {
	switch name {
	case "", "msgpack":
		return MsgpackSerializer{}, nil
	case "json":
		return JSONSerializer{}, nil
	case "gob":
		return GobSerializer{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", name)
	}
}
