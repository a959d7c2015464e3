package codec

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	Name  string   `json:"name" msgpack:"name"`
	Age   int      `json:"age" msgpack:"age"`
	Roles []string `json:"roles" msgpack:"roles"`
}

var compressorNames = []string{"identity", "zlib", "gzip", "zstd", "lz4", "snappy"}
var serializerNames = []string{"msgpack", "json", "gob"}

func TestEncodeIntIsVerbatim(t *testing.T) {
	c := New(nil, ZlibCompressor{})
	for _, n := range []int64{0, 1, -1, 42, 1 << 62} {
		b, err := c.Encode(Int(n))
		require.NoError(t, err, "Encode %d", n)
		v, err := c.Decode(b)
		require.NoError(t, err, "Decode %d", n)
		got, ok := v.Int()
		if assert.True(t, ok, "IsInt %d", n) {
			assert.Equal(t, n, got)
		}
	}

	b, err := c.Encode(Int(-1234))
	require.NoError(t, err)
	assert.Equal(t, "-1234", string(b))
}

func TestRoundTrip(t *testing.T) {
	long := strings.Repeat("compress me please ", 20)
	for _, sn := range serializerNames {
		for _, cn := range compressorNames {
			s, err := SerializerByName(sn)
			require.NoError(t, err)
			cmp, err := CompressorByName(cn, 0)
			require.NoError(t, err)
			c := New(s, cmp)

			t.Run(sn+"/"+cn, func(t *testing.T) {
				var str string
				roundTrip(t, c, Object("short"), &str)
				assert.Equal(t, "short", str)

				roundTrip(t, c, Object(long), &str)
				assert.Equal(t, long, str)

				var b bool
				roundTrip(t, c, Object(true), &b)
				assert.True(t, b)

				var f float64
				roundTrip(t, c, Object(3.5), &f)
				assert.Equal(t, 3.5, f)

				u := user{Name: "ada", Age: 36, Roles: []string{"admin", strings.Repeat("x", 40)}}
				var gotU user
				roundTrip(t, c, Object(u), &gotU)
				assert.Equal(t, u, gotU)
			})
		}
	}
}

func roundTrip(t *testing.T, c *Codec, v Value, dst interface{}) {
	t.Helper()
	b, err := c.Encode(v)
	require.NoError(t, err, "Encode")
	got, err := c.Decode(b)
	require.NoError(t, err, "Decode")
	assert.False(t, got.IsInt(), "not a raw integer")
	require.NoError(t, got.Scan(dst), "Scan")
}

func TestLongValuesAreCompressed(t *testing.T) {
	long := []byte(strings.Repeat("a", 200))
	for _, cn := range compressorNames[1:] {
		cmp, err := CompressorByName(cn, 0)
		require.NoError(t, err)

		out, err := cmp.Compress(long)
		require.NoError(t, err, cn)
		assert.Less(t, len(out), len(long), "%s output is smaller", cn)

		back, compressed, err := cmp.Decompress(out)
		require.NoError(t, err, cn)
		assert.True(t, compressed, cn)
		assert.Equal(t, long, back, cn)
	}
}

func TestShortValuesPassThrough(t *testing.T) {
	short := []byte("tiny")
	for _, cn := range compressorNames {
		cmp, err := CompressorByName(cn, 0)
		require.NoError(t, err)

		out, err := cmp.Compress(short)
		require.NoError(t, err, cn)
		assert.Equal(t, short, out, cn)

		back, compressed, err := cmp.Decompress(out)
		require.NoError(t, err, cn)
		assert.False(t, compressed, cn)
		assert.Equal(t, short, back, cn)
	}
}

func TestCorruptCompressedValue(t *testing.T) {
	bad := append([]byte{0x1f, 0x8b}, []byte(strings.Repeat("z", 30))...)
	out, compressed, err := GzipCompressor{}.Decompress(bad)
	require.NoError(t, err, "long gzip-looking data that does not decode")
	assert.False(t, compressed)
	assert.Equal(t, bad, out)

	short := []byte{0x1f, 0x8b, 'z'}
	out, compressed, err = GzipCompressor{}.Decompress(short)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, short, out)

	// the value is decoded as if stored uncompressed, the serializer
	// reports the bad payload
	c := New(JSONSerializer{}, GzipCompressor{})
	v, err := c.Decode(bad)
	require.NoError(t, err)
	var s string
	assert.Error(t, v.Scan(&s))

	for _, cn := range compressorNames {
		cmp, err := CompressorByName(cn, 0)
		require.NoError(t, err)
		for _, magic := range [][]byte{gzipMagic, zstdMagic, lz4Magic, snappyMagic, {0x78, 0x9c}} {
			data := append(append([]byte{}, magic...), []byte(strings.Repeat("z", 40))...)
			out, compressed, err := cmp.Decompress(data)
			require.NoError(t, err, cn)
			assert.False(t, compressed, cn)
			assert.Equal(t, data, out, cn)
		}
	}
}

// A serialized value whose bytes read as an integer literal decodes as
// that integer.
func TestIntegerLookingPayloadDecodesAsInt(t *testing.T) {
	c := New(JSONSerializer{}, IdentityCompressor{})

	b, err := c.Encode(Object(12.0))
	require.NoError(t, err)
	assert.Equal(t, "12", string(b))

	v, err := c.Decode(b)
	require.NoError(t, err)
	n, ok := v.Int()
	assert.True(t, ok, "decoded as raw integer")
	assert.Equal(t, int64(12), n)
}

func TestBooleansAreSerialized(t *testing.T) {
	c := New(JSONSerializer{}, nil)
	b, err := c.Encode(Object(false))
	require.NoError(t, err)
	assert.Equal(t, "false", string(b))
}

func TestValueScan(t *testing.T) {
	var n int
	require.NoError(t, Int(7).Scan(&n))
	assert.Equal(t, 7, n)

	var s string
	require.NoError(t, Int(7).Scan(&s))
	assert.Equal(t, "7", s)

	var iface interface{}
	require.NoError(t, Int(7).Scan(&iface))
	assert.Equal(t, int64(7), iface)

	var m map[string]int
	assert.Error(t, Int(7).Scan(&m))

	var i32 int32
	require.NoError(t, Int(-7).Scan(&i32))
	assert.Equal(t, int32(-7), i32)
	assert.Error(t, Int(math.MaxInt32+1).Scan(&i32))
	assert.Error(t, Int(math.MinInt32-1).Scan(&i32))
	assert.Equal(t, int32(-7), i32, "unchanged on error")

	var u64 uint64
	require.NoError(t, Int(7).Scan(&u64))
	assert.Equal(t, uint64(7), u64)
	assert.Error(t, Int(-1).Scan(&u64))
	assert.Equal(t, uint64(7), u64, "unchanged on error")

	require.NoError(t, Object("x").Scan(&s))
	assert.Equal(t, "x", s)
	assert.Error(t, Object("x").Scan(&n))
	assert.Error(t, Object("x").Scan(s))

	v, err := Object([]int{1}).Interface()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, v)
}

func TestDecodedInterface(t *testing.T) {
	c := New(MsgpackSerializer{}, nil)
	b, err := c.Encode(Object(map[string]interface{}{"a": "b"}))
	require.NoError(t, err)

	v, err := c.Decode(b)
	require.NoError(t, err)
	got, err := v.Interface()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": "b"}, got)
}

func TestByName(t *testing.T) {
	_, err := SerializerByName("pickle")
	assert.Error(t, err)
	_, err = CompressorByName("lzma", 0)
	assert.Error(t, err)

	s, err := SerializerByName("")
	require.NoError(t, err)
	assert.IsType(t, MsgpackSerializer{}, s)

	cmp, err := CompressorByName("zstd", 100)
	require.NoError(t, err)
	assert.Equal(t, ZstdCompressor{MinLength: 100}, cmp)
}
