package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultMinLength is the default size, in bytes, at or below which
// compressors store the data uncompressed.
const DefaultMinLength = 15

// Compressor compresses serialized values.
//
// Decompress reports whether data was compressed: when it was not (e.g. a
// small value stored as-is), it returns data unchanged, false and a nil
// error. Data that looks compressed but fails to decompress is also
// returned unchanged, it is left to the Serializer to reject it.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) (out []byte, compressed bool, err error)
}

// IdentityCompressor stores data as-is. It is the default compressor.
type IdentityCompressor struct{}

// Compress implements Compressor.
func (IdentityCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

// Decompress implements Compressor, it never reports compressed data.
func (IdentityCompressor) Decompress(data []byte) ([]byte, bool, error) {
	return data, false, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}

	// stream identifier chunk of the framing format
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// zlib has no fixed magic, but the 2-byte header is a multiple of 31 and
// the low nibble of the first byte is 8 (deflate).
func isZlib(data []byte) bool {
	return len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

func minLength(n int) int {
	if n <= 0 {
		return DefaultMinLength
	}
	return n
}

// ZlibCompressor compresses with zlib. Data of MinLength bytes or less is
// stored uncompressed.
type ZlibCompressor struct {
	MinLength int
	Level     int // zlib.DefaultCompression if 0
}

// Compress implements Compressor.
func (c ZlibCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) <= minLength(c.MinLength) {
		return data, nil
	}

	level := c.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (c ZlibCompressor) Decompress(data []byte) ([]byte, bool, error) {
	if !isZlib(data) {
		return data, false, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, false, nil
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return data, false, nil
	}
	return out, true, nil
}

// GzipCompressor compresses with gzip. Data of MinLength bytes or less is
// stored uncompressed.
type GzipCompressor struct {
	MinLength int
	Level     int // gzip.DefaultCompression if 0
}

// Compress implements Compressor.
func (c GzipCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) <= minLength(c.MinLength) {
		return data, nil
	}

	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (c GzipCompressor) Decompress(data []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, false, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, false, nil
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return data, false, nil
	}
	return out, true, nil
}

// both are safe for concurrent use through EncodeAll and DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// ZstdCompressor compresses with zstandard. Data of MinLength bytes or
// less is stored uncompressed.
type ZstdCompressor struct {
	MinLength int
}

// Compress implements Compressor.
func (c ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) <= minLength(c.MinLength) {
		return data, nil
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

// Decompress implements Compressor.
func (c ZstdCompressor) Decompress(data []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, false, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return data, false, nil
	}
	return out, true, nil
}

// LZ4Compressor compresses with the lz4 frame format. Data of MinLength
// bytes or less is stored uncompressed.
type LZ4Compressor struct {
	MinLength int
	Level     lz4.CompressionLevel // lz4.Fast if 0
}

// Compress implements Compressor.
func (c LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) <= minLength(c.MinLength) {
		return data, nil
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if c.Level != 0 {
		if err := w.Apply(lz4.CompressionLevelOption(c.Level)); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (c LZ4Compressor) Decompress(data []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(data, lz4Magic) {
		return data, false, nil
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return data, false, nil
	}
	return out, true, nil
}

// SnappyCompressor compresses with the snappy framing format. Data of
// MinLength bytes or less is stored uncompressed.
type SnappyCompressor struct {
	MinLength int
}

// Compress implements Compressor.
func (c SnappyCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) <= minLength(c.MinLength) {
		return data, nil
	}

	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (c SnappyCompressor) Decompress(data []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(data, snappyMagic) {
		return data, false, nil
	}
	out, err := io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
	if err != nil {
		return data, false, nil
	}
	return out, true, nil
}

// CompressorByName returns the compressor registered under name: identity
// (also the empty string), zlib, gzip, zstd, lz4 or snappy. The minLength
// applies to all but identity, DefaultMinLength is used if it is <= 0.
func CompressorByName(name string, minLength int) (Compressor, error) {
	switch name {
	case "", "identity":
		return IdentityCompressor{}, nil
	case "zlib":
		return ZlibCompressor{MinLength: minLength}, nil
	case "gzip":
		return GzipCompressor{MinLength: minLength}, nil
	case "zstd":
		return ZstdCompressor{MinLength: minLength}, nil
	case "lz4":
		return LZ4Compressor{MinLength: minLength}, nil
	case "snappy":
		return SnappyCompressor{MinLength: minLength}, nil
	default:
		return nil, fmt.Errorf("codec: unknown compressor %q", name)
	}
}
