package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how document bodies are compressed at rest. The value
// is stored next to every body, so a database can be reopened with a
// different setting and still read what it wrote before.
type Compression uint8

const (
	NoCompression     Compression = 0x0
	SnappyCompression Compression = 0x1
	LZ4Compression    Compression = 0x4
	ZstdCompression   Compression = 0x7
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression maps a configuration string to a Compression. The empty
// string means no compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return NoCompression, fmt.Errorf("unsupported compression %q", s)
	}
}

// Compress compresses data with c.
func Compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case LZ4Compression:
		return compressLZ4(data)
	case ZstdCompression:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Decode(nil, data)
	case LZ4Compression:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case ZstdCompression:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer decoder.Close()
		return decoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", c)
	}
}
