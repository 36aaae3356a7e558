package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/asaidimu/go-kumbu/core"
)

// Type tags of the tuple encoding. Their numeric order is the collation
// order between types.
const (
	tagEnd    = 0x00
	tagNull   = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x04
	tagString = 0x05
	tagArray  = 0x06
	tagObject = 0x07
)

// EncodeKey encodes values as an order-preserving tuple: comparing two
// encodings bytewise gives the same result as comparing the tuples element by
// element. Every element is self-delimiting, so the encoding of a tuple is
// never a prefix of the encoding of a different tuple of the same length.
func EncodeKey(values ...any) ([]byte, error) {
	var buf []byte
	for i, v := range values {
		nv, err := core.NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key element %d: %w", i, err)
		}
		buf = appendValue(buf, nv)
	}
	return buf, nil
}

func appendValue(buf []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, tagNull)
	case bool:
		if val {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case int64:
		return appendNumber(buf, float64(val))
	case float64:
		return appendNumber(buf, val)
	case string:
		return appendString(append(buf, tagString), val)
	case []any:
		buf = append(buf, tagArray)
		for _, item := range val {
			buf = appendValue(buf, item)
		}
		return append(buf, tagEnd)
	case map[string]any:
		buf = append(buf, tagObject)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendString(append(buf, tagString), k)
			buf = appendValue(buf, val[k])
		}
		return append(buf, tagEnd)
	case core.Properties:
		return appendValue(buf, map[string]any(val))
	default:
		// NormalizeValue only produces the types above.
		panic(fmt.Sprintf("index: unexpected normalized type %T", v))
	}
}

// appendNumber writes a float64 so that bytewise order matches numeric
// order: positive numbers get their sign bit flipped, negative numbers have
// every bit flipped.
func appendNumber(buf []byte, f float64) []byte {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf = append(buf, tagNumber)
	return binary.BigEndian.AppendUint64(buf, bits)
}

// appendString writes s with 0x00 escaped as 0x00 0xFF and terminated by
// 0x00 0x01, which keeps shorter strings ordered before their extensions.
// The terminator cannot start an escape, so no string encoding is a prefix
// of another.
func appendString(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf = append(buf, 0x00, 0xff)
			continue
		}
		buf = append(buf, s[i])
	}
	return append(buf, 0x00, 0x01)
}
