package codec

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BodyFormat is the serialization used for document bodies.
type BodyFormat uint8

const (
	FormatMsgPack BodyFormat = iota
	FormatBSON
)

func (f BodyFormat) String() string {
	switch f {
	case FormatMsgPack:
		return "msgpack"
	case FormatBSON:
		return "bson"
	default:
		return fmt.Sprintf("unknown(%d)", f)
	}
}

// ParseBodyFormat maps a configuration string to a BodyFormat. The empty
// string selects msgpack.
func ParseBodyFormat(s string) (BodyFormat, error) {
	switch strings.ToLower(s) {
	case "", "msgpack":
		return FormatMsgPack, nil
	case "bson":
		return FormatBSON, nil
	default:
		return FormatMsgPack, fmt.Errorf("unsupported body format %q", s)
	}
}

// Codec turns property trees into stored bodies and back.
type Codec struct {
	Format      BodyFormat
	Compression Compression
}

// EncodeBody fills the body fields of rec from props and returns the
// uncompressed encoding, which is what revision ids are derived from.
func (c Codec) EncodeBody(rec *DocRecord, props core.Properties) ([]byte, error) {
	raw, err := MarshalBody(c.Format, props)
	if err != nil {
		return nil, err
	}
	stored, err := Compress(c.Compression, raw)
	if err != nil {
		return nil, fmt.Errorf("compress body: %w", err)
	}
	rec.Format = c.Format
	rec.Compression = c.Compression
	rec.Body = stored
	return raw, nil
}

// DecodeBody returns the properties stored in rec. A tombstone has an empty
// body.
func DecodeBody(rec *DocRecord) (core.Properties, error) {
	if len(rec.Body) == 0 {
		return core.Properties{}, nil
	}
	raw, err := Decompress(rec.Compression, rec.Body)
	if err != nil {
		return nil, core.Errorf(core.CodeCorruptData, "decompress body: %v", err)
	}
	return UnmarshalBody(rec.Format, raw)
}

// MarshalBody encodes props in format f.
func MarshalBody(f BodyFormat, props core.Properties) ([]byte, error) {
	if props == nil {
		props = core.Properties{}
	}
	switch f {
	case FormatMsgPack:
		return EncodeRecord(map[string]any(props))
	case FormatBSON:
		data, err := bson.Marshal(map[string]any(props))
		if err != nil {
			return nil, fmt.Errorf("failed to encode body using BSON: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported body format: %s", f)
	}
}

// UnmarshalBody decodes a body written by MarshalBody and normalizes it.
func UnmarshalBody(f BodyFormat, data []byte) (core.Properties, error) {
	var decoded map[string]any
	switch f {
	case FormatMsgPack:
		dec := msgpack.GetDecoder()
		defer msgpack.PutDecoder(dec)
		dec.Reset(bytes.NewReader(data))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(&decoded); err != nil {
			return nil, core.Errorf(core.CodeCorruptData, "failed to decode msgpack body: %v", err)
		}
	case FormatBSON:
		var m bson.M
		if err := bson.Unmarshal(data, &m); err != nil {
			return nil, core.Errorf(core.CodeCorruptData, "failed to decode BSON body: %v", err)
		}
		decoded = fromBSON(m).(map[string]any)
	default:
		return nil, core.Errorf(core.CodeCorruptData, "unsupported body format: %s", f)
	}

	props, err := core.NormalizeProperties(decoded)
	if err != nil {
		return nil, core.Errorf(core.CodeCorruptData, "body: %v", err)
	}
	return props, nil
}

// fromBSON replaces the driver's container types with plain maps and slices.
func fromBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromBSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromBSON(item)
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
