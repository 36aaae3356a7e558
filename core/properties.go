package core

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Properties is the body of a document: a tree of maps, slices and scalars.
// After normalization the only leaf types are string, bool, int64, float64
// and nil, maps are map[string]any and arrays are []any.
type Properties map[string]any

// NormalizeProperties returns a deep, normalized copy of m.
func NormalizeProperties(m map[string]any) (Properties, error) {
	if m == nil {
		return Properties{}, nil
	}
	out := make(Properties, len(m))
	for k, v := range m {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue converts v into the canonical property-tree representation.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return uintValue(uint64(val)), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return uintValue(val), nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		return f, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case Properties:
		return NormalizeProperties(val)
	case map[string]any:
		p, err := NormalizeProperties(val)
		if err != nil {
			return nil, err
		}
		return map[string]any(p), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := NormalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func uintValue(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return NormalizeValue(rv.Elem().Interface())
	case reflect.Map:
		keyKind := rv.Type().Key().Kind()
		if keyKind != reflect.String && keyKind != reflect.Interface {
			return nil, fmt.Errorf("unsupported map key type %v", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key()
			if k.Kind() == reflect.Interface {
				k = k.Elem()
			}
			if k.Kind() != reflect.String {
				return nil, fmt.Errorf("unsupported map key %v", iter.Key().Interface())
			}
			nv, err := NormalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k.String(), err)
			}
			out[k.String()] = nv
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := NormalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintValue(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, fmt.Errorf("unsupported property type %T", rv.Interface())
}

// Clone returns a deep copy. Normalized trees only contain immutable leaves,
// so copying the containers is enough.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	return Properties(cloneMap(p))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Properties:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ToFloat64 converts numeric values (and numeric strings) to float64.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
