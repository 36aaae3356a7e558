// Package utils holds conversions between Go structs and the generic
// property trees stored as document bodies.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// StructToMap converts a Go struct into a map[string]any property tree.
//
// The input is marshaled to JSON, which respects `json:"tag"` annotations and
// `omitempty`, and then decoded back into a map. Nested structs become nested
// maps and slices become []any. Numbers are decoded as json.Number so that
// integers survive the round trip without being widened to float64; callers
// that store the result normalize json.Number into int64 or float64.
//
// The input `record` must be a struct or a pointer to a struct. If `record` is
// nil, or not a struct/pointer to a struct, an error is returned.
//
// Example:
//
//	type Address struct {
//		City string `json:"city"`
//	}
//	type Person struct {
//		Name    string  `json:"name"`
//		Age     int     `json:"age"`
//		Address Address `json:"address"`
//	}
//	m, err := StructToMap(Person{Name: "Ama", Age: 30, Address: Address{City: "Accra"}})
//	// m == map[string]any{"name": "Ama", "age": json.Number("30"),
//	//                     "address": map[string]any{"city": "Accra"}}
func StructToMap(record any) (map[string]any, error) {
	val := reflect.ValueOf(record)

	if !val.IsValid() {
		return nil, fmt.Errorf("StructToMap: input record cannot be nil")
	}

	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("StructToMap: input record cannot be a nil pointer to a struct")
		}
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("StructToMap: input record must be a struct or a pointer to a struct, got %s", val.Kind())
	}

	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("StructToMap: failed to marshal input record to JSON: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	var result map[string]any
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("StructToMap: failed to unmarshal JSON to map[string]any: %w", err)
	}

	return result, nil
}

// MapToStruct is the inverse of StructToMap: it fills the struct pointed to
// by `out` from the property tree `input`.
//
// `out` must be a non-nil pointer to a struct. Fields are matched the way
// encoding/json matches them, so the same tags work in both directions.
//
// Example:
//
//	var p Person
//	err := MapToStruct(map[string]any{"name": "Ama", "age": int64(30)}, &p)
//	// p == Person{Name: "Ama", Age: 30}
func MapToStruct(input map[string]any, out any) error {
	if input == nil {
		return fmt.Errorf("MapToStruct: input map cannot be nil")
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("MapToStruct: output must be a non-nil pointer, got %T", out)
	}
	if rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("MapToStruct: output must point to a struct, got %s", rv.Elem().Kind())
	}

	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("MapToStruct: failed to marshal input map to JSON: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, out); err != nil {
		return fmt.Errorf("MapToStruct: failed to unmarshal JSON to target struct: %w", err)
	}

	return nil
}

// Decode is the generic form of MapToStruct.
func Decode[T any](input map[string]any) (T, error) {
	var result T
	if err := MapToStruct(input, &result); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
