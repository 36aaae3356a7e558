package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type address struct {
	City string `json:"city"`
}

type record struct {
	Name    string  `json:"name"`
	Age     int     `json:"age"`
	Email   string  `json:"email,omitempty"`
	Address address `json:"address"`
}

func TestStructToMap(t *testing.T) {
	m, err := StructToMap(record{Name: "Ama", Age: 30, Address: address{City: "Accra"}})
	require.NoError(t, err)

	assert.Equal(t, "Ama", m["name"])
	assert.Equal(t, json.Number("30"), m["age"])
	assert.Equal(t, map[string]any{"city": "Accra"}, m["address"])
	assert.NotContains(t, m, "email")

	ptr, err := StructToMap(&record{Name: "Kofi"})
	require.NoError(t, err)
	assert.Equal(t, "Kofi", ptr["name"])
}

func TestStructToMapRejectsNonStructs(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"nil", nil},
		{"nil pointer", (*record)(nil)},
		{"int", 5},
		{"map", map[string]any{"a": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := StructToMap(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestMapToStruct(t *testing.T) {
	var r record
	err := MapToStruct(map[string]any{
		"name":    "Esi",
		"age":     int64(22),
		"address": map[string]any{"city": "Kumasi"},
	}, &r)
	require.NoError(t, err)
	assert.Equal(t, record{Name: "Esi", Age: 22, Address: address{City: "Kumasi"}}, r)

	assert.Error(t, MapToStruct(nil, &r))
	assert.Error(t, MapToStruct(map[string]any{}, r))
	var n int
	assert.Error(t, MapToStruct(map[string]any{}, &n))
	assert.Error(t, MapToStruct(map[string]any{"age": "old"}, &r))
}

func TestDecode(t *testing.T) {
	r, err := Decode[record](map[string]any{"name": "Yaw"})
	require.NoError(t, err)
	assert.Equal(t, "Yaw", r.Name)
}
