package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestEvaluator(t *testing.T) {
	data := decode(t, `{"count": 2, "items": [10, 11], "city": {"name": "Kyiv", "id": 10}, "price": 1250.5}`)
	e := NewEvaluator()

	tests := []struct {
		name string
		expr string
		want string
	}{
		{name: "string", expr: "city.name", want: "Kyiv"},
		{name: "whole number", expr: "city.id", want: "10"},
		{name: "fraction", expr: "price", want: "1250.5"},
		{name: "missing", expr: "city.region", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateString(tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	items, err := e.EvaluateSlice("items", data)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	single, err := e.EvaluateSlice("count", data)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2)}, single)

	none, err := e.EvaluateSlice("nothing", data)
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.Error(t, e.Validate("items[?"))
	_, err = e.Evaluate("items[?", data)
	assert.Error(t, err)
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: nil, want: ""},
		{in: "Київ", want: "Київ"},
		{in: float64(33761034), want: "33761034"},
		{in: 61.5, want: "61.5"},
		{in: int64(7), want: "7"},
		{in: true, want: "true"},
		{in: json.Number("12"), want: "12"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stringify(tt.in))
	}
}
