package synckit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

func intPtr(n int) *int { return &n }

func TestTransform(t *testing.T) {
	tests := []struct {
		name string
		in   Data
		tr   Transformation
		want Data
	}{
		{
			name: "currency default code",
			in:   Data{"price": 19.9},
			tr:   Transformation{Type: TransformFormat, Field: "price", Format: FormatCurrency},
			want: Data{"price": "USD 19.90"},
		},
		{
			name: "currency into target",
			in:   Data{"price": "5"},
			tr:   Transformation{Type: TransformFormat, Field: "price", Target: "display", Format: FormatCurrency, Currency: "EUR"},
			want: Data{"price": "5", "display": "EUR 5.00"},
		},
		{
			name: "map known value",
			in:   Data{"condition": "new"},
			tr:   Transformation{Type: TransformMap, Field: "condition", Mapping: map[string]any{"new": "NewCondition"}},
			want: Data{"condition": "NewCondition"},
		},
		{
			name: "map unknown value untouched",
			in:   Data{"condition": "refurb"},
			tr:   Transformation{Type: TransformMap, Field: "condition", Mapping: map[string]any{"new": "NewCondition"}},
			want: Data{"condition": "refurb"},
		},
		{
			name: "map numeric key",
			in:   Data{"category": float64(12)},
			tr:   Transformation{Type: TransformMap, Field: "category", Mapping: map[string]any{"12": "toys"}},
			want: Data{"category": "toys"},
		},
		{
			name: "default fills missing",
			in:   Data{},
			tr:   Transformation{Type: TransformDefault, Field: "stock", Value: 0},
			want: Data{"stock": 0},
		},
		{
			name: "default fills empty string",
			in:   Data{"brand": ""},
			tr:   Transformation{Type: TransformDefault, Field: "brand", Value: "generic"},
			want: Data{"brand": "generic"},
		},
		{
			name: "default keeps value",
			in:   Data{"brand": "acme"},
			tr:   Transformation{Type: TransformDefault, Field: "brand", Value: "generic"},
			want: Data{"brand": "acme"},
		},
		{
			name: "calculate nested",
			in:   Data{"pricing": map[string]any{"cost": 10.0, "markup": 1.5}},
			tr:   Transformation{Type: TransformCalculate, Field: "pricing.retail", Expression: "{pricing.cost} * {pricing.markup}"},
			want: Data{"pricing": map[string]any{"cost": 10.0, "markup": 1.5, "retail": 15.0}},
		},
		{
			name: "date from string",
			in:   Data{"listed": "2024-03-01 10:30:00"},
			tr:   Transformation{Type: TransformFormat, Field: "listed", Format: FormatDate},
			want: Data{"listed": "2024-03-01T10:30:00Z"},
		},
		{
			name: "date with layout",
			in:   Data{"listed": "2024-03-01T10:30:00Z"},
			tr:   Transformation{Type: TransformFormat, Field: "listed", Format: FormatDate, Layout: "2006-01-02"},
			want: Data{"listed": "2024-03-01"},
		},
		{
			name: "number precision",
			in:   Data{"weight": "1.23456"},
			tr:   Transformation{Type: TransformFormat, Field: "weight", Format: FormatNumber, Precision: intPtr(2)},
			want: Data{"weight": 1.23},
		},
		{
			name: "lowercase",
			in:   Data{"sku": "AB-12"},
			tr:   Transformation{Type: TransformFormat, Field: "sku", Format: FormatLowercase},
			want: Data{"sku": "ab-12"},
		},
		{
			name: "missing field is skipped",
			in:   Data{"other": 1},
			tr:   Transformation{Type: TransformFormat, Field: "price", Format: FormatCurrency},
			want: Data{"other": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.tr.Validate())
			got, err := Transform(tt.in, []Transformation{tt.tr})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransform_DoesNotMutateInput(t *testing.T) {
	in := Data{"title": "lamp", "pricing": map[string]any{"cost": 4}}
	out, err := Transform(in, []Transformation{
		{Type: TransformFormat, Field: "title", Format: FormatUppercase},
		{Type: TransformCalculate, Field: "pricing.cost", Expression: "{pricing.cost} + 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "LAMP", out["title"])
	assert.Equal(t, 5.0, out["pricing"].(map[string]any)["cost"])
	assert.Equal(t, Data{"title": "lamp", "pricing": map[string]any{"cost": 4}}, in)
}

func TestTransform_Errors(t *testing.T) {
	tests := map[string]Transformation{
		"not a number":  {Type: TransformFormat, Field: "price", Format: FormatCurrency},
		"not a date":    {Type: TransformFormat, Field: "price", Format: FormatDate},
		"missing field": {Type: TransformCalculate, Field: "total", Expression: "{qty} * 2"},
		"division":      {Type: TransformCalculate, Field: "total", Expression: "1 / 0"},
	}
	for name, tr := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Transform(Data{"price": "cheap"}, []Transformation{tr})
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindRuleEvaluation))
		})
	}
}

func TestTransformation_Validate(t *testing.T) {
	bad := map[string]Transformation{
		"unknown type":     {Type: "explode", Field: "x"},
		"empty mapping":    {Type: TransformMap, Field: "x"},
		"unknown format":   {Type: TransformFormat, Field: "x", Format: "roman"},
		"unknown currency": {Type: TransformFormat, Field: "x", Format: FormatCurrency, Currency: "XYZW"},
		"no field":         {Type: TransformDefault, Value: 1},
		"bad expression":   {Type: TransformCalculate, Field: "x", Expression: "{a} +* 2"},
	}
	for name, tr := range bad {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, tr.Validate())
		})
	}
}
