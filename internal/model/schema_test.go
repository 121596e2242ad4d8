package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const invoiceSchemaJSON = `[
	{"type": "text", "name": "vendor", "required": true, "max_length": 200},
	{"type": "number", "name": "invoice_total", "currency": true},
	{"type": "date", "name": "invoice_date", "format": "2006-01-02"},
	{"type": "boolean", "name": "paid"},
	{"type": "table", "name": "line_items", "columns": [
		{"type": "text", "name": "description"},
		{"type": "number", "name": "amount"}
	]}
]`

func TestSchema_UnmarshalJSON_Variants(t *testing.T) {
	t.Parallel()

	var s Schema
	require.NoError(t, json.Unmarshal([]byte(invoiceSchemaJSON), &s))
	require.Len(t, s, 5)

	vendor, ok := s[0].(TextField)
	require.True(t, ok)
	assert.True(t, vendor.Required)
	assert.Equal(t, 200, vendor.MaxLength)

	total, ok := s[1].(NumberField)
	require.True(t, ok)
	assert.True(t, total.Currency)

	assert.IsType(t, DateField{}, s[2])
	assert.IsType(t, BooleanField{}, s[3])

	table, ok := s[4].(TableField)
	require.True(t, ok)
	assert.Equal(t, []string{"description", "amount"}, table.Columns.Names())

	assert.Equal(t, []string{"vendor", "invoice_total", "invoice_date", "paid", "line_items"}, s.Names())
}

func TestSchema_RoundTripKeepsTags(t *testing.T) {
	t.Parallel()

	var s Schema
	require.NoError(t, json.Unmarshal([]byte(invoiceSchemaJSON), &s))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"table"`)

	var again Schema
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, s, again)
}

func TestSchema_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		msg  string
	}{
		{"unknown type", `[{"type": "blob", "name": "x"}]`, "unknown type"},
		{"missing name", `[{"type": "text"}]`, "without name"},
		{"duplicate", `[{"type": "text", "name": "a"}, {"type": "number", "name": "a"}]`, "duplicate"},
		{"empty table", `[{"type": "table", "name": "rows"}]`, "no sub-fields"},
		{"nested table", `[{"type": "array_of_objects", "name": "a", "items": [
			{"type": "table", "name": "t", "columns": [{"type": "text", "name": "c"}]}
		]}]`, "must be scalar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var s Schema
			err := json.Unmarshal([]byte(tt.in), &s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestSchema_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	in := `
name: Receipt
fields:
  - type: text
    name: merchant
  - type: number
    name: payment_amount
    currency: true
  - type: array_of_objects
    name: items
    items:
      - type: text
        name: sku
`
	var tmpl Template
	require.NoError(t, yaml.Unmarshal([]byte(in), &tmpl))
	assert.Equal(t, "Receipt", tmpl.Name)
	require.Len(t, tmpl.Fields, 3)

	f, ok := tmpl.Fields.Field("payment_amount")
	require.True(t, ok)
	assert.Equal(t, KindNumber, f.Kind())

	_, ok = tmpl.Fields.Field("missing")
	assert.False(t, ok)
}

func TestTemplate_Threshold(t *testing.T) {
	t.Parallel()

	tmpl := &Template{Name: "Invoice"}
	assert.InDelta(t, 0.8, tmpl.Threshold(0.8), 0.0001)

	custom := 0.95
	tmpl.ConfidenceThreshold = &custom
	assert.InDelta(t, 0.95, tmpl.Threshold(0.8), 0.0001)

	var nilTmpl *Template
	assert.InDelta(t, 0.7, nilTmpl.Threshold(0.7), 0.0001)
}
