package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FieldKind is the discriminator tag of a schema field variant.
type FieldKind string

// Known field variants.
const (
	KindText           FieldKind = "text"
	KindNumber         FieldKind = "number"
	KindDate           FieldKind = "date"
	KindBoolean        FieldKind = "boolean"
	KindTable          FieldKind = "table"
	KindArrayOfObjects FieldKind = "array_of_objects"
)

func (k FieldKind) scalar() bool {
	switch k {
	case KindText, KindNumber, KindDate, KindBoolean:
		return true
	}
	return false
}

// FieldSpec is one variant of a template field definition. The set of
// implementations is closed: TextField, NumberField, DateField, BooleanField,
// TableField and ArrayOfObjectsField.
type FieldSpec interface {
	FieldName() string
	Kind() FieldKind
	Spec() FieldBase
}

// FieldBase carries the attributes common to every variant.
type FieldBase struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

func (b FieldBase) FieldName() string { return b.Name }
func (b FieldBase) Spec() FieldBase   { return b }

// TextField is a free-text value.
type TextField struct {
	FieldBase
	MaxLength int
}

// NumberField is a numeric value; Currency marks monetary amounts.
type NumberField struct {
	FieldBase
	Currency bool
}

// DateField is a calendar date; Format is a Go reference layout hint.
type DateField struct {
	FieldBase
	Format string
}

// BooleanField is a yes/no value.
type BooleanField struct {
	FieldBase
}

// TableField is a tabular value whose columns are scalar fields.
type TableField struct {
	FieldBase
	Columns Schema
}

// ArrayOfObjectsField is a list of records whose attributes are scalar fields.
type ArrayOfObjectsField struct {
	FieldBase
	Items Schema
}

func (TextField) Kind() FieldKind           { return KindText }
func (NumberField) Kind() FieldKind         { return KindNumber }
func (DateField) Kind() FieldKind           { return KindDate }
func (BooleanField) Kind() FieldKind        { return KindBoolean }
func (TableField) Kind() FieldKind          { return KindTable }
func (ArrayOfObjectsField) Kind() FieldKind { return KindArrayOfObjects }

// Schema is the ordered list of fields a template extracts.
type Schema []FieldSpec

// fieldWire is the JSON shape of every variant, discriminated by Type.
type fieldWire struct {
	Type        FieldKind `json:"type" yaml:"type"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Required    bool      `json:"required,omitempty" yaml:"required"`
	MaxLength   int       `json:"max_length,omitempty" yaml:"max_length"`
	Currency    bool      `json:"currency,omitempty" yaml:"currency"`
	Format      string    `json:"format,omitempty" yaml:"format"`
	Columns     Schema    `json:"columns,omitempty" yaml:"columns"`
	Items       Schema    `json:"items,omitempty" yaml:"items"`
}

// MarshalJSON encodes the schema with a "type" tag on every field.
func (s Schema) MarshalJSON() ([]byte, error) {
	out := make([]fieldWire, 0, len(s))
	for _, f := range s {
		w := fieldWire{Type: f.Kind()}
		base := f.Spec()
		w.Name, w.Description, w.Required = base.Name, base.Description, base.Required
		switch v := f.(type) {
		case TextField:
			w.MaxLength = v.MaxLength
		case NumberField:
			w.Currency = v.Currency
		case DateField:
			w.Format = v.Format
		case TableField:
			w.Columns = v.Columns
		case ArrayOfObjectsField:
			w.Items = v.Items
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged fields into their variants and validates them.
// Unknown tags are rejected here rather than trusted downstream.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var wires []fieldWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return eris.Wrap(err, "schema: decode")
	}
	out, err := fromWires(wires)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

// UnmarshalYAML decodes a seed-file schema with the same rules as JSON.
func (s *Schema) UnmarshalYAML(value *yaml.Node) error {
	var wires []fieldWire
	if err := value.Decode(&wires); err != nil {
		return eris.Wrap(err, "schema: decode yaml")
	}
	out, err := fromWires(wires)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

func fromWires(wires []fieldWire) (Schema, error) {
	out := make(Schema, 0, len(wires))
	for _, w := range wires {
		base := FieldBase{Name: w.Name, Description: w.Description, Required: w.Required}
		switch w.Type {
		case KindText:
			out = append(out, TextField{FieldBase: base, MaxLength: w.MaxLength})
		case KindNumber:
			out = append(out, NumberField{FieldBase: base, Currency: w.Currency})
		case KindDate:
			out = append(out, DateField{FieldBase: base, Format: w.Format})
		case KindBoolean:
			out = append(out, BooleanField{FieldBase: base})
		case KindTable:
			out = append(out, TableField{FieldBase: base, Columns: w.Columns})
		case KindArrayOfObjects:
			out = append(out, ArrayOfObjectsField{FieldBase: base, Items: w.Items})
		default:
			return nil, eris.Errorf("schema: field %q has unknown type %q", w.Name, w.Type)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks names are present and unique and that nested fields are
// scalar.
func (s Schema) Validate() error {
	return s.validate(false)
}

func (s Schema) validate(nested bool) error {
	seen := make(map[string]bool, len(s))
	for _, f := range s {
		name := f.FieldName()
		if name == "" {
			return eris.New("schema: field without name")
		}
		if seen[name] {
			return eris.Errorf("schema: duplicate field %q", name)
		}
		seen[name] = true

		if nested && !f.Kind().scalar() {
			return eris.Errorf("schema: nested field %q must be scalar, got %s", name, f.Kind())
		}
		var children Schema
		switch v := f.(type) {
		case TableField:
			children = v.Columns
		case ArrayOfObjectsField:
			children = v.Items
		default:
			continue
		}
		if len(children) == 0 {
			return eris.Errorf("schema: %s field %q has no sub-fields", f.Kind(), name)
		}
		if err := children.validate(true); err != nil {
			return eris.Wrapf(err, "schema: field %q", name)
		}
	}
	return nil
}

// Names returns the top-level field names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.FieldName()
	}
	return names
}

// Field returns the FieldSpec with the given name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s {
		if f.FieldName() == name {
			return f, true
		}
	}
	return nil, false
}

// Template is a named schema describing what to extract from a document.
type Template struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Fields              Schema    `json:"fields"`
	ConfidenceThreshold *float64  `json:"confidence_threshold,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Threshold resolves the confidence threshold for this template, falling back
// to the global value.
func (t *Template) Threshold(global float64) float64 {
	if t != nil && t.ConfidenceThreshold != nil {
		return *t.ConfidenceThreshold
	}
	return global
}
