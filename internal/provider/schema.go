package provider

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sells-group/docvault/internal/model"
)

// JSONSchema renders a template schema as a JSON Schema object, the form
// both extraction providers are prompted with.
func JSONSchema(s model.Schema) json.RawMessage {
	raw, _ := json.Marshal(objectSchema(s))
	return raw
}

func objectSchema(s model.Schema) map[string]any {
	props := make(map[string]any, len(s))
	var required []string
	for _, f := range s {
		props[f.FieldName()] = fieldSchema(f)
		if f.Spec().Required {
			required = append(required, f.FieldName())
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldSchema(f model.FieldSpec) map[string]any {
	out := map[string]any{}
	if d := f.Spec().Description; d != "" {
		out["description"] = d
	}
	switch v := f.(type) {
	case model.TextField:
		out["type"] = "string"
		if v.MaxLength > 0 {
			out["maxLength"] = v.MaxLength
		}
	case model.NumberField:
		out["type"] = "number"
		if v.Currency {
			out["description"] = strings.TrimSpace(v.Description + " (monetary amount)")
		}
	case model.DateField:
		out["type"] = "string"
		out["format"] = "date"
	case model.BooleanField:
		out["type"] = "boolean"
	case model.TableField:
		out["type"] = "array"
		out["items"] = objectSchema(v.Columns)
	case model.ArrayOfObjectsField:
		out["type"] = "array"
		out["items"] = objectSchema(v.Items)
	}
	return out
}

// stringValue flattens a decoded JSON value into the stored text form.
// Scalars are written plainly; tables and arrays keep their JSON encoding.
func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
