package search

import (
	"github.com/sells-group/docvault/internal/model"
)

// Projection builds the index document of an extraction from the effective
// value of each field, so verified corrections replace provider output.
// Values that read as numbers are also written under "num" for range
// filters and metric aggregations.
func Projection(e *model.Extraction, fields []model.ExtractedField) Document {
	values := make(map[string]string, len(fields))
	nums := make(map[string]float64)
	var text []string
	for i := range fields {
		v := fields[i].EffectiveValue()
		values[fields[i].FieldName] = v
		if v == "" {
			continue
		}
		text = append(text, v)
		if n, ok := ParseNumber(v); ok {
			nums[fields[i].FieldName] = n
		}
	}

	doc := Document{
		"extraction_id":    e.ID,
		"physical_file_id": e.PhysicalFileID,
		"template":         e.TemplateName,
		"file_name":        e.FileName,
		"organized_path":   e.OrganizedPath,
		"status":           string(e.Status),
		"fields":           values,
		"num":              nums,
		"text":             text,
	}
	if e.ProcessedAt != nil {
		doc["processed_at"] = e.ProcessedAt.UTC()
	}
	return doc
}
