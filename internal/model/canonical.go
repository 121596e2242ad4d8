package model

import "time"

// AggregationOp is the operator applied across templates for a canonical field.
type AggregationOp string

// Supported aggregation operators.
const (
	AggregateSum   AggregationOp = "sum"
	AggregateAvg   AggregationOp = "avg"
	AggregateCount AggregationOp = "count"
	AggregateTerms AggregationOp = "terms"
)

// Valid reports whether op is a supported aggregation.
func (op AggregationOp) Valid() bool {
	switch op {
	case AggregateSum, AggregateAvg, AggregateCount, AggregateTerms:
		return true
	}
	return false
}

// CanonicalFieldMapping maps a business concept to per-template field names.
// Mappings are never physically removed; IsActive retires them.
type CanonicalFieldMapping struct {
	ID            string            `json:"id"`
	CanonicalName string            `json:"canonical_name"`
	Description   string            `json:"description,omitempty"`
	FieldMappings map[string]string `json:"field_mappings"`
	Aggregation   AggregationOp     `json:"aggregation"`
	IsActive      bool              `json:"is_active"`
	Aliases       []CanonicalAlias  `json:"aliases,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CanonicalAlias is an alternate spelling of a canonical name.
type CanonicalAlias struct {
	ID        string    `json:"id"`
	MappingID string    `json:"mapping_id"`
	Alias     string    `json:"alias"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
