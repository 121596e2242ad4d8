package model

import (
	"encoding/json"
	"time"
)

// FilterOp is a comparison applied by a structured query filter.
type FilterOp string

// Filter operators understood by the search contract.
const (
	OpEq       FilterOp = "eq"
	OpNe       FilterOp = "ne"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
)

// StructuredQuery is the search-engine-neutral form of a question.
type StructuredQuery struct {
	Templates    []string           `json:"templates,omitempty"`
	Text         string             `json:"text,omitempty"`
	Filters      []QueryFilter      `json:"filters,omitempty"`
	Aggregations []QueryAggregation `json:"aggregations,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// QueryFilter restricts results on one logical field. After canonical
// expansion Fields holds the per-template field names to OR together.
type QueryFilter struct {
	Field     string            `json:"field"`
	Op        FilterOp          `json:"op"`
	Value     any               `json:"value"`
	Canonical string            `json:"canonical,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// QueryAggregation computes a metric over one logical field.
type QueryAggregation struct {
	Name      string            `json:"name"`
	Op        AggregationOp     `json:"op"`
	Field     string            `json:"field"`
	Canonical string            `json:"canonical,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// QueryPattern is a generalized structured-query skeleton reusable across
// questions of the same shape. Patterns never expire; a low SuccessRate
// takes them out of rotation.
type QueryPattern struct {
	ID           string          `json:"id"`
	Pattern      string          `json:"pattern"`
	TemplateName string          `json:"template_name"`
	Skeleton     json.RawMessage `json:"skeleton"`
	ParamTypes   []string        `json:"param_types"`
	UsageCount   int             `json:"usage_count"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
	SuccessRate  float64         `json:"success_rate"`
	LastUsedAt   *time.Time      `json:"last_used_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueryCacheEntry is an exact-match resolution keyed by a hash of the
// normalized text and bound parameters.
type QueryCacheEntry struct {
	ID           string            `json:"id"`
	CacheKey     string            `json:"cache_key"`
	QueryText    string            `json:"query_text"`
	Params       map[string]string `json:"params,omitempty"`
	Query        StructuredQuery   `json:"query"`
	PatternID    string            `json:"pattern_id,omitempty"`
	HitCount     int               `json:"hit_count"`
	LastAccessed time.Time         `json:"last_accessed"`
	ExpiresAt    time.Time         `json:"expires_at"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Expired reports whether the entry is no longer authoritative at now.
func (e *QueryCacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
