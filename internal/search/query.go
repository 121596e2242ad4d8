// Package search builds query documents for the external search engine and
// projects extractions into its index. The engine itself is a black box; only
// the documents sent to it are defined here.
package search

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/docvault/internal/model"
)

// Document is a JSON document in the engine's bool/aggregation dialect.
type Document map[string]any

const defaultSize = 20

// Build converts a structured query into a search document. Canonical
// filters become one OR group across templates; canonical aggregations
// become one filtered sub-aggregation per template, named
// "<aggregation>__<template>".
func Build(q model.StructuredQuery) Document {
	var must, filter []any

	if q.Text != "" {
		must = append(must, Document{"multi_match": Document{
			"query":  q.Text,
			"fields": []string{"text", "fields.*"},
		}})
	}
	if len(q.Templates) > 0 {
		filter = append(filter, Document{"terms": Document{"template": q.Templates}})
	}
	for _, f := range q.Filters {
		if len(f.Fields) == 0 {
			filter = append(filter, clause(f.Field, f.Op, f.Value))
			continue
		}
		var should []any
		for _, tmpl := range sortedKeys(f.Fields) {
			should = append(should, Document{"bool": Document{"filter": []any{
				Document{"term": Document{"template": tmpl}},
				clause(f.Fields[tmpl], f.Op, f.Value),
			}}})
		}
		filter = append(filter, Document{"bool": Document{
			"should":               should,
			"minimum_should_match": 1,
		}})
	}

	boolQ := Document{}
	if len(must) > 0 {
		boolQ["must"] = must
	}
	if len(filter) > 0 {
		boolQ["filter"] = filter
	}

	size := q.Limit
	if size <= 0 {
		size = defaultSize
	}
	doc := Document{"size": size}
	if len(boolQ) == 0 {
		doc["query"] = Document{"match_all": Document{}}
	} else {
		doc["query"] = Document{"bool": boolQ}
	}

	if len(q.Aggregations) > 0 {
		aggs := Document{}
		for _, a := range q.Aggregations {
			name := a.Name
			if name == "" {
				name = string(a.Op) + "_" + firstNonEmpty(a.Canonical, a.Field)
			}
			if len(a.Fields) == 0 {
				aggs[name] = metric(a.Op, a.Field)
				continue
			}
			for _, tmpl := range sortedKeys(a.Fields) {
				aggs[name+"__"+tmpl] = Document{
					"filter": Document{"term": Document{"template": tmpl}},
					"aggs":   Document{"value": metric(a.Op, a.Fields[tmpl])},
				}
			}
		}
		doc["aggs"] = aggs
	}
	return doc
}

func clause(field string, op model.FilterOp, value any) Document {
	num, isNum := numeric(value)
	path := "fields." + field
	var v any = stringValue(value)
	if isNum {
		path = "num." + field
		v = num
	}

	switch op {
	case model.OpNe:
		return Document{"bool": Document{"must_not": []any{
			Document{"term": Document{path: v}},
		}}}
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		return Document{"range": Document{path: Document{string(op): v}}}
	case model.OpContains:
		return Document{"match": Document{"fields." + field: stringValue(value)}}
	default:
		return Document{"term": Document{path: v}}
	}
}

func metric(op model.AggregationOp, field string) Document {
	switch op {
	case model.AggregateSum, model.AggregateAvg:
		return Document{string(op): Document{"field": "num." + field}}
	case model.AggregateCount:
		return Document{"value_count": Document{"field": "fields." + field}}
	default:
		return Document{"terms": Document{"field": "fields." + field}}
	}
}

// numeric reports whether a filter value should be compared as a number.
// Strings count only when they parse as an amount.
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		return ParseNumber(t)
	}
	return 0, false
}

// ParseNumber reads a monetary or plain number, tolerating currency symbols,
// thousands separators and surrounding spaces.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '$', '€', '£', ',', ' ':
			return -1
		}
		return r
	}, s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
