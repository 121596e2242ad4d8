// Package canonical expands business terms such as "revenue" into the
// per-template field names that hold them.
package canonical

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

// Expansion is the resolved form of a canonical term.
type Expansion struct {
	Canonical   string              `json:"canonical"`
	Fields      map[string]string   `json:"fields"`
	Aggregation model.AggregationOp `json:"aggregation"`
}

// Detection is a canonical term found in free text.
type Detection struct {
	Term      string `json:"term"`
	Expansion `json:"expansion"`
}

// Mapper resolves canonical names and aliases. Only active mappings and
// aliases are considered.
type Mapper struct {
	st store.CanonicalStore
}

// New creates a Mapper.
func New(st store.CanonicalStore) *Mapper {
	return &Mapper{st: st}
}

// Fold normalizes text for comparison: NFKC, Unicode case folding, and
// collapsed whitespace.
func Fold(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

// Expand returns the mapping for term, or nil when term is not a known
// canonical name or alias. Absence is never an error.
func (m *Mapper) Expand(ctx context.Context, term string) (*Expansion, error) {
	t := Fold(term)
	if t == "" {
		return nil, nil
	}
	found, err := m.st.FindCanonical(ctx, t)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return expansion(found), nil
	}

	// The store compares with SQL lower(), which misses non-ASCII folds.
	all, err := m.st.ListCanonicalMappings(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range all {
		for _, name := range names(&all[i]) {
			if Fold(name) == t {
				return expansion(&all[i]), nil
			}
		}
	}
	return nil, nil
}

// Detect finds canonical terms in text, longest match first, as whole words.
// Overlapping matches are dropped in favor of the longer term.
func (m *Mapper) Detect(ctx context.Context, text string) ([]Detection, error) {
	all, err := m.st.ListCanonicalMappings(ctx, true)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		term    string
		mapping *model.CanonicalFieldMapping
	}
	var cands []candidate
	for i := range all {
		for _, name := range names(&all[i]) {
			if f := Fold(name); f != "" {
				cands = append(cands, candidate{term: f, mapping: &all[i]})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return len(cands[i].term) > len(cands[j].term) })

	folded := Fold(text)
	used := make([]bool, len(folded))
	seen := map[string]bool{}
	var out []Detection
	for _, c := range cands {
		at := wordIndex(folded, c.term, used)
		if at < 0 {
			continue
		}
		for i := at; i < at+len(c.term); i++ {
			used[i] = true
		}
		if seen[c.mapping.ID] {
			continue
		}
		seen[c.mapping.ID] = true
		out = append(out, Detection{Term: c.term, Expansion: *expansion(c.mapping)})
	}
	return out, nil
}

// wordIndex finds term in s on word boundaries, skipping spans already used.
func wordIndex(s, term string, used []bool) int {
	from := 0
	for from <= len(s)-len(term) {
		i := strings.Index(s[from:], term)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(term)
		if boundary(s, i-1) && boundary(s, end) && !anyUsed(used[i:end]) {
			return i
		}
		from = i + 1
	}
	return -1
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

func anyUsed(span []bool) bool {
	for _, u := range span {
		if u {
			return true
		}
	}
	return false
}

// Rewrite fills in the per-template fields of every filter and aggregation
// that names a canonical term, and defaults aggregation operators from the
// mapping. References that are not canonical are left untouched. It reports
// how many references were expanded.
func (m *Mapper) Rewrite(ctx context.Context, q *model.StructuredQuery) (int, error) {
	memo := map[string]*Expansion{}
	lookup := func(term string) (*Expansion, error) {
		if e, ok := memo[term]; ok {
			return e, nil
		}
		e, err := m.Expand(ctx, term)
		if err != nil {
			return nil, err
		}
		memo[term] = e
		return e, nil
	}

	n := 0
	for i := range q.Filters {
		f := &q.Filters[i]
		exp, err := lookup(firstNonEmpty(f.Canonical, f.Field))
		if err != nil {
			return n, err
		}
		if exp == nil {
			continue
		}
		f.Canonical = exp.Canonical
		f.Fields = restrict(exp.Fields, q.Templates)
		if f.Op == "" {
			f.Op = model.OpEq
		}
		n++
	}
	for i := range q.Aggregations {
		a := &q.Aggregations[i]
		exp, err := lookup(firstNonEmpty(a.Canonical, a.Field))
		if err != nil {
			return n, err
		}
		if exp == nil {
			continue
		}
		a.Canonical = exp.Canonical
		a.Fields = restrict(exp.Fields, q.Templates)
		if a.Op == "" {
			a.Op = exp.Aggregation
		}
		n++
	}
	return n, nil
}

// RewriteQuestion rewrites q like Rewrite, then expands references the
// generator made to a concrete per-template field when the question itself
// names the canonical term that field belongs to. It returns the terms
// detected in question.
func (m *Mapper) RewriteQuestion(ctx context.Context, question string, q *model.StructuredQuery) ([]Detection, error) {
	if _, err := m.Rewrite(ctx, q); err != nil {
		return nil, err
	}
	found, err := m.Detect(ctx, question)
	if err != nil || len(found) == 0 {
		return found, err
	}

	for i := range q.Filters {
		f := &q.Filters[i]
		if f.Canonical != "" {
			continue
		}
		if d := owner(found, f.Field); d != nil {
			f.Canonical = d.Canonical
			f.Fields = restrict(d.Fields, q.Templates)
		}
	}
	for i := range q.Aggregations {
		a := &q.Aggregations[i]
		if a.Canonical != "" {
			continue
		}
		if d := owner(found, a.Field); d != nil {
			a.Canonical = d.Canonical
			a.Fields = restrict(d.Fields, q.Templates)
			if a.Op == "" {
				a.Op = d.Aggregation
			}
		}
	}
	return found, nil
}

// owner returns the only detection mapping some template's field to field.
func owner(found []Detection, field string) *Detection {
	if field == "" {
		return nil
	}
	var match *Detection
	for i := range found {
		for _, f := range found[i].Fields {
			if !strings.EqualFold(f, field) {
				continue
			}
			if match != nil && match != &found[i] {
				return nil
			}
			match = &found[i]
		}
	}
	return match
}

// restrict keeps only the templates a query is limited to. A query with no
// template restriction, or one that shares no template with the mapping,
// keeps the full mapping.
func restrict(fields map[string]string, templates []string) map[string]string {
	if len(templates) == 0 {
		return fields
	}
	out := map[string]string{}
	for _, t := range templates {
		for tmpl, field := range fields {
			if strings.EqualFold(tmpl, t) {
				out[tmpl] = field
			}
		}
	}
	if len(out) == 0 {
		return fields
	}
	return out
}

func names(m *model.CanonicalFieldMapping) []string {
	out := []string{m.CanonicalName}
	for _, a := range m.Aliases {
		if a.IsActive {
			out = append(out, a.Alias)
		}
	}
	return out
}

func expansion(m *model.CanonicalFieldMapping) *Expansion {
	fields := make(map[string]string, len(m.FieldMappings))
	for k, v := range m.FieldMappings {
		fields[k] = v
	}
	agg := m.Aggregation
	if !agg.Valid() {
		agg = model.AggregateSum
	}
	return &Expansion{Canonical: m.CanonicalName, Fields: fields, Aggregation: agg}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
