package query

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/docvault/internal/canonical"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/search"
)

// Placeholder types of generalized literals.
const (
	ParamMoney  = "money"
	ParamDate   = "date"
	ParamYear   = "year"
	ParamNumber = "num"
	ParamString = "str"
)

// Param is one literal lifted out of a question.
type Param struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Alternatives are tried left to right at each position, so quoted strings
// and currency win over bare numbers.
var literalRe = regexp.MustCompile(
	`"[^"]*"|“[^”]*”` +
		`|[$€£]\s?\d[\d,]*(?:\.\d+)?` +
		`|\b\d{4}-\d{2}-\d{2}\b` +
		`|\b\d{1,2}/\d{1,2}/\d{2,4}\b` +
		`|\b\d[\d,]*(?:\.\d+)?\b`,
)

var yearRe = regexp.MustCompile(`^(?:19|20)\d{2}$`)

// Generalize replaces the literals of text with typed placeholders and
// returns the normalized pattern with the literals in order of appearance.
// Questions that differ only in their literals share a pattern.
func Generalize(text string) (string, []Param) {
	s := norm.NFKC.String(text)
	var b strings.Builder
	var params []Param
	last := 0
	for _, loc := range literalRe.FindAllStringIndex(s, -1) {
		b.WriteString(s[last:loc[0]])
		p := classify(s[loc[0]:loc[1]])
		b.WriteString("{" + p.Type + "}")
		params = append(params, p)
		last = loc[1]
	}
	b.WriteString(s[last:])
	return normalize(b.String()), params
}

func classify(lit string) Param {
	switch {
	case strings.HasPrefix(lit, `"`) || strings.HasPrefix(lit, "“"):
		return Param{Type: ParamString, Value: strings.Trim(lit, `"“”`)}
	case strings.IndexAny(lit, "$€£") == 0:
		return Param{Type: ParamMoney, Value: numberText(lit)}
	case strings.ContainsAny(lit, "-/"):
		return Param{Type: ParamDate, Value: lit}
	case yearRe.MatchString(lit):
		return Param{Type: ParamYear, Value: lit}
	default:
		return Param{Type: ParamNumber, Value: numberText(lit)}
	}
}

func numberText(lit string) string {
	if f, ok := search.ParseNumber(lit); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return lit
}

// normalize folds case and width, collapses whitespace and drops trailing
// punctuation.
func normalize(s string) string {
	return strings.TrimRight(canonical.Fold(s), "?.! ")
}

// CacheKey hashes the normalized text with the bound parameters. Parameter
// order does not matter.
func CacheKey(text string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(normalize(text)))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{'\n'})
		h.Write([]byte(k + "=" + params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParamTypes lists the placeholder types of params in order.
func ParamTypes(params []Param) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = p.Type
	}
	return out
}

// DetectTemplate returns the template a question is about, matching names
// and simple plurals as whole words, longest name first. It returns "" when
// no template is named.
func DetectTemplate(text string, templates []model.Template) string {
	folded := canonical.Fold(text)
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	for _, name := range names {
		n := canonical.Fold(name)
		if n == "" {
			continue
		}
		for _, form := range []string{n, n + "s", n + "es"} {
			if containsWord(folded, form) {
				return name
			}
		}
	}
	return ""
}

func containsWord(s, w string) bool {
	re, err := regexp.Compile(`(^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(w) + `($|[^\p{L}\p{N}_])`)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func marker(i int) string { return "{{" + strconv.Itoa(i) + "}}" }

// numMarker stands for a literal that binds back to a number.
func numMarker(i int) string { return "{{#" + strconv.Itoa(i) + "}}" }

var markerRe = regexp.MustCompile(`\{\{(#?)(\d+)\}\}`)

func numeric(p Param) bool {
	return p.Type == ParamMoney || p.Type == ParamNumber || p.Type == ParamYear
}

// Skeleton is a structured query whose literals are positional markers.
// LimitParam is the index of the literal bound to Limit, if any.
type Skeleton struct {
	model.StructuredQuery
	LimitParam *int `json:"limit_param,omitempty"`
}

// Skeletonize replaces the question's literals inside q with positional
// markers so the query can be re-bound to new literals. Numeric filter
// values and the limit equal to a numeric literal become whole markers;
// strings have literal substrings replaced. Every literal must end up in the
// skeleton, otherwise re-binding would keep this question's values and an
// error is returned.
func Skeletonize(q model.StructuredQuery, params []Param) (Skeleton, error) {
	out := Skeleton{StructuredQuery: cloneQuery(q)}
	used := make([]bool, len(params))

	out.Text = templateString(out.Text, params, used)
	for i := range out.Filters {
		f := &out.Filters[i]
		switch v := f.Value.(type) {
		case string:
			f.Value = templateString(v, params, used)
		case float64:
			if j := numericParam(v, params); j >= 0 {
				f.Value = numMarker(j)
				used[j] = true
			}
		}
	}
	for i := range out.Aggregations {
		out.Aggregations[i].Name = templateString(out.Aggregations[i].Name, params, used)
	}
	if out.Limit > 0 {
		if j := numericParam(float64(out.Limit), params); j >= 0 {
			out.LimitParam = &j
			out.Limit = 0
			used[j] = true
		}
	}

	for j, ok := range used {
		if !ok {
			return Skeleton{}, eris.Errorf("query: literal %q of type %s does not appear in the query", params[j].Value, params[j].Type)
		}
	}
	return out, nil
}

func numericParam(v float64, params []Param) int {
	for j, p := range params {
		if !numeric(p) {
			continue
		}
		if n, err := strconv.ParseFloat(p.Value, 64); err == nil && n == v {
			return j
		}
	}
	return -1
}

func templateString(s string, params []Param, used []bool) string {
	if s == "" {
		return s
	}
	for j, p := range params {
		if s == p.Value {
			used[j] = true
			return marker(j)
		}
	}
	for j, p := range params {
		if p.Type == ParamMoney || p.Type == ParamNumber || len(p.Value) < 3 {
			continue
		}
		if strings.Contains(s, p.Value) {
			s = strings.ReplaceAll(s, p.Value, marker(j))
			used[j] = true
		}
	}
	return s
}

// Bind substitutes params into a skeleton. Numeric markers become numbers
// again. Markers without a matching literal make the skeleton unusable.
func Bind(skeleton Skeleton, params []Param) (model.StructuredQuery, error) {
	out := cloneQuery(skeleton.StructuredQuery)
	miss := func(reason string) error {
		return &model.CacheMissError{Tier: TierPattern, Reason: reason}
	}

	missing := ""
	sub := func(s string) string {
		return markerRe.ReplaceAllStringFunc(s, func(mk string) string {
			m := markerRe.FindStringSubmatch(mk)
			i, _ := strconv.Atoi(m[2])
			if i >= len(params) {
				missing = mk
				return mk
			}
			return params[i].Value
		})
	}

	out.Text = sub(out.Text)
	for i := range out.Filters {
		s, ok := out.Filters[i].Value.(string)
		if !ok {
			continue
		}
		if m := markerRe.FindStringSubmatch(s); m != nil && m[0] == s && m[1] == "#" {
			j, _ := strconv.Atoi(m[2])
			if j >= len(params) {
				return model.StructuredQuery{}, miss("skeleton references missing literal " + s)
			}
			n, err := strconv.ParseFloat(params[j].Value, 64)
			if err != nil {
				return model.StructuredQuery{}, miss("literal " + params[j].Value + " is not a number")
			}
			out.Filters[i].Value = n
			continue
		}
		out.Filters[i].Value = sub(s)
	}
	for i := range out.Aggregations {
		out.Aggregations[i].Name = sub(out.Aggregations[i].Name)
	}
	if j := skeleton.LimitParam; j != nil {
		if *j >= len(params) {
			return model.StructuredQuery{}, miss("skeleton references missing limit literal")
		}
		n, err := strconv.Atoi(params[*j].Value)
		if err != nil || n <= 0 {
			return model.StructuredQuery{}, miss("literal " + params[*j].Value + " is not a limit")
		}
		out.Limit = n
	}
	if missing != "" {
		return model.StructuredQuery{}, miss("skeleton references missing literal " + missing)
	}
	return out, nil
}

func cloneQuery(q model.StructuredQuery) model.StructuredQuery {
	out := q
	out.Templates = append([]string(nil), q.Templates...)
	out.Filters = append([]model.QueryFilter(nil), q.Filters...)
	out.Aggregations = append([]model.QueryAggregation(nil), q.Aggregations...)
	return out
}
