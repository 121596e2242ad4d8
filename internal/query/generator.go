package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/provider"
	"github.com/sells-group/docvault/internal/resilience"
	"github.com/sells-group/docvault/pkg/anthropic"
)

// Hints describe the searchable vocabulary to a Generator.
type Hints struct {
	Templates []model.Template
	Canonical []model.CanonicalFieldMapping
}

// Generator turns a question into a structured query from scratch.
type Generator interface {
	Generate(ctx context.Context, text string, hints Hints) (*model.StructuredQuery, error)
}

// LLMGenerator asks the language model for a structured query.
type LLMGenerator struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
	guard  *resilience.Guard
}

// NewLLMGenerator creates an LLMGenerator. The cache tiers are the retry
// strategy for query generation, so the guard makes a single attempt.
func NewLLMGenerator(client anthropic.Client, cfg config.AnthropicConfig, gc resilience.GuardConfig) *LLMGenerator {
	gc.Backoff.Attempts = 1
	return &LLMGenerator{client: client, cfg: cfg, guard: resilience.NewGuard("anthropic", gc)}
}

const generateSystem = `You translate questions about extracted business documents into a JSON search query.
Answer with one JSON object and nothing else:
{"templates": [template names], "text": "free text or empty",
 "filters": [{"field": name, "op": "eq|ne|gt|gte|lt|lte|contains", "value": string or number}],
 "aggregations": [{"name": label, "op": "sum|avg|count|terms", "field": name}],
 "limit": number}
Use field names exactly as listed. When a business term is listed under canonical terms, use the canonical term as the field name instead of per-template fields.
Copy literal values from the question verbatim; write amounts as plain numbers.`

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, text string, hints Hints) (*model.StructuredQuery, error) {
	var q model.StructuredQuery
	if err := provider.AskJSON(ctx, g.client, g.cfg, g.guard, "generate_query", generateSystem, generatePrompt(text, hints), &q); err != nil {
		return nil, err
	}
	if err := validate(&q); err != nil {
		return nil, &model.ProviderError{Provider: g.guard.Provider(), Op: "generate_query", Err: err}
	}
	return &q, nil
}

func generatePrompt(text string, hints Hints) string {
	var b strings.Builder
	b.WriteString("Templates and their fields:\n")
	for _, t := range hints.Templates {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, strings.Join(t.Fields.Names(), ", "))
	}
	if len(hints.Canonical) > 0 {
		b.WriteString("\nCanonical terms:\n")
		for _, m := range hints.Canonical {
			var aliases []string
			for _, a := range m.Aliases {
				if a.IsActive {
					aliases = append(aliases, a.Alias)
				}
			}
			sort.Strings(aliases)
			line := "- " + m.CanonicalName
			if len(aliases) > 0 {
				line += " (also: " + strings.Join(aliases, ", ") + ")"
			}
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(text)
	return b.String()
}

// validate rejects operators the search contract does not understand.
func validate(q *model.StructuredQuery) error {
	for i, f := range q.Filters {
		if strings.TrimSpace(f.Field) == "" {
			return eris.Errorf("query: filter %d has no field", i)
		}
		switch f.Op {
		case "":
			q.Filters[i].Op = model.OpEq
		case model.OpEq, model.OpNe, model.OpGt, model.OpGte, model.OpLt, model.OpLte, model.OpContains:
		default:
			return eris.Errorf("query: filter %d has unknown op %q", i, f.Op)
		}
	}
	for i, a := range q.Aggregations {
		if strings.TrimSpace(a.Field) == "" && a.Canonical == "" {
			return eris.Errorf("query: aggregation %d has no field", i)
		}
		if a.Op != "" && !a.Op.Valid() {
			return eris.Errorf("query: aggregation %d has unknown op %q", i, a.Op)
		}
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
	return nil
}
