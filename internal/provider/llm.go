package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/resilience"
	"github.com/sells-group/docvault/pkg/anthropic"
)

// maxPromptChars bounds the document text sent in one request.
const maxPromptChars = 150_000

const extractSystemPrompt = `You extract structured fields from business documents.
Return only JSON of the form {"fields": {"<name>": {"value": <value>, "confidence": <0..1>, "page": <page>}}}.
Use null for a field the document does not contain and give it confidence 0.
Confidence is your certainty that the value is exactly what the document states.`

const matchSystemPrompt = `You classify business documents against a catalog of templates.
Return only JSON of the form {"template": "<template name or empty>", "confidence": <0..1>}.
Use an empty template and low confidence when nothing in the catalog fits.`

// LLMExtractor extracts fields by prompting Claude with the parsed text and
// the template schema.
type LLMExtractor struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
	guard  *resilience.Guard
}

// NewLLMExtractor creates an LLMExtractor.
func NewLLMExtractor(client anthropic.Client, cfg config.AnthropicConfig, guard *resilience.Guard) *LLMExtractor {
	return &LLMExtractor{client: client, cfg: cfg, guard: guard}
}

// Name implements Extractor.
func (e *LLMExtractor) Name() string { return "anthropic" }

type llmField struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Page       int     `json:"page"`
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, parse *model.ParseResult, tmpl *model.Template) (map[string]model.FieldResult, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Template: %s\n", tmpl.Name)
	if tmpl.Description != "" {
		fmt.Fprintf(&user, "Description: %s\n", tmpl.Description)
	}
	fmt.Fprintf(&user, "JSON schema of the fields:\n%s\n\nDocument:\n%s", JSONSchema(tmpl.Fields), pagedText(parse))

	var out struct {
		Fields map[string]llmField `json:"fields"`
	}
	if err := AskJSON(ctx, e.client, e.cfg, e.guard, "extract", extractSystemPrompt, user.String(), &out); err != nil {
		return nil, err
	}

	results := make(map[string]model.FieldResult, len(tmpl.Fields))
	for _, name := range tmpl.Fields.Names() {
		f, ok := out.Fields[name]
		if !ok || f.Value == nil {
			results[name] = model.FieldResult{}
			continue
		}
		results[name] = model.FieldResult{
			Value:      stringValue(f.Value),
			Confidence: clamp01(f.Confidence),
			Page:       f.Page,
		}
	}
	return results, nil
}

// LLMMatcher picks a template by asking Claude to classify the document.
type LLMMatcher struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
	guard  *resilience.Guard
}

// NewLLMMatcher creates an LLMMatcher.
func NewLLMMatcher(client anthropic.Client, cfg config.AnthropicConfig, guard *resilience.Guard) *LLMMatcher {
	return &LLMMatcher{client: client, cfg: cfg, guard: guard}
}

// Match implements TemplateMatcher. A name outside the catalog comes back as
// an empty match with zero confidence.
func (m *LLMMatcher) Match(ctx context.Context, parse *model.ParseResult, templates []model.Template) (*Match, error) {
	if len(templates) == 0 {
		return &Match{}, nil
	}

	var catalog strings.Builder
	for _, t := range templates {
		fmt.Fprintf(&catalog, "- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&catalog, ": %s", t.Description)
		}
		fmt.Fprintf(&catalog, " (fields: %s)\n", strings.Join(t.Fields.Names(), ", "))
	}
	user := fmt.Sprintf("Templates:\n%s\nDocument:\n%s", catalog.String(), pagedText(parse))

	var out struct {
		Template   string  `json:"template"`
		Confidence float64 `json:"confidence"`
	}
	if err := AskJSON(ctx, m.client, m.cfg, m.guard, "match_template", matchSystemPrompt, user, &out); err != nil {
		return nil, err
	}

	for _, t := range templates {
		if strings.EqualFold(t.Name, strings.TrimSpace(out.Template)) {
			return &Match{TemplateID: t.ID, TemplateName: t.Name, Confidence: clamp01(out.Confidence)}, nil
		}
	}
	return &Match{}, nil
}

// AskJSON sends one deterministic prompt through guard and decodes the JSON
// answer into dst. Output that does not decode is a permanent ProviderError.
func AskJSON(ctx context.Context, client anthropic.Client, cfg config.AnthropicConfig, guard *resilience.Guard, op, system, user string, dst any) error {
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		System:      anthropic.CachedSystem(system),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	}

	resp, err := resilience.Call(ctx, guard, op, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := client.CreateMessage(ctx, req)
		if err != nil {
			return nil, llmError(err)
		}
		return resp, nil
	})
	if err != nil {
		return err
	}
	resp.Usage.Log(cfg.Model, op)

	if err := anthropic.DecodeJSON(resp, dst); err != nil {
		return &model.ProviderError{Provider: guard.Provider(), Op: op, Err: eris.Wrap(err, "malformed model output")}
	}
	return nil
}

// pagedText renders chunks with page markers so the model can cite pages.
func pagedText(parse *model.ParseResult) string {
	if parse == nil {
		return ""
	}
	var b strings.Builder
	page := -1
	for _, c := range parse.Chunks {
		if c.Page != page {
			page = c.Page
			fmt.Fprintf(&b, "\n--- page %d ---\n", page)
		}
		b.WriteString(c.Text)
		b.WriteByte('\n')
		if b.Len() > maxPromptChars {
			break
		}
	}
	s := b.String()
	if len(s) > maxPromptChars {
		s = s[:maxPromptChars]
	}
	return strings.TrimSpace(s)
}
