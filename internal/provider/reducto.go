package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/resilience"
	"github.com/sells-group/docvault/pkg/reducto"
)

// uncitedConfidence is assigned to a value Reducto returned without a
// citation to back it.
const uncitedConfidence = 0.5

// ReductoParser uploads a document and parses it remotely.
type ReductoParser struct {
	client reducto.Client
	guard  *resilience.Guard
}

// NewReductoParser creates a ReductoParser.
func NewReductoParser(client reducto.Client, guard *resilience.Guard) *ReductoParser {
	return &ReductoParser{client: client, guard: guard}
}

// Name implements Parser.
func (p *ReductoParser) Name() string { return "reducto" }

// Parse implements Parser. The returned JobID is the Reducto parse job, which
// ReductoExtractor reuses to avoid a second parse.
func (p *ReductoParser) Parse(ctx context.Context, data []byte, name, _ string) (*model.ParseResult, error) {
	up, err := resilience.Call(ctx, p.guard, "upload", func(ctx context.Context) (*reducto.UploadResponse, error) {
		return p.client.Upload(ctx, name, data)
	})
	if err != nil {
		return nil, err
	}

	resp, err := resilience.Call(ctx, p.guard, "parse", func(ctx context.Context) (*reducto.ParseResponse, error) {
		return p.client.Parse(ctx, reducto.ParseRequest{DocumentURL: up.FileID})
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]model.Chunk, 0, len(resp.Result.Chunks))
	for _, c := range resp.Result.Chunks {
		chunks = append(chunks, convertChunk(c))
	}
	return &model.ParseResult{
		JobID:    resp.JobID,
		Provider: p.Name(),
		Chunks:   chunks,
		ParsedAt: time.Now().UTC(),
	}, nil
}

func convertChunk(c reducto.Chunk) model.Chunk {
	out := model.Chunk{Text: c.Content, Confidence: reducto.LabelScore("")}
	if len(c.Blocks) == 0 {
		return out
	}
	out.Page = c.Blocks[0].BBox.Page
	sum := 0.0
	for _, b := range c.Blocks {
		sum += b.Score()
	}
	out.Confidence = sum / float64(len(c.Blocks))
	return out
}

// ReductoExtractor runs schema extraction against a prior Reducto parse.
type ReductoExtractor struct {
	client reducto.Client
	guard  *resilience.Guard
}

// NewReductoExtractor creates a ReductoExtractor.
func NewReductoExtractor(client reducto.Client, guard *resilience.Guard) *ReductoExtractor {
	return &ReductoExtractor{client: client, guard: guard}
}

// Name implements Extractor.
func (e *ReductoExtractor) Name() string { return "reducto" }

// Extract implements Extractor.
func (e *ReductoExtractor) Extract(ctx context.Context, parse *model.ParseResult, tmpl *model.Template) (map[string]model.FieldResult, error) {
	if parse == nil || parse.Provider != "reducto" {
		return nil, &model.ProviderError{Provider: e.Name(), Op: "extract", Err: eris.New("document was not parsed by reducto")}
	}

	req := reducto.ExtractRequest{
		DocumentURL:       "jobid://" + parse.JobID,
		Schema:            JSONSchema(tmpl.Fields),
		SystemPrompt:      extractInstructions(tmpl),
		GenerateCitations: true,
	}
	resp, err := resilience.Call(ctx, e.guard, "extract", func(ctx context.Context) (*reducto.ExtractResponse, error) {
		return e.client.Extract(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	values, err := decodeResult(resp.Result)
	if err != nil {
		return nil, &model.ProviderError{Provider: e.Name(), Op: "extract", Err: err}
	}

	out := make(map[string]model.FieldResult, len(tmpl.Fields))
	for _, name := range tmpl.Fields.Names() {
		v, ok := values[name]
		if !ok || v == nil {
			out[name] = model.FieldResult{}
			continue
		}
		fr := model.FieldResult{Value: stringValue(v), Confidence: uncitedConfidence}
		if cites := resp.Citations[name]; len(cites) > 0 {
			c := cites[0]
			fr.Confidence = clamp01(c.Score())
			fr.Page = c.BBox.Page
			fr.BBox = &model.BoundingBox{Left: c.BBox.Left, Top: c.BBox.Top, Width: c.BBox.Width, Height: c.BBox.Height}
		}
		out[name] = fr
	}
	return out, nil
}

// decodeResult accepts both a bare object and the single-element array form
// Reducto uses for array-typed extraction.
func decodeResult(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []map[string]any
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, eris.Wrap(err, "decode extract result")
		}
		if len(list) == 0 {
			return map[string]any{}, nil
		}
		return list[0], nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, eris.Wrap(err, "decode extract result")
	}
	return obj, nil
}

func extractInstructions(tmpl *model.Template) string {
	var b strings.Builder
	b.WriteString("Extract the fields of a ")
	b.WriteString(tmpl.Name)
	b.WriteString(" document.")
	if tmpl.Description != "" {
		b.WriteString(" ")
		b.WriteString(tmpl.Description)
	}
	b.WriteString(" Leave a field empty when the document does not contain it.")
	return b.String()
}
