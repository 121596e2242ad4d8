package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/pkg/anthropic"
	"github.com/sells-group/docvault/pkg/reducto"
)

func invoiceTemplate() *model.Template {
	return &model.Template{
		ID:          "tmpl-1",
		Name:        "Invoice",
		Description: "Supplier invoice",
		Fields: model.Schema{
			model.TextField{FieldBase: model.FieldBase{Name: "vendor", Required: true}},
			model.NumberField{FieldBase: model.FieldBase{Name: "total"}, Currency: true},
			model.DateField{FieldBase: model.FieldBase{Name: "issued"}},
			model.TableField{FieldBase: model.FieldBase{Name: "lines"}, Columns: model.Schema{
				model.TextField{FieldBase: model.FieldBase{Name: "item"}},
				model.NumberField{FieldBase: model.FieldBase{Name: "amount"}},
			}},
		},
	}
}

func TestNewParser(t *testing.T) {
	guards := NewGuards(config.ExtractionConfig{RetryAttempts: 2})

	p, err := NewParser(config.ParserConfig{Provider: ""}, nil, guards)
	require.NoError(t, err)
	assert.IsType(t, &LocalParser{}, p)

	_, err = NewParser(config.ParserConfig{Provider: "reducto"}, nil, guards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires reducto.key")

	p, err = NewParser(config.ParserConfig{Provider: "reducto"}, &mockReductoClient{}, guards)
	require.NoError(t, err)
	assert.Equal(t, "reducto", p.Name())

	_, err = NewParser(config.ParserConfig{Provider: "tesseract"}, nil, guards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown parser "tesseract"`)
}

func TestNewExtractor(t *testing.T) {
	guards := NewGuards(config.ExtractionConfig{})
	cfg := &config.Config{}

	cfg.Extraction.Provider = "anthropic"
	_, err := NewExtractor(cfg, nil, nil, guards)
	require.Error(t, err)

	e, err := NewExtractor(cfg, nil, &mockAnthropicClient{}, guards)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", e.Name())

	cfg.Extraction.Provider = "reducto"
	cfg.Parser.Provider = "local"
	_, err = NewExtractor(cfg, &mockReductoClient{}, nil, guards)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the reducto parser")

	cfg.Parser.Provider = "reducto"
	e, err = NewExtractor(cfg, &mockReductoClient{}, nil, guards)
	require.NoError(t, err)
	assert.Equal(t, "reducto", e.Name())

	cfg.Extraction.Provider = "textract"
	_, err = NewExtractor(cfg, nil, nil, guards)
	require.Error(t, err)
}

func TestNew_MatcherNeedsLLM(t *testing.T) {
	cfg := &config.Config{}
	cfg.Parser.Provider = "local"
	cfg.Extraction.Provider = "anthropic"

	set, err := New(cfg, &mockAnthropicClient{})
	require.NoError(t, err)
	assert.NotNil(t, set.Matcher)
	assert.NotNil(t, set.Guards)

	_, err = New(cfg, nil)
	require.Error(t, err)
}

func TestJSONSchema(t *testing.T) {
	var got map[string]any
	require.NoError(t, json.Unmarshal(JSONSchema(invoiceTemplate().Fields), &got))

	assert.Equal(t, "object", got["type"])
	assert.Equal(t, []any{"vendor"}, got["required"])

	props := got["properties"].(map[string]any)
	assert.Equal(t, "number", props["total"].(map[string]any)["type"])
	assert.Equal(t, "date", props["issued"].(map[string]any)["format"])

	lines := props["lines"].(map[string]any)
	assert.Equal(t, "array", lines["type"])
	cols := lines["items"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, cols, "item")
	assert.Contains(t, cols, "amount")
}

func TestStringValue(t *testing.T) {
	assert.Equal(t, "", stringValue(nil))
	assert.Equal(t, "ACME", stringValue("ACME"))
	assert.Equal(t, "1250.5", stringValue(1250.5))
	assert.Equal(t, "true", stringValue(true))
	assert.Equal(t, `[{"item":"bolts"}]`, stringValue([]any{map[string]any{"item": "bolts"}}))
}

func TestLocalParser_Text(t *testing.T) {
	p := NewLocalParser(20)
	res, err := p.Parse(context.Background(), []byte("Invoice 42\n\nVendor: ACME Corp\n\nTotal due: 1,250.00"), "a.txt", "text/plain")
	require.NoError(t, err)

	assert.Equal(t, "local", res.Provider)
	assert.True(t, strings.HasPrefix(res.JobID, "local-"))
	require.Len(t, res.Chunks, 3)
	for _, c := range res.Chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 20)
		assert.Equal(t, 1, c.Page)
	}
	assert.Contains(t, res.Text(), "ACME Corp")
}

func TestLocalParser_Rejects(t *testing.T) {
	p := NewLocalParser(0)

	_, err := p.Parse(context.Background(), []byte("%PDF-1.4 not really a pdf"), "bad.pdf", "application/pdf")
	var pe *model.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "parse", pe.Op)
	assert.False(t, pe.Transient)

	_, err = p.Parse(context.Background(), []byte{0xff, 0xfe, 0x00, 0x81}, "blob.bin", "application/octet-stream")
	require.True(t, errors.As(err, &pe))

	_, err = p.Parse(context.Background(), []byte("  \n\n  "), "empty.txt", "text/plain")
	require.Error(t, err)
}

func TestSplitText_LongParagraph(t *testing.T) {
	text := strings.Repeat("a", 25) + "\n" + strings.Repeat("b", 10)
	parts := splitText(text, 30)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 25), parts[0])
	assert.Equal(t, strings.Repeat("b", 10), parts[1])
}

func TestStreamText(t *testing.T) {
	content := []byte("BT\n/F1 12 Tf\n72 712 Td\n(Invoice \\(copy\\)) Tj\n0 -14 Td\n[(Total) -250 (42.00)] TJ\nET\n")
	assert.Equal(t, "Invoice (copy) Total42.00", streamText(content))
	assert.Equal(t, "A B", unescapePDF([]byte(`A\040B`)))
}

func TestReductoParser_Parse(t *testing.T) {
	rc := &mockReductoClient{}
	rc.On("Upload", mock.Anything, "inv.pdf", []byte("data")).
		Return(&reducto.UploadResponse{FileID: "reducto://f1"}, nil)
	rc.On("Parse", mock.Anything, reducto.ParseRequest{DocumentURL: "reducto://f1"}).
		Return(nil, &reducto.APIError{StatusCode: 503, Body: "busy"}).Once()
	rc.On("Parse", mock.Anything, reducto.ParseRequest{DocumentURL: "reducto://f1"}).
		Return(&reducto.ParseResponse{JobID: "job-9", Result: reducto.ParseResult{Chunks: []reducto.Chunk{
			{Content: "Invoice 42", Blocks: []reducto.Block{
				{Confidence: "high", BBox: reducto.BBox{Page: 2}},
				{Confidence: "low", BBox: reducto.BBox{Page: 2}},
			}},
		}}}, nil).Once()

	p := NewReductoParser(rc, testGuard("reducto", 3))
	res, err := p.Parse(context.Background(), []byte("data"), "inv.pdf", "application/pdf")
	require.NoError(t, err)

	assert.Equal(t, "job-9", res.JobID)
	assert.Equal(t, "reducto", res.Provider)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, 2, res.Chunks[0].Page)
	assert.InDelta(t, 0.7, res.Chunks[0].Confidence, 0.0001)
	rc.AssertExpectations(t)
}

func TestReductoParser_PermanentFailure(t *testing.T) {
	rc := &mockReductoClient{}
	rc.On("Upload", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &reducto.APIError{StatusCode: 400, Body: "bad file"}).Once()

	p := NewReductoParser(rc, testGuard("reducto", 3))
	_, err := p.Parse(context.Background(), []byte("data"), "inv.pdf", "")

	var pe *model.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "reducto", pe.Provider)
	assert.Equal(t, "upload", pe.Op)
	assert.False(t, pe.Transient)
	rc.AssertNumberOfCalls(t, "Upload", 1)
}

func TestReductoExtractor_Extract(t *testing.T) {
	tmpl := invoiceTemplate()
	rc := &mockReductoClient{}
	rc.On("Extract", mock.Anything, mock.MatchedBy(func(req reducto.ExtractRequest) bool {
		return req.DocumentURL == "jobid://job-9" && req.GenerateCitations && strings.Contains(req.SystemPrompt, "Invoice")
	})).Return(&reducto.ExtractResponse{
		JobID:  "job-10",
		Result: json.RawMessage(`[{"vendor":"ACME","total":1250.5,"issued":null,"lines":[{"item":"bolts","amount":3}]}]`),
		Citations: map[string][]reducto.Citation{
			"vendor": {{Confidence: "high", BBox: reducto.BBox{Page: 1, Left: 0.1, Top: 0.2}}},
			"total":  {{Confidence: "low", Granular: &reducto.Granular{ExtractConfidence: 0.62}, BBox: reducto.BBox{Page: 1}}},
		},
	}, nil)

	e := NewReductoExtractor(rc, testGuard("reducto", 1))
	got, err := e.Extract(context.Background(), &model.ParseResult{JobID: "job-9", Provider: "reducto"}, tmpl)
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, "ACME", got["vendor"].Value)
	assert.InDelta(t, 0.9, got["vendor"].Confidence, 0.0001)
	require.NotNil(t, got["vendor"].BBox)
	assert.InDelta(t, 0.2, got["vendor"].BBox.Top, 0.0001)

	assert.Equal(t, "1250.5", got["total"].Value)
	assert.InDelta(t, 0.62, got["total"].Confidence, 0.0001)

	assert.Equal(t, model.FieldResult{}, got["issued"])
	assert.Equal(t, `[{"amount":3,"item":"bolts"}]`, got["lines"].Value)
	assert.InDelta(t, uncitedConfidence, got["lines"].Confidence, 0.0001)
}

func TestReductoExtractor_NeedsReductoParse(t *testing.T) {
	e := NewReductoExtractor(&mockReductoClient{}, testGuard("reducto", 1))
	_, err := e.Extract(context.Background(), &model.ParseResult{JobID: "local-1", Provider: "local"}, invoiceTemplate())

	var pe *model.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "extract", pe.Op)
}

func TestLLMExtractor_Extract(t *testing.T) {
	llm := &mockAnthropicClient{}
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return strings.Contains(req.Messages[0].Content, "--- page 1 ---") &&
			strings.Contains(req.Messages[0].Content, `"vendor"`)
	})).Return(textResponse("```json\n{\"fields\":{\"vendor\":{\"value\":\"ACME\",\"confidence\":0.97,\"page\":1},"+
		"\"total\":{\"value\":1250,\"confidence\":1.4},\"issued\":{\"value\":null,\"confidence\":0}}}\n```"), nil)

	e := NewLLMExtractor(llm, config.AnthropicConfig{Model: "m", MaxTokens: 512}, testGuard("anthropic", 1))
	parse := &model.ParseResult{Chunks: []model.Chunk{{Text: "ACME invoice", Page: 1}}}
	got, err := e.Extract(context.Background(), parse, invoiceTemplate())
	require.NoError(t, err)

	assert.Equal(t, "ACME", got["vendor"].Value)
	assert.Equal(t, 1, got["vendor"].Page)
	assert.Equal(t, "1250", got["total"].Value)
	assert.Equal(t, 1.0, got["total"].Confidence)
	assert.Equal(t, model.FieldResult{}, got["issued"])
	assert.Equal(t, model.FieldResult{}, got["lines"])
	llm.AssertExpectations(t)
}

func TestLLMExtractor_MalformedOutput(t *testing.T) {
	llm := &mockAnthropicClient{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot help with that."), nil)

	e := NewLLMExtractor(llm, config.AnthropicConfig{}, testGuard("anthropic", 3))
	_, err := e.Extract(context.Background(), &model.ParseResult{}, invoiceTemplate())

	var pe *model.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Transient)
	llm.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestLLMMatcher_Match(t *testing.T) {
	templates := []model.Template{*invoiceTemplate(), {ID: "tmpl-2", Name: "Receipt"}}

	llm := &mockAnthropicClient{}
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"template":"invoice","confidence":0.88}`), nil).Once()
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"template":"Purchase Order","confidence":0.91}`), nil).Once()

	m := NewLLMMatcher(llm, config.AnthropicConfig{}, testGuard("anthropic", 1))
	parse := &model.ParseResult{Chunks: []model.Chunk{{Text: "Invoice 42", Page: 1}}}

	got, err := m.Match(context.Background(), parse, templates)
	require.NoError(t, err)
	assert.Equal(t, "tmpl-1", got.TemplateID)
	assert.InDelta(t, 0.88, got.Confidence, 0.0001)

	got, err = m.Match(context.Background(), parse, templates)
	require.NoError(t, err)
	assert.Empty(t, got.TemplateID)
	assert.Zero(t, got.Confidence)

	got, err = m.Match(context.Background(), parse, nil)
	require.NoError(t, err)
	assert.Empty(t, got.TemplateName)
}

func TestPagedText(t *testing.T) {
	assert.Empty(t, pagedText(nil))
	got := pagedText(&model.ParseResult{Chunks: []model.Chunk{
		{Text: "one", Page: 1}, {Text: "one-b", Page: 1}, {Text: "two", Page: 2},
	}})
	assert.Equal(t, "--- page 1 ---\none\none-b\n\n--- page 2 ---\ntwo", got)
}
