// Package provider adapts the external parsing, extraction and template
// matching services behind small interfaces. Remote calls run through a
// resilience.Guard so failures come back as *model.ProviderError.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/resilience"
	"github.com/sells-group/docvault/pkg/anthropic"
	"github.com/sells-group/docvault/pkg/reducto"
)

// Parser turns raw document bytes into text chunks.
type Parser interface {
	Name() string
	Parse(ctx context.Context, data []byte, name, mimeType string) (*model.ParseResult, error)
}

// Extractor pulls a template's fields out of a parsed document.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, parse *model.ParseResult, tmpl *model.Template) (map[string]model.FieldResult, error)
}

// Match is the outcome of template matching.
type Match struct {
	TemplateID   string  `json:"template_id,omitempty"`
	TemplateName string  `json:"template_name,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// TemplateMatcher picks the template that best describes a document.
type TemplateMatcher interface {
	Match(ctx context.Context, parse *model.ParseResult, templates []model.Template) (*Match, error)
}

// Set bundles the providers one engine uses.
type Set struct {
	Parser    Parser
	Extractor Extractor
	Matcher   TemplateMatcher
	Guards    *resilience.Guards
}

// GuardConfig derives provider guard settings from extraction settings.
func GuardConfig(cfg config.ExtractionConfig) resilience.GuardConfig {
	b := resilience.DefaultBackoff()
	if cfg.RetryAttempts > 0 {
		b.Attempts = cfg.RetryAttempts
	}
	return resilience.GuardConfig{
		RatePerSec:       cfg.RatePerSec,
		Timeout:          cfg.ProviderTimeout(),
		Backoff:          b,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  30 * time.Second,
	}
}

// NewGuards builds the per-provider guard registry from extraction settings.
func NewGuards(cfg config.ExtractionConfig) *resilience.Guards {
	return resilience.NewGuards(GuardConfig(cfg))
}

// New wires the configured providers. llm may be nil when no Anthropic key
// is configured and neither the extractor nor the matcher needs it.
func New(cfg *config.Config, llm anthropic.Client) (*Set, error) {
	guards := NewGuards(cfg.Extraction)

	var rc reducto.Client
	if cfg.Reducto.Key != "" {
		rc = NewReductoClient(cfg.Reducto)
	}

	parser, err := NewParser(cfg.Parser, rc, guards)
	if err != nil {
		return nil, err
	}
	extractor, err := NewExtractor(cfg, rc, llm, guards)
	if err != nil {
		return nil, err
	}

	set := &Set{Parser: parser, Extractor: extractor, Guards: guards}
	if llm != nil {
		set.Matcher = NewLLMMatcher(llm, cfg.Anthropic, guards.Get("anthropic"))
	}
	return set, nil
}

// NewReductoClient builds a Reducto client honoring the configured timeout.
func NewReductoClient(cfg config.ReductoConfig) reducto.Client {
	opts := []reducto.Option{}
	if cfg.BaseURL != "" {
		opts = append(opts, reducto.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutSecs > 0 {
		opts = append(opts, reducto.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}))
	}
	return reducto.NewClient(cfg.Key, opts...)
}

// NewParser creates a Parser based on config.
func NewParser(cfg config.ParserConfig, rc reducto.Client, guards *resilience.Guards) (Parser, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalParser(cfg.ChunkMaxChars), nil
	case "pdftotext":
		return NewPdfToTextParser(cfg.PdfToTextPath, cfg.ChunkMaxChars), nil
	case "reducto":
		if rc == nil {
			return nil, eris.New("provider: reducto parser requires reducto.key")
		}
		return NewReductoParser(rc, guards.Get("reducto")), nil
	default:
		return nil, eris.Errorf("provider: unknown parser %q", cfg.Provider)
	}
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg *config.Config, rc reducto.Client, llm anthropic.Client, guards *resilience.Guards) (Extractor, error) {
	switch cfg.Extraction.Provider {
	case "anthropic", "":
		if llm == nil {
			return nil, eris.New("provider: anthropic extractor requires anthropic.key")
		}
		return NewLLMExtractor(llm, cfg.Anthropic, guards.Get("anthropic")), nil
	case "reducto":
		if rc == nil {
			return nil, eris.New("provider: reducto extractor requires reducto.key")
		}
		if cfg.Parser.Provider != "reducto" {
			return nil, eris.New("provider: reducto extractor requires the reducto parser")
		}
		return NewReductoExtractor(rc, guards.Get("reducto")), nil
	default:
		return nil, eris.Errorf("provider: unknown extractor %q", cfg.Extraction.Provider)
	}
}

// llmError surfaces the HTTP status of an Anthropic API error so the guard
// can tell rate limits and overloads from bad requests.
func llmError(err error) error {
	if code := anthropic.StatusCode(err); code != 0 {
		return &resilience.StatusError{StatusCode: code, Body: err.Error()}
	}
	return err
}
