package provider

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

// PdfToTextParser runs the poppler pdftotext binary on PDFs and keeps its
// layout-preserving output. Other content is handled like LocalParser does.
type PdfToTextParser struct {
	binPath string
	local   *LocalParser
}

// NewPdfToTextParser creates a PdfToTextParser. If binPath is empty,
// "pdftotext" is looked up on PATH.
func NewPdfToTextParser(binPath string, maxChars int) *PdfToTextParser {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToTextParser{binPath: binPath, local: NewLocalParser(maxChars)}
}

// Name implements Parser.
func (p *PdfToTextParser) Name() string { return "pdftotext" }

// Parse implements Parser.
func (p *PdfToTextParser) Parse(ctx context.Context, data []byte, name, mimeType string) (*model.ParseResult, error) {
	if !isPDF(data, mimeType) {
		res, err := p.local.Parse(ctx, data, name, mimeType)
		if res != nil {
			res.Provider = p.Name()
		}
		return res, err
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-", "-")
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, p.fail(eris.Wrapf(err, "pdftotext %s: %s", name, strings.TrimSpace(stderr.String())))
	}

	// pdftotext ends every page with a form feed.
	var chunks []model.Chunk
	for i, page := range strings.Split(stdout.String(), "\f") {
		if strings.TrimSpace(page) == "" {
			continue
		}
		for _, part := range splitText(page, p.local.maxChars) {
			chunks = append(chunks, model.Chunk{Text: part, Page: i + 1, Confidence: printableRatio(part)})
		}
	}
	if len(chunks) == 0 {
		return nil, p.fail(eris.Errorf("no text content in %s", name))
	}
	return &model.ParseResult{
		JobID:    "pdftotext-" + uuid.NewString(),
		Provider: p.Name(),
		Chunks:   chunks,
		ParsedAt: time.Now().UTC(),
	}, nil
}

func (p *PdfToTextParser) fail(err error) error {
	return &model.ProviderError{Provider: p.Name(), Op: "parse", Err: err}
}
