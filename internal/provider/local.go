package provider

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

const defaultChunkMaxChars = 4000

// LocalParser parses PDFs with pdfcpu and chunks plain text in-process.
// It never calls out, so there is nothing to guard.
type LocalParser struct {
	maxChars int
}

// NewLocalParser creates a LocalParser that splits text into chunks of at
// most maxChars runes.
func NewLocalParser(maxChars int) *LocalParser {
	if maxChars <= 0 {
		maxChars = defaultChunkMaxChars
	}
	return &LocalParser{maxChars: maxChars}
}

// Name implements Parser.
func (p *LocalParser) Name() string { return "local" }

// Parse implements Parser.
func (p *LocalParser) Parse(ctx context.Context, data []byte, name, mimeType string) (*model.ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunks []model.Chunk
	switch {
	case isPDF(data, mimeType):
		pages, err := pdfPages(data)
		if err != nil {
			return nil, p.fail(eris.Wrapf(err, "parse pdf %s", name))
		}
		for i, text := range pages {
			if text == "" {
				continue
			}
			for _, part := range splitText(text, p.maxChars) {
				chunks = append(chunks, model.Chunk{Text: part, Page: i + 1, Confidence: printableRatio(part)})
			}
		}
	case utf8.Valid(data):
		for _, part := range splitText(string(data), p.maxChars) {
			chunks = append(chunks, model.Chunk{Text: part, Page: 1, Confidence: 1})
		}
	default:
		return nil, p.fail(eris.Errorf("unsupported content %q for %s", mimeType, name))
	}

	if len(chunks) == 0 {
		return nil, p.fail(eris.Errorf("no text content in %s", name))
	}
	return &model.ParseResult{
		JobID:    "local-" + uuid.NewString(),
		Provider: p.Name(),
		Chunks:   chunks,
		ParsedAt: time.Now().UTC(),
	}, nil
}

func (p *LocalParser) fail(err error) error {
	return &model.ProviderError{Provider: p.Name(), Op: "parse", Err: err}
}

func isPDF(data []byte, mimeType string) bool {
	return mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-"))
}

// pdfPages returns the text of every page, in page order.
func pdfPages(data []byte) ([]string, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, eris.Wrap(err, "pdfcpu read")
	}

	pages := make([]string, pctx.PageCount)
	for n := 1; n <= pctx.PageCount; n++ {
		r, err := pdfcpu.ExtractPageContent(pctx, n)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		pages[n-1] = streamText(content)
	}
	return pages, nil
}

var pdfLiteral = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// streamText collects the string operands of the text-showing operators
// (Tj, TJ, ', ") in a page content stream.
func streamText(content []byte) string {
	var b strings.Builder
	for _, line := range bytes.Split(content, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
		case bytes.HasSuffix(line, []byte("'")), bytes.HasSuffix(line, []byte(`"`)):
			b.WriteByte('\n')
		case bytes.Equal(line, []byte("T*")), bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			b.WriteByte(' ')
			continue
		default:
			continue
		}
		for _, m := range pdfLiteral.FindAllSubmatch(line, -1) {
			b.WriteString(unescapePDF(m[1]))
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func unescapePDF(raw []byte) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 == len(raw) {
			b.WriteByte(c)
			continue
		}
		i++
		switch c = raw[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			v := int(c - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				v = v*8 + int(raw[i]-'0')
			}
			b.WriteByte(byte(v))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// splitText cuts text into chunks of at most limit runes, preferring
// paragraph and then line boundaries.
func splitText(text string, limit int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		if curLen > 0 && curLen+2+n > limit {
			flush()
		}
		for n > limit {
			runes := []rune(para)
			cut := limit
			if i := strings.LastIndexByte(string(runes[:limit]), '\n'); i > 0 {
				cut = utf8.RuneCountInString(string(runes[:limit])[:i])
			}
			cur.WriteString(string(runes[:cut]))
			flush()
			para = strings.TrimSpace(string(runes[cut:]))
			n = utf8.RuneCountInString(para)
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(para)
		curLen += n
	}
	flush()
	return out
}

// printableRatio scores extracted PDF text: garbled content streams yield
// mostly unprintable runes.
func printableRatio(s string) float64 {
	total, ok := 0, 0
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			ok++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}
