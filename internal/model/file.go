package model

import "time"

// PhysicalFile is one distinct byte-content upload, keyed by its SHA-256 hash.
// The parse result is shared by every Extraction of the file.
type PhysicalFile struct {
	ID           string       `json:"id"`
	Hash         string       `json:"hash"`
	StoragePath  string       `json:"storage_path"`
	Size         int64        `json:"size"`
	MimeType     string       `json:"mime_type"`
	OriginalName string       `json:"original_name"`
	ParseResult  *ParseResult `json:"parse_result,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Parsed reports whether the provider parse result is cached on the file.
func (f *PhysicalFile) Parsed() bool {
	return f.ParseResult != nil && f.ParseResult.JobID != ""
}

// ParseResult is the cached output of the parsing provider.
type ParseResult struct {
	JobID    string    `json:"job_id"`
	Provider string    `json:"provider"`
	Chunks   []Chunk   `json:"chunks"`
	ParsedAt time.Time `json:"parsed_at"`
}

// Text concatenates chunk text in page order, separated by blank lines.
func (p *ParseResult) Text() string {
	if p == nil {
		return ""
	}
	n := 0
	for _, c := range p.Chunks {
		n += len(c.Text) + 2
	}
	buf := make([]byte, 0, n)
	for i, c := range p.Chunks {
		if i > 0 {
			buf = append(buf, '\n', '\n')
		}
		buf = append(buf, c.Text...)
	}
	return string(buf)
}

// Chunk is one provider-defined unit of parsed content.
type Chunk struct {
	Text       string  `json:"text"`
	Page       int     `json:"page"`
	Confidence float64 `json:"confidence"`
}
