// Package reducto is a client for the Reducto document parsing and
// extraction API.
package reducto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://platform.reducto.ai"

// Client defines the Reducto API operations.
type Client interface {
	Upload(ctx context.Context, name string, data []byte) (*UploadResponse, error)
	Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error)
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)
}

// UploadResponse is the response from POST /upload.
type UploadResponse struct {
	FileID string `json:"file_id"`
}

// ParseRequest is the body for POST /parse. DocumentURL is either an uploaded
// file reference ("reducto://...") or a public URL.
type ParseRequest struct {
	DocumentURL string `json:"document_url"`
}

// ParseResponse is the response from POST /parse.
type ParseResponse struct {
	JobID    string      `json:"job_id"`
	Duration float64     `json:"duration"`
	Result   ParseResult `json:"result"`
}

// ParseResult holds the parsed chunks.
type ParseResult struct {
	Type   string  `json:"type"`
	Chunks []Chunk `json:"chunks"`
}

// Chunk is a section of parsed document text.
type Chunk struct {
	Content string  `json:"content"`
	Blocks  []Block `json:"blocks"`
}

// Block is a layout element inside a chunk.
type Block struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	BBox       BBox   `json:"bbox"`
	Confidence string `json:"confidence,omitempty"`
}

// BBox locates content on a page, in page-relative units.
type BBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Page   int     `json:"page"`
}

// ExtractRequest is the body for POST /extract. DocumentURL may reference a
// prior parse as "jobid://<job_id>" to skip re-parsing.
type ExtractRequest struct {
	DocumentURL       string          `json:"document_url"`
	Schema            json.RawMessage `json:"schema"`
	SystemPrompt      string          `json:"system_prompt,omitempty"`
	GenerateCitations bool            `json:"generate_citations"`
}

// ExtractResponse is the response from POST /extract.
type ExtractResponse struct {
	JobID     string                `json:"job_id"`
	Result    json.RawMessage       `json:"result"`
	Citations map[string][]Citation `json:"citations"`
}

// Citation ties an extracted value back to the page it came from.
type Citation struct {
	Content    string    `json:"content"`
	BBox       BBox      `json:"bbox"`
	Confidence string    `json:"confidence"` // "high" or "low"
	Granular   *Granular `json:"granular_confidence,omitempty"`
}

// Granular carries numeric confidence scores.
type Granular struct {
	ExtractConfidence float64 `json:"extract_confidence"`
	ParseConfidence   float64 `json:"parse_confidence"`
}

// Score converts a citation's confidence to [0,1].
func (c Citation) Score() float64 {
	if c.Granular != nil && c.Granular.ExtractConfidence > 0 {
		return c.Granular.ExtractConfidence
	}
	return LabelScore(c.Confidence)
}

// Score converts a block's confidence label to [0,1].
func (b Block) Score() float64 { return LabelScore(b.Confidence) }

// LabelScore maps Reducto's "high"/"low" labels onto [0,1]. Unlabelled
// content sits between the two.
func LabelScore(label string) float64 {
	switch label {
	case "high":
		return 0.9
	case "low":
		return 0.5
	}
	return 0.7
}

// APIError is returned when Reducto responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reducto: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Reducto client. Per-call deadlines come from the
// caller's context; the http.Client timeout is only a backstop.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Upload(ctx context.Context, name string, data []byte) (*UploadResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, eris.Wrap(err, "reducto: create form file")
	}
	if _, err := part.Write(data); err != nil {
		return nil, eris.Wrap(err, "reducto: write form file")
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "reducto: close form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return nil, eris.Wrap(err, "reducto: create request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var resp UploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, eris.Wrapf(err, "reducto: upload %s", name)
	}
	return &resp, nil
}

func (c *httpClient) Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error) {
	var resp ParseResponse
	if err := c.post(ctx, "/parse", req, &resp); err != nil {
		return nil, eris.Wrap(err, "reducto: parse")
	}
	return &resp, nil
}

func (c *httpClient) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	var resp ExtractResponse
	if err := c.post(ctx, "/extract", req, &resp); err != nil {
		return nil, eris.Wrap(err, "reducto: extract")
	}
	return &resp, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return eris.Wrap(json.Unmarshal(data, out), "decode response")
}
