package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/config"
)

// Client sends documents to the search engine.
type Client interface {
	// Index stores doc under id and returns the engine's reference to it.
	Index(ctx context.Context, id string, doc Document) (string, error)
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, doc Document) (json.RawMessage, error)
}

// ErrNotConfigured is returned by Search when no engine is configured.
var ErrNotConfigured = eris.New("search: no search engine configured")

// APIError is a non-2xx response from the engine.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("search: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// NewClient returns an HTTP client for cfg, or a no-op client when no base
// URL is set so indexing stays optional.
func NewClient(cfg config.SearchConfig, hc *http.Client) Client {
	if cfg.BaseURL == "" {
		return Noop{}
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	index := cfg.Index
	if index == "" {
		index = "extractions"
	}
	return &httpClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		index:   index,
		key:     cfg.Key,
		http:    hc,
	}
}

type httpClient struct {
	baseURL string
	index   string
	key     string
	http    *http.Client
}

func (c *httpClient) docURL(id string) string {
	return c.baseURL + "/" + url.PathEscape(c.index) + "/_doc/" + url.PathEscape(id)
}

func (c *httpClient) Index(ctx context.Context, id string, doc Document) (string, error) {
	var resp struct {
		ID string `json:"_id"`
	}
	if err := c.send(ctx, http.MethodPut, c.docURL(id), doc, &resp); err != nil {
		return "", eris.Wrapf(err, "search: index %s", id)
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return c.index + "/" + resp.ID, nil
}

func (c *httpClient) Delete(ctx context.Context, id string) error {
	err := c.send(ctx, http.MethodDelete, c.docURL(id), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return eris.Wrapf(err, "search: delete %s", id)
}

func (c *httpClient) Search(ctx context.Context, doc Document) (json.RawMessage, error) {
	var raw json.RawMessage
	u := c.baseURL + "/" + url.PathEscape(c.index) + "/_search"
	if err := c.send(ctx, http.MethodPost, u, doc, &raw); err != nil {
		return nil, eris.Wrap(err, "search: query")
	}
	return raw, nil
}

func (c *httpClient) send(ctx context.Context, method, u string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "ApiKey "+c.key)
	}

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
	if out == nil || len(data) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, out), "decode response")
}

// Noop discards index writes. It is used when no engine is configured.
type Noop struct{}

func (Noop) Index(context.Context, string, Document) (string, error) { return "", nil }
func (Noop) Delete(context.Context, string) error                     { return nil }
func (Noop) Search(context.Context, Document) (json.RawMessage, error) {
	return nil, ErrNotConfigured
}
