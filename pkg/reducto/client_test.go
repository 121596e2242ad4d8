package reducto

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "invoice.pdf", hdr.Filename)
		assert.Equal(t, "%PDF-1.7", string(data))

		w.Write([]byte(`{"file_id":"reducto://abc"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Upload(context.Background(), "invoice.pdf", []byte("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "reducto://abc", resp.FileID)
}

func TestClient_Parse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parse", r.URL.Path)
		var req ParseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "reducto://abc", req.DocumentURL)

		w.Write([]byte(`{"job_id":"job-1","result":{"type":"full","chunks":[` + //nolint:errcheck
			`{"content":"Invoice #42","blocks":[{"type":"Title","content":"Invoice #42","bbox":{"left":0.1,"top":0.1,"width":0.3,"height":0.05,"page":1},"confidence":"high"}]}]}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Parse(context.Background(), ParseRequest{DocumentURL: "reducto://abc"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	require.Len(t, resp.Result.Chunks, 1)
	assert.Equal(t, 1, resp.Result.Chunks[0].Blocks[0].BBox.Page)
}

func TestClient_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ExtractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jobid://job-1", req.DocumentURL)
		assert.True(t, req.GenerateCitations)
		assert.JSONEq(t, `{"type":"object"}`, string(req.Schema))

		w.Write([]byte(`{"job_id":"job-2","result":{"total":"42.00"},` + //nolint:errcheck
			`"citations":{"total":[{"content":"42.00","bbox":{"page":2},"confidence":"low"}]}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Extract(context.Background(), ExtractRequest{
		DocumentURL:       "jobid://job-1",
		Schema:            json.RawMessage(`{"type":"object"}`),
		GenerateCitations: true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":"42.00"}`, string(resp.Result))
	require.Len(t, resp.Citations["total"], 1)
	assert.Equal(t, 0.5, resp.Citations["total"][0].Score())
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded")) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Parse(context.Background(), ParseRequest{DocumentURL: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus())
	assert.Contains(t, apiErr.Error(), "overloaded")
}

func TestCitation_Score(t *testing.T) {
	assert.Equal(t, 0.9, Citation{Confidence: "high"}.Score())
	assert.Equal(t, 0.5, Citation{Confidence: "low"}.Score())
	assert.Equal(t, 0.7, Citation{}.Score())
	assert.Equal(t, 0.83, Citation{Confidence: "low", Granular: &Granular{ExtractConfidence: 0.83}}.Score())
}
