// Package docstore is a client for the remote document store HTTP API. It
// is the fallback source of remote truth when the push channel is down.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mirkobrombin/go-tether/v1/task"
)

// SourceTag marks snapshots built from the document store.
const SourceTag = "docstore"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("docstore: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("docstore: %s %s: status %d", e.Method, e.Path, e.Code)
}

// Filter narrows List results. Empty fields are ignored.
type Filter struct {
	Category string
	Tags     []string
	Source   string
}

// Stats summarizes the remote collection.
type Stats struct {
	TotalDocuments int            `json:"total_documents"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	Categories     map[string]int `json:"categories,omitempty"`
	Sources        map[string]int `json:"sources,omitempty"`
	TopTags        map[string]int `json:"top_tags,omitempty"`
	OldestDoc      string         `json:"oldest_doc,omitempty"`
	NewestDoc      string         `json:"newest_doc,omitempty"`
}

// SearchResult is the response of the search endpoints.
type SearchResult struct {
	Results    []task.Record `json:"results"`
	Query      string        `json:"query"`
	Total      int           `json:"total"`
	SearchType string        `json:"search_type,omitempty"`
}

// Client talks to the document store.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// New returns a Client for baseURL. A nil hc uses a client with a 10s
// timeout.
func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: hc, now: time.Now}
}

type listResp struct {
	Documents []task.Record `json:"documents"`
}

type successResp struct {
	Success bool `json:"success"`
}

type errorResp struct {
	Error string `json:"error"`
}

type searchReq struct {
	Query       string   `json:"query,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Category    string   `json:"category,omitempty"`
	Limit       int      `json:"limit"`
	UseSemantic bool     `json:"use_semantic,omitempty"`
}

// List returns the documents matching f.
func (c *Client) List(ctx context.Context, f Filter) ([]task.Record, error) {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if len(f.Tags) > 0 {
		q.Set("tags", strings.Join(f.Tags, ","))
	}
	if f.Source != "" {
		q.Set("source", f.Source)
	}
	path := "/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out listResp
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Documents == nil {
		out.Documents = []task.Record{}
	}
	return out.Documents, nil
}

// Search runs a semantic search with a result limit.
func (c *Client) Search(ctx context.Context, query string, limit int) (SearchResult, error) {
	var out SearchResult
	err := c.doJSON(ctx, http.MethodPost, "/search", searchReq{Query: query, Limit: limit, UseSemantic: true}, &out)
	return out, err
}

// SearchByTags returns documents carrying any of tags.
func (c *Client) SearchByTags(ctx context.Context, tags []string, limit int) (SearchResult, error) {
	var out SearchResult
	err := c.doJSON(ctx, http.MethodPost, "/search/tags", searchReq{Tags: tags, Limit: limit}, &out)
	return out, err
}

// SearchByCategory returns documents of category.
func (c *Client) SearchByCategory(ctx context.Context, category string, limit int) (SearchResult, error) {
	var out SearchResult
	err := c.doJSON(ctx, http.MethodPost, "/search/category", searchReq{Category: category, Limit: limit}, &out)
	return out, err
}

// Add creates a document and returns it as stored.
func (c *Client) Add(ctx context.Context, doc task.Record) (task.Record, error) {
	var out task.Record
	err := c.doJSON(ctx, http.MethodPost, "/documents", doc, &out)
	return out, err
}

// Update replaces the document with the given id.
func (c *Client) Update(ctx context.Context, id string, doc task.Record) (bool, error) {
	var out successResp
	err := c.doJSON(ctx, http.MethodPut, "/documents/"+url.PathEscape(id), doc, &out)
	return out.Success, err
}

// Remove deletes the document with the given id.
func (c *Client) Remove(ctx context.Context, id string) (bool, error) {
	var out successResp
	err := c.doJSON(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id), nil, &out)
	return out.Success, err
}

// Stats returns collection statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.doJSON(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// Snapshot fetches the whole collection as a snapshot.
func (c *Client) Snapshot(ctx context.Context) (task.Snapshot, error) {
	docs, err := c.List(ctx, Filter{})
	if err != nil {
		return task.Snapshot{}, err
	}
	return task.NewSnapshot(docs, SourceTag, c.now()), nil
}

// doJSON sends req as JSON when non-nil and decodes a 2xx body into resp.
func (c *Client) doJSON(ctx context.Context, method, path string, req, resp any) error {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(rsp.Body, 32<<20))
	if err != nil {
		return err
	}
	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Code: rsp.StatusCode}
		var er errorResp
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			se.Message = er.Error
		} else {
			se.Message = strings.TrimSpace(string(raw))
		}
		return se
	}
	if resp != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, resp); err != nil {
			return fmt.Errorf("docstore: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
