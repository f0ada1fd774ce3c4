// Package spider is a minimal client for the Spider.cloud crawl API.
package spider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for the Spider.cloud API.
const defaultBaseURL = "https://api.spider.cloud"

// Client defines the Spider.cloud API operations.
type Client interface {
	// Crawl fetches up to req.Limit pages starting at req.URL. With
	// req.Stream set, pages are decoded off the response body as the
	// service emits them and passed to fn one at a time; otherwise the
	// whole result set is buffered first. fn returning an error aborts
	// the crawl.
	Crawl(ctx context.Context, req CrawlRequest, fn func(Page) error) error
	// Scrape fetches a single page.
	Scrape(ctx context.Context, req ScrapeRequest) (*Page, error)
}

// CrawlRequest is the body for POST /crawl.
type CrawlRequest struct {
	URL          string `json:"url"`
	Limit        int    `json:"limit,omitempty"`
	ProxyEnabled bool   `json:"proxy_enabled,omitempty"`
	StoreData    bool   `json:"store_data"`
	Metadata     bool   `json:"metadata,omitempty"`
	// Request selects the fetch strategy: "http", "chrome", or "smart".
	Request      string `json:"request,omitempty"`
	ReturnFormat string `json:"return_format,omitempty"`
	Stream       bool   `json:"-"`
}

// ScrapeRequest is the body for POST /scrape.
type ScrapeRequest struct {
	URL          string `json:"url"`
	ProxyEnabled bool   `json:"proxy_enabled,omitempty"`
	Metadata     bool   `json:"metadata,omitempty"`
	Request      string `json:"request,omitempty"`
	ReturnFormat string `json:"return_format,omitempty"`
}

// Page is a single crawled page result.
type Page struct {
	URL      string        `json:"url"`
	Content  string        `json:"content"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status,omitempty"`
	Costs    *RequestCosts `json:"costs,omitempty"`
	Metadata *PageMetadata `json:"metadata,omitempty"`
}

// PageMetadata carries optional page metadata when CrawlRequest.Metadata is set.
type PageMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// RequestCosts reports the per-page billing breakdown.
type RequestCosts struct {
	TotalCost     float64 `json:"total_cost,omitempty"`
	BandwidthCost float64 `json:"bytes_transferred_cost,omitempty"`
}

// APIError is returned when Spider.cloud responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spider: HTTP %d: %s", e.StatusCode, e.Body)
}

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

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Spider.cloud client. Crawls of large sites can run
// for minutes, so the default client carries no timeout; use the context to
// bound a call.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Crawl(ctx context.Context, req CrawlRequest, fn func(Page) error) error {
	resp, err := c.post(ctx, "/crawl", req, req.Stream)
	if err != nil {
		return eris.Wrap(err, "spider: start crawl")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	dec := json.NewDecoder(resp.Body)

	// The service returns a JSON array normally, or newline-delimited
	// objects when streaming. Peek the first token to tell them apart.
	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "spider: decode crawl response")
	}

	if delim, ok := tok.(json.Delim); ok && delim == '[' {
		for dec.More() {
			var page Page
			if err := dec.Decode(&page); err != nil {
				return eris.Wrap(err, "spider: decode page")
			}
			if err := fn(page); err != nil {
				return err
			}
		}
		return nil
	}

	// Concatenated objects: the first token was '{'; re-read the stream
	// object by object. Each object is either a bare page or an
	// {"items": [...]} envelope around a batch of pages.
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return eris.Errorf("spider: unexpected token in crawl response: %v", tok)
	}
	first, err := decodeOpenObject(dec)
	if err != nil {
		return eris.Wrap(err, "spider: decode page")
	}
	if err := emitObject(first, fn); err != nil {
		return err
	}
	for {
		var raw map[string]json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			return nil
		} else if err != nil {
			return eris.Wrap(err, "spider: decode page")
		}
		if err := emitObject(raw, fn); err != nil {
			return err
		}
	}
}

func (c *httpClient) Scrape(ctx context.Context, req ScrapeRequest) (*Page, error) {
	resp, err := c.post(ctx, "/scrape", req, false)
	if err != nil {
		return nil, eris.Wrap(err, "spider: scrape")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	// Scrape returns a one-element array.
	var pages []Page
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, eris.Wrap(err, "spider: decode scrape response")
	}
	if len(pages) == 0 {
		return nil, eris.New("spider: empty scrape response")
	}
	return &pages[0], nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, stream bool) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	// Spider.cloud takes the bare key, not a Bearer scheme.
	req.Header.Set("Authorization", c.apiKey)
	if stream {
		req.Header.Set("Transfer-Encoding", "chunked")
	}

	return c.http.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(data),
	}
}

// decodeOpenObject finishes decoding an object whose opening brace the
// decoder has already consumed.
func decodeOpenObject(dec *json.Decoder) (map[string]json.RawMessage, error) {
	raw := map[string]json.RawMessage{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		raw[key] = val
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return raw, nil
}

// emitObject passes a decoded crawl object to fn, unwrapping the
// {"items": [...]} envelope the service uses for buffered responses.
func emitObject(raw map[string]json.RawMessage, fn func(Page) error) error {
	if items, ok := raw["items"]; ok {
		var pages []Page
		if err := json.Unmarshal(items, &pages); err != nil {
			return eris.Wrap(err, "spider: decode items")
		}
		for _, p := range pages {
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return eris.Wrap(err, "spider: decode page")
	}
	var page Page
	if err := json.Unmarshal(buf, &page); err != nil {
		return eris.Wrap(err, "spider: decode page")
	}
	return fn(page)
}
