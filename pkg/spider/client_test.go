package spider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-api-key", WithBaseURL(srv.URL))
	return srv, c
}

func TestCrawl_ArrayResponse(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/crawl", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CrawlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.edu", req.URL)
		assert.Equal(t, 500, req.Limit)
		assert.True(t, req.ProxyEnabled)
		assert.Equal(t, "smart", req.Request)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[
			{"url":"https://example.edu","content":"<html>home</html>","status":200},
			{"url":"https://example.edu/about","content":"<html>about</html>","status":200}
		]`))
	})

	var pages []Page
	err := c.Crawl(context.Background(), CrawlRequest{
		URL:          "https://example.edu",
		Limit:        500,
		ProxyEnabled: true,
		Metadata:     true,
		Request:      "smart",
	}, func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "https://example.edu/about", pages[1].URL)
	assert.Equal(t, "<html>about</html>", pages[1].Content)
	assert.Equal(t, 200, pages[1].Status)
}

func TestCrawl_StreamedObjects(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Concatenated JSON objects, as the streaming mode emits them.
		w.Write([]byte(`{"url":"https://a.edu","content":"one","status":200}` + "\n"))
		w.Write([]byte(`{"url":"https://a.edu/b","content":"two","status":200}` + "\n"))
	})

	var urls []string
	err := c.Crawl(context.Background(), CrawlRequest{URL: "https://a.edu", Stream: true}, func(p Page) error {
		urls = append(urls, p.URL)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.edu", "https://a.edu/b"}, urls)
}

func TestCrawl_ItemsEnvelope(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Buffered responses wrap the page batch in an items envelope.
		w.Write([]byte(`{"items":[
			{"url":"https://x.edu/","content":"<html>home</html>","status":200},
			{"url":"https://x.edu/visit","content":"<html>visit</html>","status":200}
		]}`))
	})

	var pages []Page
	err := c.Crawl(context.Background(), CrawlRequest{URL: "https://x.edu"}, func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "https://x.edu/", pages[0].URL)
	assert.Equal(t, "<html>home</html>", pages[0].Content)
	assert.Equal(t, 200, pages[0].Status)
	assert.Equal(t, "https://x.edu/visit", pages[1].URL)
}

func TestCrawl_StreamedItemsEnvelopes(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Envelopes can also arrive one batch per chunk.
		w.Write([]byte(`{"items":[{"url":"https://x.edu/","content":"one","status":200}]}` + "\n"))
		w.Write([]byte(`{"items":[{"url":"https://x.edu/b","content":"two","status":200}]}` + "\n"))
	})

	var urls []string
	err := c.Crawl(context.Background(), CrawlRequest{URL: "https://x.edu", Stream: true}, func(p Page) error {
		urls = append(urls, p.URL)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.edu/", "https://x.edu/b"}, urls)
}

func TestCrawl_EmptyBody(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	err := c.Crawl(context.Background(), CrawlRequest{URL: "https://a.edu"}, func(p Page) error {
		t.Fatal("callback should not run")
		return nil
	})
	require.NoError(t, err)
}

func TestCrawl_CallbackAborts(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"url":"https://a.edu","content":"one"},{"url":"https://a.edu/b","content":"two"}]`))
	})

	calls := 0
	err := c.Crawl(context.Background(), CrawlRequest{URL: "https://a.edu"}, func(p Page) error {
		calls++
		return eris.New("stop here")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCrawl_APIError(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"credits exhausted"}`))
	})

	err := c.Crawl(context.Background(), CrawlRequest{URL: "https://a.edu"}, func(p Page) error { return nil })
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "credits exhausted")
}

func TestScrape(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scrape", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"url":"https://a.edu","content":"<html>hi</html>","status":200,"metadata":{"title":"A University"}}]`))
	})

	page, err := c.Scrape(context.Background(), ScrapeRequest{URL: "https://a.edu", Request: "smart"})
	require.NoError(t, err)
	assert.Equal(t, "<html>hi</html>", page.Content)
	require.NotNil(t, page.Metadata)
	assert.Equal(t, "A University", page.Metadata.Title)
}

func TestScrape_EmptyResponse(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})

	_, err := c.Scrape(context.Background(), ScrapeRequest{URL: "https://a.edu"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty scrape response")
}
