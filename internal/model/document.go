package model

import "time"

// Document is one cleaned page stored in the RAG corpus.
type Document struct {
	// DocID is the sha256 of the cleaned content plus the page URL, so two
	// distinct pages with identical content still get distinct IDs.
	DocID string `json:"doc_id"`
	// SiteURL is the normalized base URL the page belongs to.
	SiteURL string `json:"site_url"`
	UnitID  string `json:"unit_id"`
	// PageURL is the concrete page that was fetched.
	PageURL string `json:"page_url"`
	Title   string `json:"title,omitempty"`
	// Content is the cleaned plaintext, truncated to the configured cap.
	Content string `json:"content"`
	// Markdown is the html-to-markdown rendering of the page, kept alongside
	// the plaintext for consumers that want structure.
	Markdown string `json:"markdown,omitempty"`
	// ContentHash is the sha256 of Content alone. It deliberately excludes
	// the URL so identical pages served under many paths collapse to one
	// document per site.
	ContentHash string    `json:"content_hash"`
	Truncated   bool      `json:"truncated"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// CrawledPage is a raw page as returned by a harvester, before cleaning.
// ContentType carries the response header so charset declarations that never
// made it into a meta tag still decode correctly.
type CrawledPage struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	HTML        string `json:"html"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code"`
}
