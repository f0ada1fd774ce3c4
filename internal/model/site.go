// Package model defines the core types shared across the scraping pipeline.
package model

import "time"

// SiteStatus tracks a site's position in the harvest queue.
type SiteStatus string

const (
	// SiteStatusPending means the site is waiting to be claimed.
	SiteStatusPending SiteStatus = "pending"
	// SiteStatusProcessing means a worker holds a claim on the site.
	SiteStatusProcessing SiteStatus = "processing"
	// SiteStatusProcessed means the site's pages are stored.
	SiteStatusProcessed SiteStatus = "processed"
	// SiteStatusError means the site exhausted its retry budget.
	SiteStatusError SiteStatus = "error"
)

// Site is one entry in the harvest queue: an institution's website plus the
// unit ID it is keyed by in the source directory file.
type Site struct {
	UnitID     string     `json:"unit_id"`
	WebAddr    string     `json:"web_addr"` // raw address as imported
	URL        string     `json:"url"`      // normalized base URL
	Status     SiteStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HarvestResult summarizes the outcome of harvesting a single site.
type HarvestResult struct {
	Site         Site          `json:"site"`
	Source       string        `json:"source"` // "local" or "spider"
	PagesFetched int           `json:"pages_fetched"`
	DocsInserted int           `json:"docs_inserted"`
	DupesSkipped int           `json:"dupes_skipped"`
	EmptySkipped int           `json:"empty_skipped"`
	Duration     time.Duration `json:"duration"`
}
