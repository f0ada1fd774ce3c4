// Package store persists the harvest queue, the document corpus, and the
// dead letter queue in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/campusdata/scrape-cli/internal/model"
)

// SiteFilter specifies criteria for listing sites.
type SiteFilter struct {
	Status model.SiteStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// DLQEntry is a document that failed to persist, parked for later replay.
type DLQEntry struct {
	ID           string         `json:"id"`
	Document     model.Document `json:"document"`
	Error        string         `json:"error"`
	ErrorType    string         `json:"error_type"` // "transient" or "permanent"
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
	LastFailedAt time.Time      `json:"last_failed_at"`
}

// Stats is a point-in-time snapshot of queue and corpus state.
type Stats struct {
	SitesPending    int `json:"sites_pending"`
	SitesProcessing int `json:"sites_processing"`
	SitesProcessed  int `json:"sites_processed"`
	SitesError      int `json:"sites_error"`
	Documents       int `json:"documents"`
	DLQDepth        int `json:"dlq_depth"`
}

// Store defines the persistence interface for the scraping pipeline.
type Store interface {
	// Seeds
	UpsertSites(ctx context.Context, sites []model.Site) (int64, error)
	GetSite(ctx context.Context, unitID string) (*model.Site, error)
	ListSites(ctx context.Context, filter SiteFilter) ([]model.Site, error)

	// Queue. ClaimNextSite atomically flips the oldest pending site (with
	// retry_count below the limit) to processing; returns (nil, nil) when
	// the queue is drained.
	ClaimNextSite(ctx context.Context, retryLimit int) (*model.Site, error)
	ReleaseSite(ctx context.Context, unitID string) error
	MarkSiteProcessed(ctx context.Context, unitID string) error
	// MarkSiteError increments retry_count; at or over the limit the site
	// flips to error, otherwise back to pending for another attempt.
	MarkSiteError(ctx context.Context, unitID string, retryLimit int) error
	ResetErrors(ctx context.Context) (int, error)
	ReleaseStaleClaims(ctx context.Context, age time.Duration) (int, error)
	SiteHasDocuments(ctx context.Context, siteURL string) (bool, error)

	// Documents
	DocumentExists(ctx context.Context, siteURL, contentHash string) (bool, error)
	InsertDocument(ctx context.Context, doc model.Document, updateExisting bool) (bool, error)
	GetDocument(ctx context.Context, docID string) (*model.Document, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry DLQEntry) error
	ListDLQ(ctx context.Context, limit int) ([]DLQEntry, error)
	DeleteDLQ(ctx context.Context, id string) error

	// Stats
	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Dead letter documents are stored as JSON so a replay can reconstruct the
// exact insert that failed.

func marshalDocument(doc model.Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal dlq document")
	}
	return string(b), nil
}

func unmarshalDocument(data string) (*model.Document, error) {
	var doc model.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal dlq document")
	}
	return &doc, nil
}
