// Package harvest drives the queue-processing loop: claim a site, crawl it,
// clean and deduplicate its pages, and persist the documents.
package harvest

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campusdata/scrape-cli/internal/clean"
	"github.com/campusdata/scrape-cli/internal/config"
	"github.com/campusdata/scrape-cli/internal/model"
	"github.com/campusdata/scrape-cli/internal/resilience"
	"github.com/campusdata/scrape-cli/internal/store"
)

// SourceHarvester is the crawl chain as the engine sees it: harvest a site,
// report which harvester delivered it.
type SourceHarvester interface {
	HarvestFrom(ctx context.Context, site model.Site, emit func(model.CrawledPage) error) (string, error)
}

// Summary aggregates one engine run.
type Summary struct {
	SitesProcessed int                   `json:"sites_processed"`
	SitesFailed    int                   `json:"sites_failed"`
	SitesSkipped   int                   `json:"sites_skipped"`
	DocsInserted   int                   `json:"docs_inserted"`
	DupesSkipped   int                   `json:"dupes_skipped"`
	Duration       time.Duration         `json:"duration"`
	Results        []model.HarvestResult `json:"results,omitempty"`
}

// Engine processes the site queue.
type Engine struct {
	store     store.Store
	harvester SourceHarvester
	cfg       config.HarvestConfig
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, h SourceHarvester, cfg config.HarvestConfig) *Engine {
	if cfg.SiteLimit <= 0 {
		cfg.SiteLimit = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	return &Engine{store: st, harvester: h, cfg: cfg}
}

// Run claims and harvests sites until the queue drains, the per-run site
// limit is hit, or the context is canceled. Claims held when the context dies
// are released back to the queue.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	// Workers pull from a shared budget of claims.
	budget := make(chan struct{}, e.cfg.SiteLimit)
	for i := 0; i < e.cfg.SiteLimit; i++ {
		budget <- struct{}{}
	}
	close(budget)

	results := make(chan model.HarvestResult, e.cfg.Concurrency)
	failures := make(chan string, e.cfg.Concurrency)
	skipped := make(chan string, e.cfg.Concurrency)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rch, fch, sch := results, failures, skipped
		for rch != nil || fch != nil || sch != nil {
			select {
			case r, ok := <-rch:
				if !ok {
					rch = nil
					continue
				}
				summary.SitesProcessed++
				summary.DocsInserted += r.DocsInserted
				summary.DupesSkipped += r.DupesSkipped
				summary.Results = append(summary.Results, r)
			case _, ok := <-fch:
				if !ok {
					fch = nil
					continue
				}
				summary.SitesFailed++
			case _, ok := <-sch:
				if !ok {
					sch = nil
					continue
				}
				summary.SitesSkipped++
			}
		}
	}()

	workers, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Concurrency; i++ {
		workers.Go(func() error {
			return e.worker(gCtx, budget, results, failures, skipped)
		})
	}

	workerErr := workers.Wait()
	close(results)
	close(failures)
	close(skipped)
	<-done

	summary.Duration = time.Since(start)
	if workerErr != nil && !eris.Is(workerErr, context.Canceled) {
		return summary, workerErr
	}
	return summary, nil
}

func (e *Engine) worker(ctx context.Context, budget <-chan struct{},
	results chan<- model.HarvestResult, failures, skipped chan<- string) error {

	for range budget {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		site, err := e.store.ClaimNextSite(ctx, e.cfg.RetryLimit)
		if err != nil {
			return eris.Wrap(err, "harvest: claim next site")
		}
		if site == nil {
			return nil // queue drained
		}

		result, err := e.processSite(ctx, *site)
		if err != nil {
			if eris.Is(err, context.Canceled) || ctx.Err() != nil {
				// Hand the claim back so another run can pick it up.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if relErr := e.store.ReleaseSite(releaseCtx, site.UnitID); relErr != nil {
					zap.L().Warn("harvest: release on cancel failed",
						zap.String("unit_id", site.UnitID),
						zap.Error(relErr),
					)
				}
				cancel()
				return err
			}

			zap.L().Warn("harvest: site failed",
				zap.String("unit_id", site.UnitID),
				zap.String("url", site.URL),
				zap.Error(err),
			)
			if markErr := e.store.MarkSiteError(ctx, site.UnitID, e.cfg.RetryLimit); markErr != nil {
				return eris.Wrap(markErr, "harvest: mark site error")
			}
			failures <- site.UnitID
			continue
		}

		if result == nil {
			// Already harvested on a previous run.
			if err := e.store.MarkSiteProcessed(ctx, site.UnitID); err != nil {
				return eris.Wrap(err, "harvest: mark skipped site processed")
			}
			skipped <- site.UnitID
			continue
		}

		if err := e.store.MarkSiteProcessed(ctx, site.UnitID); err != nil {
			return eris.Wrap(err, "harvest: mark site processed")
		}
		results <- *result
	}
	return nil
}

// processSite crawls one site and persists its documents. A nil result with
// nil error means the site already has documents and was skipped.
func (e *Engine) processSite(ctx context.Context, site model.Site) (*model.HarvestResult, error) {
	if !e.cfg.UpdateExisting {
		has, err := e.store.SiteHasDocuments(ctx, site.URL)
		if err != nil {
			return nil, eris.Wrap(err, "harvest: check existing documents")
		}
		if has {
			zap.L().Debug("harvest: site already harvested",
				zap.String("unit_id", site.UnitID),
				zap.String("url", site.URL),
			)
			return nil, nil
		}
	}

	start := time.Now()
	result := model.HarvestResult{Site: site}
	host := siteHost(site.URL)

	source, err := e.harvester.HarvestFrom(ctx, site, func(page model.CrawledPage) error {
		result.PagesFetched++
		inserted, dupe, err := e.processPage(ctx, site, host, page)
		if err != nil {
			return err
		}
		switch {
		case inserted:
			result.DocsInserted++
		case dupe:
			result.DupesSkipped++
		default:
			result.EmptySkipped++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.DocsInserted == 0 && result.DupesSkipped == 0 {
		// A crawl that succeeded but yielded nothing indexable still counts
		// as processed. Retrying would fetch the same chrome-only pages.
		zap.L().Warn("harvest: no usable content",
			zap.String("unit_id", site.UnitID),
			zap.String("url", site.URL),
			zap.Int("pages", result.PagesFetched),
		)
	}

	result.Source = source
	result.Duration = time.Since(start)

	zap.L().Info("harvest: site complete",
		zap.String("unit_id", site.UnitID),
		zap.String("url", site.URL),
		zap.String("source", source),
		zap.Int("pages", result.PagesFetched),
		zap.Int("inserted", result.DocsInserted),
		zap.Int("dupes", result.DupesSkipped),
		zap.Duration("duration", result.Duration),
	)
	return &result, nil
}

// processPage cleans one page and inserts the resulting document. Returns
// (inserted, duplicate, err); both false means the page had no content.
func (e *Engine) processPage(ctx context.Context, site model.Site, host string, page model.CrawledPage) (bool, bool, error) {
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	cleaned, err := clean.Page(page.HTML, contentType, host)
	if err != nil {
		zap.L().Debug("harvest: page clean failed",
			zap.String("url", page.URL),
			zap.Error(err),
		)
		return false, false, nil
	}
	if cleaned.Text == "" {
		return false, false, nil
	}

	content, truncated := model.TruncateUTF8(cleaned.Text, e.cfg.MaxDocSize)
	contentHash := model.HashContent(content)

	exists, err := e.store.DocumentExists(ctx, site.URL, contentHash)
	if err != nil {
		return false, false, eris.Wrap(err, "harvest: check document exists")
	}
	if exists && !e.cfg.UpdateExisting {
		return false, true, nil
	}

	title := page.Title
	if title == "" {
		title = cleaned.Title
	}
	markdown, _ := model.TruncateUTF8(cleaned.Markdown, e.cfg.MaxDocSize)

	doc := model.Document{
		DocID:       model.DocumentID(content, page.URL),
		SiteURL:     site.URL,
		UnitID:      site.UnitID,
		PageURL:     page.URL,
		Title:       title,
		Content:     content,
		Markdown:    markdown,
		ContentHash: contentHash,
		Truncated:   truncated,
		ScrapedAt:   time.Now().UTC(),
	}

	inserted, err := e.store.InsertDocument(ctx, doc, e.cfg.UpdateExisting)
	if err != nil {
		// Park the document for replay instead of losing the page.
		errType := "permanent"
		if resilience.IsTransient(err) {
			errType = "transient"
		}
		if dlqErr := e.store.EnqueueDLQ(ctx, store.DLQEntry{
			Document:  doc,
			Error:     err.Error(),
			ErrorType: errType,
		}); dlqErr != nil {
			return false, false, eris.Wrap(dlqErr, "harvest: enqueue dlq")
		}
		zap.L().Warn("harvest: document parked in dlq",
			zap.String("doc_id", doc.DocID),
			zap.String("page_url", doc.PageURL),
			zap.Error(err),
		)
		return false, false, nil
	}
	if !inserted {
		return false, true, nil
	}
	return true, false, nil
}

func siteHost(siteURL string) string {
	u, err := url.Parse(siteURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// ReplayDLQ retries every parked document, deleting entries that insert
// cleanly. Returns (replayed, remaining).
func ReplayDLQ(ctx context.Context, st store.Store, limit int) (int, int, error) {
	entries, err := st.ListDLQ(ctx, limit)
	if err != nil {
		return 0, 0, eris.Wrap(err, "harvest: list dlq")
	}

	replayed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return replayed, len(entries) - replayed, ctx.Err()
		}
		if _, err := st.InsertDocument(ctx, entry.Document, true); err != nil {
			zap.L().Warn("harvest: dlq replay failed",
				zap.String("dlq_id", entry.ID),
				zap.String("doc_id", entry.Document.DocID),
				zap.Error(err),
			)
			continue
		}
		if err := st.DeleteDLQ(ctx, entry.ID); err != nil {
			return replayed, len(entries) - replayed, eris.Wrap(err, "harvest: delete dlq entry")
		}
		replayed++
	}
	return replayed, len(entries) - replayed, nil
}
