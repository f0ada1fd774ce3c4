package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/model"
	"github.com/campusdata/scrape-cli/internal/resilience"
	"github.com/campusdata/scrape-cli/pkg/spider"
)

// SpiderHarvester crawls sites through the Spider.cloud API. Costs money per
// page but handles JS rendering and anti-bot blocks that defeat the local
// crawler. A circuit breaker stops the spend when the service itself starts
// failing.
type SpiderHarvester struct {
	client  spider.Client
	matcher *PathMatcher
	breaker *resilience.CircuitBreaker

	pageLimit    int
	proxyEnabled bool
	requestMode  string
}

// SpiderOptions tunes the proxy crawl.
type SpiderOptions struct {
	PageLimit    int
	ProxyEnabled bool
	// RequestMode selects the fetch strategy: "http", "chrome", or "smart".
	RequestMode string
	Matcher     *PathMatcher
	Breaker     *resilience.CircuitBreaker
}

// NewSpiderHarvester creates a SpiderHarvester.
func NewSpiderHarvester(client spider.Client, opts SpiderOptions) *SpiderHarvester {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 500
	}
	if opts.RequestMode == "" {
		opts.RequestMode = "smart"
	}
	if opts.Matcher == nil {
		opts.Matcher = NewPathMatcher(nil)
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &SpiderHarvester{
		client:       client,
		matcher:      opts.Matcher,
		breaker:      opts.Breaker,
		pageLimit:    opts.PageLimit,
		proxyEnabled: opts.ProxyEnabled,
		requestMode:  opts.RequestMode,
	}
}

func (s *SpiderHarvester) Name() string { return "spider" }

// Harvest streams the crawl off the API, dropping excluded and errored pages.
func (s *SpiderHarvester) Harvest(ctx context.Context, site model.Site, emit func(model.CrawledPage) error) error {
	emitted := 0

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.client.Crawl(ctx, spider.CrawlRequest{
			URL:          site.URL,
			Limit:        s.pageLimit,
			ProxyEnabled: s.proxyEnabled,
			StoreData:    false,
			Metadata:     true,
			Request:      s.requestMode,
			Stream:       true,
		}, func(page spider.Page) error {
			if page.Error != "" {
				zap.L().Debug("spider: page error",
					zap.String("url", page.URL),
					zap.String("error", page.Error),
				)
				return nil
			}
			if page.Content == "" || s.matcher.IsExcluded(page.URL) {
				return nil
			}

			crawled := model.CrawledPage{
				URL:        page.URL,
				HTML:       page.Content,
				StatusCode: page.Status,
			}
			if page.Metadata != nil {
				crawled.Title = page.Metadata.Title
			}
			emitted++
			return emit(crawled)
		})
	})
	if err != nil {
		return eris.Wrapf(err, "spider: crawl %s", site.URL)
	}
	if emitted == 0 {
		return eris.Errorf("spider: no pages returned for %s", site.URL)
	}
	return nil
}
