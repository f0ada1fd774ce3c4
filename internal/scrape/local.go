package scrape

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/campusdata/scrape-cli/internal/model"
)

const localUserAgent = "Mozilla/5.0 (compatible; CampusDataBot/1.0)"

// maxPageBytes bounds how much of a single page the local crawler reads.
const maxPageBytes = 2 * 1024 * 1024

// ErrBlocked is returned when the target site is behind anti-bot protection.
// The chain treats it as a signal to hand the site to the proxy service.
var ErrBlocked = eris.New("local: site blocked")

// LocalHarvester crawls a site breadth-first over plain HTTP. Free, no API
// calls. Stays on the seed host, honors a per-host rate limit, and bails out
// with ErrBlocked the moment anti-bot protection shows up.
type LocalHarvester struct {
	client   *http.Client
	matcher  *PathMatcher
	maxPages int
	maxDepth int
	limiter  *rate.Limiter
}

// LocalOptions tunes the breadth-first crawl.
type LocalOptions struct {
	MaxPages    int
	MaxDepth    int
	RatePerHost float64
	Matcher     *PathMatcher
}

// NewLocalHarvester creates a LocalHarvester with sensible defaults.
func NewLocalHarvester(opts LocalOptions) *LocalHarvester {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 500
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 4.0
	}
	if opts.Matcher == nil {
		opts.Matcher = NewPathMatcher(nil)
	}
	return &LocalHarvester{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		matcher:  opts.Matcher,
		maxPages: opts.MaxPages,
		maxDepth: opts.MaxDepth,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerHost), 1),
	}
}

func (l *LocalHarvester) Name() string { return "local_http" }

type crawlItem struct {
	url   string
	depth int
}

// Harvest walks the site breadth-first from the seed URL, emitting each HTML
// page it fetches.
func (l *LocalHarvester) Harvest(ctx context.Context, site model.Site, emit func(model.CrawledPage) error) error {
	seed, err := url.Parse(site.URL)
	if err != nil {
		return eris.Wrapf(err, "local: parse seed url %s", site.URL)
	}
	host := seed.Host

	queue := []crawlItem{{url: site.URL, depth: 0}}
	visited := map[string]bool{canonicalURL(site.URL): true}
	fetched := 0

	for len(queue) > 0 && fetched < l.maxPages {
		item := queue[0]
		queue = queue[1:]

		if err := l.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "local: rate limit wait")
		}

		page, links, err := l.fetch(ctx, item.url)
		if err != nil {
			if eris.Is(err, ErrBlocked) {
				return err
			}
			zap.L().Debug("local: page fetch failed",
				zap.String("url", item.url),
				zap.Error(err),
			)
			continue
		}
		fetched++

		if err := emit(*page); err != nil {
			return err
		}

		if item.depth >= l.maxDepth {
			continue
		}
		for _, link := range links {
			resolved := resolveLink(seed, item.url, link)
			if resolved == "" {
				continue
			}
			key := canonicalURL(resolved)
			if visited[key] {
				continue
			}
			u, err := url.Parse(resolved)
			if err != nil || u.Host != host {
				continue
			}
			if l.matcher.IsExcluded(resolved) {
				continue
			}
			visited[key] = true
			queue = append(queue, crawlItem{url: resolved, depth: item.depth + 1})
		}
	}

	if fetched == 0 {
		return eris.Errorf("local: no pages fetched from %s", site.URL)
	}
	return nil
}

func (l *LocalHarvester) fetch(ctx context.Context, targetURL string) (*model.CrawledPage, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "local: create request")
	}
	req.Header.Set("User-Agent", localUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(err, "local: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") {
		return nil, nil, eris.Errorf("local: skipping non-html content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, nil, eris.Wrap(err, "local: read body")
	}

	if blocked, blockType := DetectBlock(resp, body); blocked {
		return nil, nil, eris.Wrapf(ErrBlocked, "block type %s", blockType)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, eris.Errorf("local: status %d", resp.StatusCode)
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, nil, eris.Wrap(err, "local: parse html")
	}

	page := &model.CrawledPage{
		URL:         targetURL,
		Title:       nodeTitle(doc),
		HTML:        string(body),
		ContentType: ct,
		StatusCode:  resp.StatusCode,
	}
	return page, extractLinks(doc), nil
}

func nodeTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

func extractLinks(doc *html.Node) []string {
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					links = append(links, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// resolveLink turns an href into an absolute http(s) URL, or "" if the link
// is not crawlable.
func resolveLink(seed *url.URL, base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "javascript:") {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		baseURL = seed
	}
	u, err := baseURL.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// canonicalURL normalizes a URL for visited-set membership.
func canonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path + "?" + u.RawQuery
}
