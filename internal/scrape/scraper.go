// Package scrape fetches whole campus websites, locally or through the
// Spider.cloud proxy service.
package scrape

import (
	"context"

	"github.com/campusdata/scrape-cli/internal/model"
)

// Harvester crawls a site and emits its pages one at a time. Implementations
// stop when emit returns an error or the context is canceled.
type Harvester interface {
	Harvest(ctx context.Context, site model.Site, emit func(model.CrawledPage) error) error
	Name() string
}
