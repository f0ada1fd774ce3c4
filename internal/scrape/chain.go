package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/model"
)

// Chain tries harvesters in priority order. The cheap local crawler runs
// first; when it fails or comes back blocked, the site falls through to the
// paid proxy service. Pages the earlier harvester already emitted are not
// rolled back: the content-hash dedupe downstream absorbs the overlap.
type Chain struct {
	harvesters []Harvester
}

// NewChain creates a Chain. Harvesters run in the order given.
func NewChain(harvesters ...Harvester) *Chain {
	return &Chain{harvesters: harvesters}
}

func (c *Chain) Name() string { return "chain" }

// Harvest runs the site through each harvester until one succeeds. Returns
// the name of the harvester that completed the site alongside any error.
func (c *Chain) Harvest(ctx context.Context, site model.Site, emit func(model.CrawledPage) error) error {
	_, err := c.HarvestFrom(ctx, site, emit)
	return err
}

// HarvestFrom is Harvest plus the name of the harvester that won.
func (c *Chain) HarvestFrom(ctx context.Context, site model.Site, emit func(model.CrawledPage) error) (string, error) {
	if len(c.harvesters) == 0 {
		return "", eris.New("scrape: chain has no harvesters")
	}

	var lastErr error
	for _, h := range c.harvesters {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		err := h.Harvest(ctx, site, emit)
		if err == nil {
			return h.Name(), nil
		}
		// A canceled context is not the harvester's fault; stop here.
		if eris.Is(err, context.Canceled) || eris.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		zap.L().Debug("scrape: harvester failed, trying next",
			zap.String("harvester", h.Name()),
			zap.String("unit_id", site.UnitID),
			zap.String("url", site.URL),
			zap.Error(err),
		)
		lastErr = err
	}
	return "", eris.Wrapf(lastErr, "scrape: all harvesters failed for %s", site.URL)
}
