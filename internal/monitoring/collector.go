// Package monitoring reports queue and corpus health.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/campusdata/scrape-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Queue metrics.
	SitesPending    int     `json:"sites_pending"`
	SitesProcessing int     `json:"sites_processing"`
	SitesProcessed  int     `json:"sites_processed"`
	SitesError      int     `json:"sites_error"`
	QueueDoneRate   float64 `json:"queue_done_rate"` // processed / total

	// Corpus metrics.
	Documents int `json:"documents"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// Healthy reports whether the snapshot looks like a system making progress:
// nothing parked in the DLQ and fewer errored sites than processed ones.
func (s *MetricsSnapshot) Healthy() bool {
	if s.DLQDepth > 0 {
		return false
	}
	if s.SitesError > 0 && s.SitesError >= s.SitesProcessed {
		return false
	}
	return true
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of queue, corpus, and DLQ state.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	snap := &MetricsSnapshot{
		SitesPending:    stats.SitesPending,
		SitesProcessing: stats.SitesProcessing,
		SitesProcessed:  stats.SitesProcessed,
		SitesError:      stats.SitesError,
		Documents:       stats.Documents,
		DLQDepth:        stats.DLQDepth,
		CollectedAt:     time.Now().UTC(),
	}

	total := stats.SitesPending + stats.SitesProcessing + stats.SitesProcessed + stats.SitesError
	if total > 0 {
		snap.QueueDoneRate = float64(stats.SitesProcessed) / float64(total)
	}
	return snap, nil
}
