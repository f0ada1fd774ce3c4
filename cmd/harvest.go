package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/harvest"
	"github.com/campusdata/scrape-cli/internal/resilience"
	"github.com/campusdata/scrape-cli/internal/scrape"
	"github.com/campusdata/scrape-cli/internal/store"
	"github.com/campusdata/scrape-cli/pkg/spider"
)

var (
	harvestLimit          int
	harvestConcurrency    int
	harvestUpdateExisting bool
	harvestLocalOnly      bool
	harvestSpiderOnly     bool
)

var harvestCmd = &cobra.Command{
	Use:     "harvest",
	Aliases: []string{"run"},
	Short:   "Process pending sites from the queue",
	Long:    "Claims pending sites, crawls each one locally first with a Spider.cloud fallback for blocked or JS-heavy sites, cleans the pages, and stores deduplicated documents.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		engine, err := initEngine(st)
		if err != nil {
			return err
		}

		summary, err := engine.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "harvest run")
		}

		zap.L().Info("harvest complete",
			zap.Int("sites_processed", summary.SitesProcessed),
			zap.Int("sites_failed", summary.SitesFailed),
			zap.Int("sites_skipped", summary.SitesSkipped),
			zap.Int("docs_inserted", summary.DocsInserted),
			zap.Int("dupes_skipped", summary.DupesSkipped),
			zap.Duration("duration", summary.Duration),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

// initEngine builds the harvest engine from config and flags. The scrape
// chain tries the free local crawler first and falls back to Spider.cloud
// unless a flag pins it to one harvester.
func initEngine(st store.Store) (*harvest.Engine, error) {
	if harvestLocalOnly && harvestSpiderOnly {
		return nil, eris.New("--local-only and --spider-only are mutually exclusive")
	}

	matcher := scrape.NewPathMatcher(cfg.Crawl.ExcludePaths)

	var harvesters []scrape.Harvester
	if !harvestSpiderOnly {
		harvesters = append(harvesters, scrape.NewLocalHarvester(scrape.LocalOptions{
			MaxPages:    cfg.Crawl.MaxPages,
			MaxDepth:    cfg.Crawl.MaxDepth,
			RatePerHost: cfg.Crawl.RatePerHost,
			Matcher:     matcher,
		}))
	}
	if !harvestLocalOnly {
		if cfg.Spider.Key == "" {
			if harvestSpiderOnly {
				return nil, eris.New("spider API key is required (SCRAPECLI_SPIDER_KEY)")
			}
			zap.L().Warn("spider API key not set, blocked sites will fail instead of falling back")
		} else {
			client := spider.NewClient(cfg.Spider.Key, spider.WithBaseURL(cfg.Spider.BaseURL))
			breaker := resilience.NewCircuitBreaker(
				resilience.FromCircuitConfig(cfg.Spider.CircuitThreshold, cfg.Spider.CircuitResetSecs))
			harvesters = append(harvesters, scrape.NewSpiderHarvester(client, scrape.SpiderOptions{
				PageLimit:    cfg.Spider.PageLimit,
				ProxyEnabled: cfg.Spider.ProxyEnabled,
				RequestMode:  cfg.Spider.RequestMode,
				Matcher:      matcher,
				Breaker:      breaker,
			}))
		}
	}
	if len(harvesters) == 0 {
		return nil, eris.New("no harvesters configured")
	}

	harvestCfg := cfg.Harvest
	if harvestLimit > 0 {
		harvestCfg.SiteLimit = harvestLimit
	}
	if harvestConcurrency > 0 {
		harvestCfg.Concurrency = harvestConcurrency
	}
	if harvestUpdateExisting {
		harvestCfg.UpdateExisting = true
	}

	return harvest.NewEngine(st, scrape.NewChain(harvesters...), harvestCfg), nil
}

func init() {
	harvestCmd.Flags().IntVar(&harvestLimit, "limit", 0, "max sites to process this run (default from config)")
	harvestCmd.Flags().IntVar(&harvestConcurrency, "concurrency", 0, "worker count (default from config)")
	harvestCmd.Flags().BoolVar(&harvestUpdateExisting, "update-existing", false, "re-harvest sites that already have documents")
	harvestCmd.Flags().BoolVar(&harvestLocalOnly, "local-only", false, "use only the local crawler")
	harvestCmd.Flags().BoolVar(&harvestSpiderOnly, "spider-only", false, "use only the Spider.cloud API")
	rootCmd.AddCommand(harvestCmd)
}
