package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/campusdata/scrape-cli/internal/resilience"
	"github.com/campusdata/scrape-cli/internal/store"
)

// initStore opens the configured store backend. Postgres connections are
// retried with backoff since a cold serverless database can refuse the first
// attempt.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "scrape.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store database URL is required (SCRAPECLI_STORE_DATABASE_URL)")
		}
		poolCfg := &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}
		retryCfg := resilience.FromRetryConfig(cfg.Store.ConnectAttempts, cfg.Store.ConnectBackoffMs, 0, 0, -1)
		retryCfg.OnRetry = resilience.RetryLogger("postgres", "connect")

		var st store.Store
		err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
			var err error
			st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolCfg)
			return err
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
