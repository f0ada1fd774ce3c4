package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Run from an empty directory so no config.yaml is picked up.
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://api.spider.cloud", cfg.Spider.BaseURL)
	assert.Equal(t, 500, cfg.Spider.PageLimit)
	assert.True(t, cfg.Spider.ProxyEnabled)
	assert.Equal(t, "smart", cfg.Spider.RequestMode)
	assert.Equal(t, 5, cfg.Spider.CircuitThreshold)
	assert.Equal(t, 3, cfg.Store.ConnectAttempts)
	assert.Equal(t, 200, cfg.Harvest.SiteLimit)
	assert.Equal(t, 3, cfg.Harvest.RetryLimit)
	assert.Equal(t, 1024*1024, cfg.Harvest.MaxDocSize)
	assert.False(t, cfg.Harvest.UpdateExisting)
	assert.Equal(t, "UNITID", cfg.Seed.UnitIDColumn)
	assert.Equal(t, "WEBADDR", cfg.Seed.WebAddrColumn)
	assert.Contains(t, cfg.Crawl.ExcludePaths, "/calendar/*")
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
store:
  driver: sqlite
  database_url: harvest.db
spider:
  key: test-key
  page_limit: 50
harvest:
  site_limit: 10
  retry_limit: 5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "harvest.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "test-key", cfg.Spider.Key)
	assert.Equal(t, 50, cfg.Spider.PageLimit)
	assert.Equal(t, 10, cfg.Harvest.SiteLimit)
	assert.Equal(t, 5, cfg.Harvest.RetryLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still applied for unset keys.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("SCRAPECLI_SPIDER_KEY", "env-key")
	t.Setenv("SCRAPECLI_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Spider.Key)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger_Valid(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)
}
