package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdata/scrape-cli/internal/config"
	"github.com/campusdata/scrape-cli/internal/store"
)

func newEngineStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func resetHarvestFlags() {
	harvestLimit = 0
	harvestConcurrency = 0
	harvestUpdateExisting = false
	harvestLocalOnly = false
	harvestSpiderOnly = false
}

func TestInitEngine_LocalOnly(t *testing.T) {
	resetHarvestFlags()
	harvestLocalOnly = true
	cfg = &config.Config{}

	engine, err := initEngine(newEngineStore(t))
	require.NoError(t, err)
	assert.NotNil(t, engine)
}

func TestInitEngine_NoSpiderKeyFallsBackToLocal(t *testing.T) {
	resetHarvestFlags()
	cfg = &config.Config{}

	engine, err := initEngine(newEngineStore(t))
	require.NoError(t, err)
	assert.NotNil(t, engine)
}

func TestInitEngine_SpiderOnlyRequiresKey(t *testing.T) {
	resetHarvestFlags()
	harvestSpiderOnly = true
	cfg = &config.Config{}

	engine, err := initEngine(newEngineStore(t))
	assert.Nil(t, engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spider API key is required")
}

func TestInitEngine_MutuallyExclusiveFlags(t *testing.T) {
	resetHarvestFlags()
	harvestLocalOnly = true
	harvestSpiderOnly = true
	cfg = &config.Config{}

	engine, err := initEngine(newEngineStore(t))
	assert.Nil(t, engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestInitEngine_SpiderConfigured(t *testing.T) {
	resetHarvestFlags()
	cfg = &config.Config{
		Spider: config.SpiderConfig{
			Key:       "sk-test",
			PageLimit: 200,
		},
	}

	engine, err := initEngine(newEngineStore(t))
	require.NoError(t, err)
	assert.NotNil(t, engine)
}
