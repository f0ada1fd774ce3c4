package seed

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdata/scrape-cli/internal/config"
	"github.com/campusdata/scrape-cli/internal/model"
	"github.com/campusdata/scrape-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const directoryCSV = `UNITID,INSTNM,WEBADDR
100654,Alabama A & M University,www.aamu.edu
100663,University of Alabama at Birmingham,https://www.uab.edu/
100690,Amridge University,
100706,University of Alabama in Huntsville,www.uah.edu
`

func TestImporter_CSV(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	path := writeFile(t, "hd2025.csv", directoryCSV)

	imp := NewImporter(st, config.SeedConfig{})
	stats, err := imp.Import(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.RowsRead)
	assert.Equal(t, int64(3), stats.SitesUpserted)
	assert.Equal(t, 1, stats.RowsSkipped) // blank web address

	site, err := st.GetSite(ctx, "100654")
	require.NoError(t, err)
	assert.Equal(t, "www.aamu.edu", site.WebAddr)
	assert.Equal(t, "https://www.aamu.edu", site.URL)
	assert.Equal(t, model.SiteStatusPending, site.Status)

	// Trailing slash stripped during normalization.
	site, err = st.GetSite(ctx, "100663")
	require.NoError(t, err)
	assert.Equal(t, "https://www.uab.edu", site.URL)
}

func TestImporter_CSV_Reimport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	path := writeFile(t, "hd2025.csv", directoryCSV)

	imp := NewImporter(st, config.SeedConfig{})
	_, err := imp.Import(ctx, path)
	require.NoError(t, err)

	// A second import updates in place instead of duplicating.
	_, err = imp.Import(ctx, path)
	require.NoError(t, err)

	sites, err := st.ListSites(ctx, store.SiteFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, sites, 3)
}

func TestImporter_CSV_CustomColumns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	path := writeFile(t, "custom.csv", "id,homepage\n42,example.edu\n")

	imp := NewImporter(st, config.SeedConfig{UnitIDColumn: "id", WebAddrColumn: "homepage"})
	stats, err := imp.Import(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SitesUpserted)

	site, err := st.GetSite(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "https://example.edu", site.URL)
}

func TestImporter_CSV_MissingColumn(t *testing.T) {
	st := newTestStore(t)
	path := writeFile(t, "bad.csv", "UNITID,INSTNM\n1,Some College\n")

	imp := NewImporter(st, config.SeedConfig{})
	_, err := imp.Import(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBADDR")
}

func TestImporter_ZippedCSV(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	zipPath := filepath.Join(t.TempDir(), "hd2025.zip")
	zf, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	w, err := zw.Create("hd2025.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(directoryCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	imp := NewImporter(st, config.SeedConfig{})
	stats, err := imp.Import(ctx, zipPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.SitesUpserted)
}

func TestImporter_UnsupportedExtension(t *testing.T) {
	st := newTestStore(t)
	path := writeFile(t, "data.parquet", "not really")

	imp := NewImporter(st, config.SeedConfig{})
	_, err := imp.Import(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestImporter_MissingFile(t *testing.T) {
	st := newTestStore(t)
	imp := NewImporter(st, config.SeedConfig{})
	_, err := imp.Import(context.Background(), "/nonexistent/hd2025.csv")
	require.Error(t, err)
}

func TestImporter_EmptyFile(t *testing.T) {
	st := newTestStore(t)
	path := writeFile(t, "empty.csv", "")

	imp := NewImporter(st, config.SeedConfig{})
	_, err := imp.Import(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}
