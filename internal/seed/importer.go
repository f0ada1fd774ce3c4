// Package seed loads institution directory files into the site queue.
package seed

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/config"
	"github.com/campusdata/scrape-cli/internal/fetcher"
	"github.com/campusdata/scrape-cli/internal/model"
	"github.com/campusdata/scrape-cli/internal/store"
)

// upsertBatchSize bounds how many sites go to the store in one call.
const upsertBatchSize = 500

// Stats summarizes one import.
type Stats struct {
	RowsRead      int   `json:"rows_read"`
	SitesUpserted int64 `json:"sites_upserted"`
	RowsSkipped   int   `json:"rows_skipped"` // blank address or missing unit ID
}

// downloader is the slice of the fetcher API the importer needs; both the
// HTTP and FTP fetchers satisfy it.
type downloader interface {
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Importer reads a directory file (CSV or XLSX, optionally zipped, local or
// remote) and upserts one queue entry per institution website.
type Importer struct {
	store store.Store
	http  downloader
	ftp   downloader
	cfg   config.SeedConfig
}

// NewImporter creates an Importer with default fetchers.
func NewImporter(st store.Store, cfg config.SeedConfig) *Importer {
	if cfg.UnitIDColumn == "" {
		cfg.UnitIDColumn = "UNITID"
	}
	if cfg.WebAddrColumn == "" {
		cfg.WebAddrColumn = "WEBADDR"
	}
	return &Importer{
		store: st,
		http:  fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}),
		ftp:   fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
		cfg:   cfg,
	}
}

// Import loads the directory file at source, which may be a local path or an
// http(s)/ftp URL, plain or inside a ZIP archive.
func (i *Importer) Import(ctx context.Context, source string) (*Stats, error) {
	path, cleanup, err := i.materialize(ctx, source)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if strings.EqualFold(filepath.Ext(path), ".zip") {
		extracted, err := fetcher.ExtractZIPSingle(path, filepath.Dir(path))
		if err != nil {
			return nil, eris.Wrapf(err, "seed: extract %s", source)
		}
		path = extracted
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return i.importCSV(ctx, path)
	case ".xlsx":
		return i.importXLSX(ctx, path)
	default:
		return nil, eris.Errorf("seed: unsupported file type %q", filepath.Ext(path))
	}
}

// materialize returns a local path for the source, downloading it first when
// the source is a URL.
func (i *Importer) materialize(ctx context.Context, source string) (string, func(), error) {
	var f downloader
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		f = i.http
	case strings.HasPrefix(source, "ftp://"):
		f = i.ftp
	default:
		// Local file.
		if _, err := os.Stat(source); err != nil {
			return "", nil, eris.Wrapf(err, "seed: stat %s", source)
		}
		return source, func() {}, nil
	}

	tmpDir, err := os.MkdirTemp("", "scrape-cli-seed-")
	if err != nil {
		return "", nil, eris.Wrap(err, "seed: create temp dir")
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	name := filepath.Base(source)
	if name == "" || name == "." || name == "/" {
		name = "directory.csv"
	}
	dest := filepath.Join(tmpDir, name)

	zap.L().Info("seed: downloading directory file",
		zap.String("source", source),
		zap.String("dest", dest),
	)
	if _, err := f.DownloadToFile(ctx, source, dest); err != nil {
		cleanup()
		return "", nil, eris.Wrapf(err, "seed: download %s", source)
	}
	return dest, cleanup, nil
}

func (i *Importer) importCSV(ctx context.Context, path string) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: open %s", path)
	}
	defer f.Close()

	headerCh := make(chan []string, 1)
	rows, errs := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		HasHeader:  true,
		HeaderCh:   headerCh,
		LazyQuotes: true,
		TrimSpace:  true,
	})
	return i.consume(ctx, headerCh, rows, errs)
}

func (i *Importer) importXLSX(ctx context.Context, path string) (*Stats, error) {
	headerCh := make(chan []string, 1)
	rows, errs := fetcher.StreamXLSX(ctx, path, fetcher.XLSXOptions{
		SkipRows: 1,
		HeaderCh: headerCh,
	})
	return i.consume(ctx, headerCh, rows, errs)
}

// consume maps rows to sites using the header and upserts them in batches.
func (i *Importer) consume(ctx context.Context, headerCh <-chan []string,
	rows <-chan []string, errs <-chan error) (*Stats, error) {

	var header []string
	select {
	case header = <-headerCh:
	case err := <-errs:
		if err != nil {
			return nil, err
		}
		// Stream finished; the header may still be buffered.
		select {
		case header = <-headerCh:
		default:
			return nil, eris.New("seed: directory file has no header row")
		}
	}

	unitIdx, webIdx := -1, -1
	for idx, col := range header {
		switch {
		case strings.EqualFold(strings.TrimSpace(col), i.cfg.UnitIDColumn):
			unitIdx = idx
		case strings.EqualFold(strings.TrimSpace(col), i.cfg.WebAddrColumn):
			webIdx = idx
		}
	}
	if unitIdx < 0 || webIdx < 0 {
		return nil, eris.Errorf("seed: header missing %q or %q column",
			i.cfg.UnitIDColumn, i.cfg.WebAddrColumn)
	}

	stats := &Stats{}
	batch := make([]model.Site, 0, upsertBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := i.store.UpsertSites(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "seed: upsert batch")
		}
		stats.SitesUpserted += n
		batch = batch[:0]
		return nil
	}

	for row := range rows {
		stats.RowsRead++
		if unitIdx >= len(row) || webIdx >= len(row) {
			stats.RowsSkipped++
			continue
		}
		unitID := strings.TrimSpace(row[unitIdx])
		webAddr := strings.TrimSpace(row[webIdx])
		url := model.NormalizeSiteURL(webAddr)
		if unitID == "" || url == "" {
			stats.RowsSkipped++
			continue
		}
		batch = append(batch, model.Site{
			UnitID:  unitID,
			WebAddr: webAddr,
			URL:     url,
		})
		if len(batch) >= upsertBatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := <-errs; err != nil && !eris.Is(err, io.EOF) {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}

	zap.L().Info("seed: import complete",
		zap.Int("rows", stats.RowsRead),
		zap.Int64("upserted", stats.SitesUpserted),
		zap.Int("skipped", stats.RowsSkipped),
	)
	return stats, nil
}
