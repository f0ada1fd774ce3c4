package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/campusdata/scrape-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The claim transaction relies on a single writer.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sites (
	unit_id     TEXT PRIMARY KEY,
	web_addr    TEXT NOT NULL,
	url         TEXT NOT NULL UNIQUE,
	status      TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	claimed_at  DATETIME,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS documents (
	doc_id       TEXT PRIMARY KEY,
	site_url     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	page_url     TEXT NOT NULL,
	title        TEXT,
	content      TEXT NOT NULL,
	markdown     TEXT,
	content_hash TEXT NOT NULL,
	truncated    INTEGER NOT NULL DEFAULT 0,
	scraped_at   DATETIME NOT NULL,
	UNIQUE(site_url, content_hash)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	document       TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sites_status ON sites(status);
CREATE INDEX IF NOT EXISTS idx_sites_status_created ON sites(status, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_site_url ON documents(site_url);
CREATE INDEX IF NOT EXISTS idx_documents_unit_id ON documents(unit_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertSites(ctx context.Context, sites []model.Site) (int64, error) {
	if len(sites) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sites (unit_id, web_addr, url, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(unit_id) DO UPDATE SET web_addr = excluded.web_addr, url = excluded.url, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for _, site := range sites {
		res, err := stmt.ExecContext(ctx, site.UnitID, site.WebAddr, site.URL, string(model.SiteStatusPending), now, now)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert site %s", site.UnitID)
		}
		rows, _ := res.RowsAffected()
		n += rows
	}

	if err := tx.Commit(); err != nil {
		return n, eris.Wrap(err, "sqlite: commit upsert")
	}
	return n, nil
}

func (s *SQLiteStore) GetSite(ctx context.Context, unitID string) (*model.Site, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at
		 FROM sites WHERE unit_id = ?`, unitID)
	return scanSite(row)
}

func (s *SQLiteStore) ListSites(ctx context.Context, filter SiteFilter) ([]model.Site, error) {
	query := `SELECT unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at FROM sites WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) ClaimNextSite(ctx context.Context, retryLimit int) (*model.Site, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT unit_id FROM sites
		 WHERE status = ? AND retry_count < ?
		 ORDER BY created_at LIMIT 1`,
		string(model.SiteStatusPending), retryLimit,
	)
	var unitID string
	if err := row.Scan(&unitID); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: select claim candidate")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sites SET status = ?, claimed_at = ?, updated_at = ? WHERE unit_id = ?`,
		string(model.SiteStatusProcessing), now, now, unitID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim site %s", unitID)
	}

	claimed := tx.QueryRowContext(ctx,
		`SELECT unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at
		 FROM sites WHERE unit_id = ?`, unitID)
	site, err := scanSite(claimed)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return site, nil
}

func (s *SQLiteStore) ReleaseSite(ctx context.Context, unitID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = ?, claimed_at = NULL, updated_at = ? WHERE unit_id = ? AND status = ?`,
		string(model.SiteStatusPending), time.Now().UTC(), unitID, string(model.SiteStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release site %s", unitID)
	}
	return checkRowsAffected(res, "site", unitID)
}

func (s *SQLiteStore) MarkSiteProcessed(ctx context.Context, unitID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = ?, claimed_at = NULL, updated_at = ? WHERE unit_id = ?`,
		string(model.SiteStatusProcessed), time.Now().UTC(), unitID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processed %s", unitID)
	}
	return checkRowsAffected(res, "site", unitID)
}

func (s *SQLiteStore) MarkSiteError(ctx context.Context, unitID string, retryLimit int) error {
	// Increment first, then decide between error and pending based on the
	// new count.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
			claimed_at = NULL,
			updated_at = ?
		 WHERE unit_id = ?`,
		retryLimit, string(model.SiteStatusError), string(model.SiteStatusPending),
		time.Now().UTC(), unitID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark error %s", unitID)
	}
	return checkRowsAffected(res, "site", unitID)
}

func (s *SQLiteStore) ResetErrors(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = ?, retry_count = 0, updated_at = ? WHERE status = ?`,
		string(model.SiteStatusPending), time.Now().UTC(), string(model.SiteStatusError),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset errors")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ReleaseStaleClaims(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET status = ?, claimed_at = NULL, updated_at = ?
		 WHERE status = ? AND claimed_at < ?`,
		string(model.SiteStatusPending), time.Now().UTC(),
		string(model.SiteStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stale claims")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SiteHasDocuments(ctx context.Context, siteURL string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE site_url = ?`, siteURL,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: site has documents")
	}
	return n > 0, nil
}

func (s *SQLiteStore) DocumentExists(ctx context.Context, siteURL, contentHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE site_url = ? AND content_hash = ?`,
		siteURL, contentHash,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: document exists")
	}
	return n > 0, nil
}

func (s *SQLiteStore) InsertDocument(ctx context.Context, doc model.Document, updateExisting bool) (bool, error) {
	var res sql.Result
	var err error
	if updateExisting {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO documents (doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(doc_id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				markdown = excluded.markdown,
				content_hash = excluded.content_hash,
				truncated = excluded.truncated,
				scraped_at = excluded.scraped_at`,
			doc.DocID, doc.SiteURL, doc.UnitID, doc.PageURL, doc.Title,
			doc.Content, doc.Markdown, doc.ContentHash, doc.Truncated, doc.ScrapedAt,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO documents (doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.DocID, doc.SiteURL, doc.UnitID, doc.PageURL, doc.Title,
			doc.Content, doc.Markdown, doc.ContentHash, doc.Truncated, doc.ScrapedAt,
		)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert document %s", doc.DocID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, docID string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at
		 FROM documents WHERE doc_id = ?`, docID)

	var d model.Document
	var title, markdown sql.NullString
	err := row.Scan(&d.DocID, &d.SiteURL, &d.UnitID, &d.PageURL, &title,
		&d.Content, &markdown, &d.ContentHash, &d.Truncated, &d.ScrapedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("document not found: %s", docID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get document")
	}
	d.Title = title.String
	d.Markdown = markdown.String
	return &d, nil
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	docJSON, err := marshalDocument(entry.Document)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, document, error, error_type, retry_count, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, docJSON, entry.Error, entry.ErrorType, entry.RetryCount,
		entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document, error, error_type, retry_count, created_at, last_failed_at
		 FROM dead_letters ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		var docJSON string
		if err := rows.Scan(&e.ID, &docJSON, &e.Error, &e.ErrorType, &e.RetryCount, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		doc, err := unmarshalDocument(docJSON)
		if err != nil {
			return nil, err
		}
		e.Document = *doc
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dlq %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM sites GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats sites")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		applySiteCount(&st, status, n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats iterate")
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents`).Scan(&st.Documents); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats documents")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dead_letters`).Scan(&st.DLQDepth); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats dlq")
	}
	return &st, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func applySiteCount(st *Stats, status string, n int) {
	switch model.SiteStatus(status) {
	case model.SiteStatusPending:
		st.SitesPending = n
	case model.SiteStatusProcessing:
		st.SitesProcessing = n
	case model.SiteStatusProcessed:
		st.SitesProcessed = n
	case model.SiteStatusError:
		st.SitesError = n
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSite(row scannable) (*model.Site, error) {
	var site model.Site
	var status string
	var claimedAt sql.NullTime

	err := row.Scan(&site.UnitID, &site.WebAddr, &site.URL, &status,
		&site.RetryCount, &claimedAt, &site.CreatedAt, &site.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("site not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan site")
	}

	site.Status = model.SiteStatus(status)
	if claimedAt.Valid {
		t := claimedAt.Time
		site.ClaimedAt = &t
	}
	return &site, nil
}
