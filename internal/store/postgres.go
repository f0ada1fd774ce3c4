package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/campusdata/scrape-cli/internal/db"
	"github.com/campusdata/scrape-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"claim_next_site": `UPDATE sites SET status = 'processing', claimed_at = now(), updated_at = now()
		WHERE unit_id = (
			SELECT unit_id FROM sites
			WHERE status = 'pending' AND retry_count < $1
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at`,
	"mark_site_processed": `UPDATE sites SET status = 'processed', claimed_at = NULL, updated_at = now() WHERE unit_id = $1`,
	"document_exists":     `SELECT EXISTS(SELECT 1 FROM documents WHERE site_url = $1 AND content_hash = $2)`,
	"site_has_documents":  `SELECT EXISTS(SELECT 1 FROM documents WHERE site_url = $1)`,
	"insert_document": `INSERT INTO documents (doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., bulk seed imports).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sites (
	unit_id     TEXT PRIMARY KEY,
	web_addr    TEXT NOT NULL,
	url         TEXT NOT NULL UNIQUE,
	status      TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	claimed_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sites_status ON sites(status);
CREATE INDEX IF NOT EXISTS idx_sites_status_created ON sites(status, created_at);

CREATE TABLE IF NOT EXISTS documents (
	doc_id       TEXT PRIMARY KEY,
	site_url     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	page_url     TEXT NOT NULL,
	title        TEXT,
	content      TEXT NOT NULL,
	markdown     TEXT,
	content_hash TEXT NOT NULL,
	truncated    BOOLEAN NOT NULL DEFAULT false,
	scraped_at   TIMESTAMPTZ NOT NULL,
	UNIQUE(site_url, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_documents_site_url ON documents(site_url);
CREATE INDEX IF NOT EXISTS idx_documents_unit_id ON documents(unit_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document       JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_error_type ON dead_letters(error_type);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertSites(ctx context.Context, sites []model.Site) (int64, error) {
	if len(sites) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(sites))
	for _, site := range sites {
		rows = append(rows, []any{
			site.UnitID, site.WebAddr, site.URL, string(model.SiteStatusPending), now, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "sites",
		Columns:      []string{"unit_id", "web_addr", "url", "status", "created_at", "updated_at"},
		ConflictKeys: []string{"unit_id"},
		UpdateCols:   []string{"web_addr", "url", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert sites")
}

func (s *PostgresStore) GetSite(ctx context.Context, unitID string) (*model.Site, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at
		 FROM sites WHERE unit_id = $1`, unitID)
	site, err := scanPGSite(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get site %s", unitID)
	}
	return site, nil
}

func (s *PostgresStore) ListSites(ctx context.Context, filter SiteFilter) ([]model.Site, error) {
	query := `SELECT unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at FROM sites WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		site, err := scanPGSite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		sites = append(sites, *site)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

func (s *PostgresStore) ClaimNextSite(ctx context.Context, retryLimit int) (*model.Site, error) {
	// SKIP LOCKED lets concurrent workers claim distinct sites without
	// blocking each other.
	row := s.pool.QueryRow(ctx,
		`UPDATE sites SET status = 'processing', claimed_at = now(), updated_at = now()
		 WHERE unit_id = (
			SELECT unit_id FROM sites
			WHERE status = 'pending' AND retry_count < $1
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING unit_id, web_addr, url, status, retry_count, claimed_at, created_at, updated_at`,
		retryLimit,
	)
	site, err := scanPGSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim next site")
	}
	return site, nil
}

func (s *PostgresStore) ReleaseSite(ctx context.Context, unitID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET status = 'pending', claimed_at = NULL, updated_at = now()
		 WHERE unit_id = $1 AND status = 'processing'`,
		unitID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release site %s", unitID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("site not found: %s", unitID)
	}
	return nil
}

func (s *PostgresStore) MarkSiteProcessed(ctx context.Context, unitID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET status = 'processed', claimed_at = NULL, updated_at = now() WHERE unit_id = $1`,
		unitID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processed %s", unitID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("site not found: %s", unitID)
	}
	return nil
}

func (s *PostgresStore) MarkSiteError(ctx context.Context, unitID string, retryLimit int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $1 THEN 'error' ELSE 'pending' END,
			claimed_at = NULL,
			updated_at = now()
		 WHERE unit_id = $2`,
		retryLimit, unitID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark error %s", unitID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("site not found: %s", unitID)
	}
	return nil
}

func (s *PostgresStore) ResetErrors(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET status = 'pending', retry_count = 0, updated_at = now() WHERE status = 'error'`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset errors")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET status = 'pending', claimed_at = NULL, updated_at = now()
		 WHERE status = 'processing' AND claimed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release stale claims")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SiteHasDocuments(ctx context.Context, siteURL string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE site_url = $1)`,
		siteURL,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: site has documents")
}

func (s *PostgresStore) DocumentExists(ctx context.Context, siteURL, contentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE site_url = $1 AND content_hash = $2)`,
		siteURL, contentHash,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: document exists")
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc model.Document, updateExisting bool) (bool, error) {
	query := `INSERT INTO documents (doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`
	if updateExisting {
		query = `INSERT INTO documents (doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (doc_id) DO UPDATE SET
			title = $5, content = $6, markdown = $7, content_hash = $8, truncated = $9, scraped_at = $10`
	}

	tag, err := s.pool.Exec(ctx, query,
		doc.DocID, doc.SiteURL, doc.UnitID, doc.PageURL, doc.Title,
		doc.Content, doc.Markdown, doc.ContentHash, doc.Truncated, doc.ScrapedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert document %s", doc.DocID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (*model.Document, error) {
	var d model.Document
	var title, markdown *string

	err := s.pool.QueryRow(ctx,
		`SELECT doc_id, site_url, unit_id, page_url, title, content, markdown, content_hash, truncated, scraped_at
		 FROM documents WHERE doc_id = $1`,
		docID,
	).Scan(&d.DocID, &d.SiteURL, &d.UnitID, &d.PageURL, &title,
		&d.Content, &markdown, &d.ContentHash, &d.Truncated, &d.ScrapedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("document not found: %s", docID)
		}
		return nil, eris.Wrapf(err, "postgres: get document %s", docID)
	}
	if title != nil {
		d.Title = *title
	}
	if markdown != nil {
		d.Markdown = *markdown
	}
	return &d, nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry DLQEntry) error {
	docJSON, err := marshalDocument(entry.Document)
	if err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, document, error, error_type, retry_count, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			error = $3, error_type = $4, retry_count = $5, last_failed_at = $7`,
		entry.ID, docJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, document, error, error_type, retry_count, created_at, last_failed_at
		 FROM dead_letters ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		var docJSON []byte
		if err := rows.Scan(&e.ID, &docJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		doc, err := unmarshalDocument(string(docJSON))
		if err != nil {
			return nil, err
		}
		e.Document = *doc
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM sites GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats sites")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats")
		}
		applySiteCount(&st, status, n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats iterate")
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&st.Documents); err != nil {
		return nil, eris.Wrap(err, "postgres: stats documents")
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&st.DLQDepth); err != nil {
		return nil, eris.Wrap(err, "postgres: stats dlq")
	}
	return &st, nil
}

func scanPGSite(row pgx.Row) (*model.Site, error) {
	var site model.Site
	var status string
	var claimedAt *time.Time

	err := row.Scan(&site.UnitID, &site.WebAddr, &site.URL, &status,
		&site.RetryCount, &claimedAt, &site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		return nil, err
	}
	site.Status = model.SiteStatus(status)
	site.ClaimedAt = claimedAt
	return &site, nil
}
