package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docvault/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool holds a single connection so per-connection pragmas stick and
// transactions serialize.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS physical_files (
	id            TEXT PRIMARY KEY,
	hash          TEXT NOT NULL UNIQUE,
	storage_path  TEXT NOT NULL,
	size          INTEGER NOT NULL DEFAULT 0,
	mime_type     TEXT NOT NULL DEFAULT '',
	original_name TEXT NOT NULL DEFAULT '',
	parse_result  TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL UNIQUE,
	description          TEXT NOT NULL DEFAULT '',
	fields               TEXT NOT NULL,
	confidence_threshold REAL,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extractions (
	id                  TEXT PRIMARY KEY,
	physical_file_id    TEXT NOT NULL REFERENCES physical_files(id) ON DELETE CASCADE,
	template_id         TEXT NOT NULL DEFAULT '',
	file_name           TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	attempt             INTEGER NOT NULL DEFAULT 0,
	template_confidence REAL NOT NULL DEFAULT 0,
	organized_path      TEXT NOT NULL DEFAULT '',
	search_index_ref    TEXT NOT NULL DEFAULT '',
	job_id              TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	processed_at        DATETIME,
	UNIQUE (physical_file_id, template_id)
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	id                 TEXT PRIMARY KEY,
	extraction_id      TEXT NOT NULL REFERENCES extractions(id) ON DELETE CASCADE,
	field_name         TEXT NOT NULL,
	value              TEXT NOT NULL DEFAULT '',
	confidence         REAL NOT NULL DEFAULT 0,
	needs_verification BOOLEAN NOT NULL DEFAULT FALSE,
	verified           BOOLEAN NOT NULL DEFAULT FALSE,
	verified_value     TEXT,
	verified_at        DATETIME,
	page               INTEGER NOT NULL DEFAULT 0,
	bbox               TEXT,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE (extraction_id, field_name)
);

CREATE TABLE IF NOT EXISTS verifications (
	id                  TEXT PRIMARY KEY,
	field_id            TEXT NOT NULL,
	extraction_id       TEXT NOT NULL,
	session_id          TEXT NOT NULL DEFAULT '',
	original_value      TEXT NOT NULL DEFAULT '',
	original_confidence REAL NOT NULL DEFAULT 0,
	corrected_value     TEXT NOT NULL DEFAULT '',
	verification_type   TEXT NOT NULL,
	notes               TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_sessions (
	id           TEXT PRIMARY KEY,
	reviewer     TEXT NOT NULL DEFAULT '',
	total        INTEGER NOT NULL DEFAULT 0,
	completed    INTEGER NOT NULL DEFAULT 0,
	correct      INTEGER NOT NULL DEFAULT 0,
	incorrect    INTEGER NOT NULL DEFAULT 0,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS canonical_field_mappings (
	id             TEXT PRIMARY KEY,
	canonical_name TEXT NOT NULL UNIQUE COLLATE NOCASE,
	description    TEXT NOT NULL DEFAULT '',
	field_mappings TEXT NOT NULL,
	aggregation    TEXT NOT NULL DEFAULT 'sum',
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS canonical_aliases (
	id         TEXT PRIMARY KEY,
	mapping_id TEXT NOT NULL REFERENCES canonical_field_mappings(id),
	alias      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS query_patterns (
	id            TEXT PRIMARY KEY,
	pattern       TEXT NOT NULL,
	template_name TEXT NOT NULL DEFAULT '',
	skeleton      TEXT NOT NULL,
	param_types   TEXT NOT NULL DEFAULT '[]',
	usage_count   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	success_rate  REAL NOT NULL DEFAULT 1,
	last_used_at  DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (pattern, template_name)
);

CREATE TABLE IF NOT EXISTS query_cache (
	id            TEXT PRIMARY KEY,
	cache_key     TEXT NOT NULL UNIQUE,
	query_text    TEXT NOT NULL,
	params        TEXT,
	query         TEXT NOT NULL,
	pattern_id    TEXT NOT NULL DEFAULT '',
	hit_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME NOT NULL,
	expires_at    DATETIME NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	total      INTEGER NOT NULL DEFAULT 0,
	processed  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extractions_status ON extractions(status);
CREATE INDEX IF NOT EXISTS idx_extractions_organized_path ON extractions(organized_path);
CREATE INDEX IF NOT EXISTS idx_extracted_fields_queue ON extracted_fields(needs_verification, verified);
CREATE INDEX IF NOT EXISTS idx_verifications_field_id ON verifications(field_id);
CREATE INDEX IF NOT EXISTS idx_verifications_session_id ON verifications(session_id);
CREATE INDEX IF NOT EXISTS idx_canonical_aliases_mapping_id ON canonical_aliases(mapping_id);
CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in one transaction. fn must only use tx: the pool has a single
// connection and the transaction holds it.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// likePrefix escapes a path for a LIKE 'prefix/%' match.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.TrimSuffix(prefix, "/")) + "/%"
}

func scanSQLiteExtractions(rows *sql.Rows) ([]model.Extraction, error) {
	defer rows.Close()
	var out []model.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate extractions")
}
