package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/db"
	"github.com/sells-group/docvault/internal/model"
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

// preparedStatements lists the hot-path reads prepared on each new connection.
var preparedStatements = map[string]string{
	"get_extraction":  extractionSelect + ` WHERE e.id = $1`,
	"get_field":       `SELECT ` + fieldCols + ` FROM extracted_fields f WHERE f.id = $1`,
	"get_file_hash":   `SELECT ` + fileCols + ` FROM physical_files WHERE hash = $1`,
	"get_query_cache": `SELECT ` + cacheCols + ` FROM query_cache WHERE cache_key = $1 AND expires_at > now()`,
	"get_job":         `SELECT ` + jobCols + ` FROM jobs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

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

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS physical_files (
	id            TEXT PRIMARY KEY,
	hash          TEXT NOT NULL UNIQUE,
	storage_path  TEXT NOT NULL,
	size          BIGINT NOT NULL DEFAULT 0,
	mime_type     TEXT NOT NULL DEFAULT '',
	original_name TEXT NOT NULL DEFAULT '',
	parse_result  JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS templates (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL UNIQUE,
	description          TEXT NOT NULL DEFAULT '',
	fields               JSONB NOT NULL,
	confidence_threshold DOUBLE PRECISION,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extractions (
	id                  TEXT PRIMARY KEY,
	physical_file_id    TEXT NOT NULL REFERENCES physical_files(id) ON DELETE CASCADE,
	template_id         TEXT NOT NULL DEFAULT '',
	file_name           TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	attempt             INTEGER NOT NULL DEFAULT 0,
	template_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	organized_path      TEXT NOT NULL DEFAULT '',
	search_index_ref    TEXT NOT NULL DEFAULT '',
	job_id              TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at        TIMESTAMPTZ,
	UNIQUE (physical_file_id, template_id)
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	id                 TEXT PRIMARY KEY,
	extraction_id      TEXT NOT NULL REFERENCES extractions(id) ON DELETE CASCADE,
	field_name         TEXT NOT NULL,
	value              TEXT NOT NULL DEFAULT '',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	needs_verification BOOLEAN NOT NULL DEFAULT FALSE,
	verified           BOOLEAN NOT NULL DEFAULT FALSE,
	verified_value     TEXT,
	verified_at        TIMESTAMPTZ,
	page               INTEGER NOT NULL DEFAULT 0,
	bbox               JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (extraction_id, field_name)
);

CREATE TABLE IF NOT EXISTS verifications (
	id                  TEXT PRIMARY KEY,
	field_id            TEXT NOT NULL,
	extraction_id       TEXT NOT NULL,
	session_id          TEXT NOT NULL DEFAULT '',
	original_value      TEXT NOT NULL DEFAULT '',
	original_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	corrected_value     TEXT NOT NULL DEFAULT '',
	verification_type   TEXT NOT NULL,
	notes               TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS verification_sessions (
	id           TEXT PRIMARY KEY,
	reviewer     TEXT NOT NULL DEFAULT '',
	total        INTEGER NOT NULL DEFAULT 0,
	completed    INTEGER NOT NULL DEFAULT 0,
	correct      INTEGER NOT NULL DEFAULT 0,
	incorrect    INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS canonical_field_mappings (
	id             TEXT PRIMARY KEY,
	canonical_name TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	field_mappings JSONB NOT NULL,
	aggregation    TEXT NOT NULL DEFAULT 'sum',
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_canonical_name_lower ON canonical_field_mappings (lower(canonical_name));

CREATE TABLE IF NOT EXISTS canonical_aliases (
	id         TEXT PRIMARY KEY,
	mapping_id TEXT NOT NULL REFERENCES canonical_field_mappings(id),
	alias      TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_canonical_alias_lower ON canonical_aliases (lower(alias));

CREATE TABLE IF NOT EXISTS query_patterns (
	id            TEXT PRIMARY KEY,
	pattern       TEXT NOT NULL,
	template_name TEXT NOT NULL DEFAULT '',
	skeleton      JSONB NOT NULL,
	param_types   JSONB NOT NULL DEFAULT '[]',
	usage_count   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	success_rate  DOUBLE PRECISION NOT NULL DEFAULT 1,
	last_used_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pattern, template_name)
);

CREATE TABLE IF NOT EXISTS query_cache (
	id            TEXT PRIMARY KEY,
	cache_key     TEXT NOT NULL UNIQUE,
	query_text    TEXT NOT NULL,
	params        JSONB,
	query         JSONB NOT NULL,
	pattern_id    TEXT NOT NULL DEFAULT '',
	hit_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	total      INTEGER NOT NULL DEFAULT 0,
	processed  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extractions_status ON extractions(status);
CREATE INDEX IF NOT EXISTS idx_extractions_organized_path ON extractions(organized_path text_pattern_ops);
CREATE INDEX IF NOT EXISTS idx_extracted_fields_queue ON extracted_fields(confidence) WHERE needs_verification AND NOT verified;
CREATE INDEX IF NOT EXISTS idx_verifications_field_id ON verifications(field_id);
CREATE INDEX IF NOT EXISTS idx_verifications_session_id ON verifications(session_id);
CREATE INDEX IF NOT EXISTS idx_canonical_aliases_mapping_id ON canonical_aliases(mapping_id);
CREATE INDEX IF NOT EXISTS idx_query_cache_expires_at ON query_cache(expires_at);
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

// helpers

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return notFound(entity, id)
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func collectExtractions(rows pgx.Rows) ([]model.Extraction, error) {
	defer rows.Close()
	var out []model.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate extractions")
}
