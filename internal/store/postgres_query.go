package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/db"
	"github.com/sells-group/docvault/internal/model"
)

// --- Canonical mappings ---

func (s *PostgresStore) UpsertCanonicalMapping(ctx context.Context, m *model.CanonicalFieldMapping) (*model.CanonicalFieldMapping, error) {
	if m.CanonicalName == "" {
		return nil, eris.New("postgres: canonical name is required")
	}
	mappings, err := toJSON(m.FieldMappings)
	if err != nil {
		return nil, err
	}
	agg := m.Aggregation
	if agg == "" {
		agg = model.AggregateSum
	}
	now := time.Now().UTC()

	var out *model.CanonicalFieldMapping
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = scanMapping(tx.QueryRow(ctx,
			`INSERT INTO canonical_field_mappings AS m (id, canonical_name, description, field_mappings, aggregation, is_active, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT ((lower(canonical_name))) DO UPDATE SET description = EXCLUDED.description,
			 field_mappings = EXCLUDED.field_mappings, aggregation = EXCLUDED.aggregation,
			 is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
			 RETURNING `+mappingCols,
			uuid.New().String(), m.CanonicalName, m.Description, mappings, string(agg), m.IsActive, now, now,
		))
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert canonical mapping %s", m.CanonicalName)
		}
		for _, a := range m.Aliases {
			if _, err := tx.Exec(ctx,
				`INSERT INTO canonical_aliases (id, mapping_id, alias, is_active, created_at) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT ((lower(alias))) DO UPDATE SET mapping_id = EXCLUDED.mapping_id, is_active = EXCLUDED.is_active`,
				uuid.New().String(), out.ID, a.Alias, a.IsActive, now,
			); err != nil {
				return eris.Wrapf(err, "postgres: upsert alias %s", a.Alias)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Aliases, err = s.aliases(ctx, out.ID, false)
	return out, err
}

func (s *PostgresStore) AddCanonicalAlias(ctx context.Context, mappingID, alias string) (*model.CanonicalAlias, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, eris.New("postgres: alias is required")
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO canonical_aliases (id, mapping_id, alias, is_active, created_at) VALUES ($1, $2, $3, TRUE, $4)
		 ON CONFLICT ((lower(alias))) DO UPDATE SET mapping_id = EXCLUDED.mapping_id, is_active = TRUE
		 RETURNING `+aliasCols,
		uuid.New().String(), mappingID, alias, time.Now().UTC(),
	)
	a, err := scanAlias(row)
	return a, eris.Wrapf(err, "postgres: add alias %s", alias)
}

func (s *PostgresStore) FindCanonical(ctx context.Context, term string) (*model.CanonicalFieldMapping, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+mappingCols+` FROM canonical_field_mappings m
		 WHERE m.is_active AND (lower(m.canonical_name) = lower($1) OR EXISTS (
			SELECT 1 FROM canonical_aliases a
			WHERE a.mapping_id = m.id AND a.is_active AND lower(a.alias) = lower($1)))
		 LIMIT 1`,
		term,
	)
	m, err := scanMapping(row)
	if model.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find canonical %s", term)
	}
	m.Aliases, err = s.aliases(ctx, m.ID, true)
	return m, err
}

func (s *PostgresStore) ListCanonicalMappings(ctx context.Context, activeOnly bool) ([]model.CanonicalFieldMapping, error) {
	query := `SELECT ` + mappingCols + ` FROM canonical_field_mappings m`
	if activeOnly {
		query += ` WHERE m.is_active`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY m.canonical_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list canonical mappings")
	}
	var out []model.CanonicalFieldMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list canonical mappings iterate")
	}

	for i := range out {
		if out[i].Aliases, err = s.aliases(ctx, out[i].ID, activeOnly); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) aliases(ctx context.Context, mappingID string, activeOnly bool) ([]model.CanonicalAlias, error) {
	query := `SELECT ` + aliasCols + ` FROM canonical_aliases WHERE mapping_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY alias`, mappingID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list aliases %s", mappingID)
	}
	defer rows.Close()

	var out []model.CanonicalAlias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list aliases iterate")
}

func (s *PostgresStore) DeactivateCanonicalMapping(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE canonical_field_mappings SET is_active = FALSE, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate canonical mapping %s", id)
	}
	return checkTag(tag, "canonical mapping", id)
}

func (s *PostgresStore) DeactivateCanonicalAlias(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE canonical_aliases SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate canonical alias %s", id)
	}
	return checkTag(tag, "canonical alias", id)
}

// --- Query cache ---

func (s *PostgresStore) GetQueryCache(ctx context.Context, key string) (*model.QueryCacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cacheCols+` FROM query_cache WHERE cache_key = $1 AND expires_at > now()`, key)
	e, err := scanCacheEntry(row)
	if model.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get query cache %s", key)
	}
	if e.Expired(time.Now()) {
		return nil, nil
	}
	return e, nil
}

func (s *PostgresStore) PutQueryCache(ctx context.Context, e *model.QueryCacheEntry) error {
	params, err := toJSON(e.Params)
	if err != nil {
		return err
	}
	query, err := toJSON(e.Query)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.LastAccessed = now, now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO query_cache (`+cacheCols+`) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
		 ON CONFLICT (cache_key) DO UPDATE SET query_text = EXCLUDED.query_text, params = EXCLUDED.params,
		 query = EXCLUDED.query, pattern_id = EXCLUDED.pattern_id, last_accessed = EXCLUDED.last_accessed,
		 expires_at = EXCLUDED.expires_at`,
		e.ID, e.CacheKey, e.QueryText, params, query, e.PatternID, now, e.ExpiresAt.UTC(), now,
	)
	return eris.Wrapf(err, "postgres: put query cache %s", e.CacheKey)
}

func (s *PostgresStore) TouchQueryCache(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_cache SET hit_count = hit_count + 1, last_accessed = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch query cache %s", id)
	}
	return checkTag(tag, "query cache entry", id)
}

func (s *PostgresStore) DeleteExpiredQueryCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM query_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired query cache")
	}
	return int(tag.RowsAffected()), nil
}

// --- Query patterns ---

func (s *PostgresStore) FindQueryPattern(ctx context.Context, pattern, templateName string, minRate float64) (*model.QueryPattern, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+patternCols+` FROM query_patterns WHERE pattern = $1 AND template_name = $2 AND success_rate >= $3`,
		pattern, templateName, minRate,
	)
	p, err := scanPattern(row)
	if model.IsNotFound(err) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: find query pattern %q", pattern)
}

func (s *PostgresStore) UpsertQueryPattern(ctx context.Context, p *model.QueryPattern) (*model.QueryPattern, error) {
	paramTypes, err := toJSON(p.ParamTypes)
	if err != nil {
		return nil, err
	}
	if paramTypes == nil {
		paramTypes = "[]"
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO query_patterns (id, pattern, template_name, skeleton, param_types, success_rate, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		 ON CONFLICT (pattern, template_name) DO UPDATE SET skeleton = EXCLUDED.skeleton,
		 param_types = EXCLUDED.param_types, success_rate = 1, updated_at = EXCLUDED.updated_at
		 RETURNING `+patternCols,
		uuid.New().String(), p.Pattern, p.TemplateName, string(p.Skeleton), paramTypes, now, now,
	)
	out, err := scanPattern(row)
	return out, eris.Wrapf(err, "postgres: upsert query pattern %q", p.Pattern)
}

func (s *PostgresStore) RecordPatternUse(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_patterns SET usage_count = usage_count + 1, last_used_at = $1, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record pattern use %s", id)
	}
	return checkTag(tag, "query pattern", id)
}

func (s *PostgresStore) RecordPatternOutcome(ctx context.Context, id string, success bool, decay float64) error {
	outcome, ok, fail := 0.0, 0, 1
	if success {
		outcome, ok, fail = 1.0, 1, 0
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_patterns SET success_rate = success_rate * $1 + $2, success_count = success_count + $3,
		 failure_count = failure_count + $4, updated_at = $5 WHERE id = $6`,
		decay, (1-decay)*outcome, ok, fail, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record pattern outcome %s", id)
	}
	return checkTag(tag, "query pattern", id)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, kind string, total int) (*model.Job, error) {
	now := time.Now().UTC()
	j := &model.Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.JobQueued,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, status, total, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.Kind, string(j.Status), j.Total, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create job %s", kind)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	return j, eris.Wrapf(err, "postgres: get job %s", id)
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, processed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed = $1, failed = $2, updated_at = $3 WHERE id = $4`,
		processed, failed, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", id)
	}
	return checkTag(tag, "job", id)
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, id string, status model.JobStatus, msg string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status IN ($5, $6)`,
		string(status), msg, time.Now().UTC(), id, string(model.JobQueued), string(model.JobRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set job status %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) IsJobCancelled(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if isNoRows(err) {
		return false, notFound("job", id)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: job status %s", id)
	}
	return status == string(model.JobCancelled), nil
}
