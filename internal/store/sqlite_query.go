package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

// --- Canonical mappings ---

func (s *SQLiteStore) UpsertCanonicalMapping(ctx context.Context, m *model.CanonicalFieldMapping) (*model.CanonicalFieldMapping, error) {
	if m.CanonicalName == "" {
		return nil, eris.New("sqlite: canonical name is required")
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

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_field_mappings (id, canonical_name, description, field_mappings, aggregation, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (canonical_name) DO UPDATE SET description = excluded.description,
			 field_mappings = excluded.field_mappings, aggregation = excluded.aggregation,
			 is_active = excluded.is_active, updated_at = excluded.updated_at`,
			uuid.New().String(), m.CanonicalName, m.Description, mappings, string(agg), m.IsActive, now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert canonical mapping %s", m.CanonicalName)
		}
		var id string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM canonical_field_mappings WHERE canonical_name = ?`, m.CanonicalName,
		).Scan(&id); err != nil {
			return eris.Wrapf(err, "sqlite: load canonical mapping %s", m.CanonicalName)
		}
		for _, a := range m.Aliases {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO canonical_aliases (id, mapping_id, alias, is_active, created_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (alias) DO UPDATE SET mapping_id = excluded.mapping_id, is_active = excluded.is_active`,
				uuid.New().String(), id, a.Alias, a.IsActive, now,
			); err != nil {
				return eris.Wrapf(err, "sqlite: upsert alias %s", a.Alias)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingCols+` FROM canonical_field_mappings m WHERE m.canonical_name = ?`, m.CanonicalName)
	out, err := scanMapping(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get canonical mapping %s", m.CanonicalName)
	}
	out.Aliases, err = s.aliases(ctx, out.ID, false)
	return out, err
}

func (s *SQLiteStore) AddCanonicalAlias(ctx context.Context, mappingID, alias string) (*model.CanonicalAlias, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, eris.New("sqlite: alias is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_aliases (id, mapping_id, alias, is_active, created_at) VALUES (?, ?, ?, TRUE, ?)
		 ON CONFLICT (alias) DO UPDATE SET mapping_id = excluded.mapping_id, is_active = TRUE`,
		uuid.New().String(), mappingID, alias, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: add alias %s", alias)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+aliasCols+` FROM canonical_aliases WHERE alias = ?`, alias)
	a, err := scanAlias(row)
	return a, eris.Wrapf(err, "sqlite: get alias %s", alias)
}

func (s *SQLiteStore) FindCanonical(ctx context.Context, term string) (*model.CanonicalFieldMapping, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingCols+` FROM canonical_field_mappings m
		 WHERE m.is_active = TRUE AND (lower(m.canonical_name) = lower(?) OR EXISTS (
			SELECT 1 FROM canonical_aliases a
			WHERE a.mapping_id = m.id AND a.is_active = TRUE AND lower(a.alias) = lower(?)))
		 LIMIT 1`,
		term, term,
	)
	m, err := scanMapping(row)
	if model.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find canonical %s", term)
	}
	m.Aliases, err = s.aliases(ctx, m.ID, true)
	return m, err
}

func (s *SQLiteStore) ListCanonicalMappings(ctx context.Context, activeOnly bool) ([]model.CanonicalFieldMapping, error) {
	query := `SELECT ` + mappingCols + ` FROM canonical_field_mappings m`
	if activeOnly {
		query += ` WHERE m.is_active = TRUE`
	}
	query += ` ORDER BY m.canonical_name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list canonical mappings")
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
		return nil, eris.Wrap(err, "sqlite: list canonical mappings iterate")
	}

	for i := range out {
		if out[i].Aliases, err = s.aliases(ctx, out[i].ID, activeOnly); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) aliases(ctx context.Context, mappingID string, activeOnly bool) ([]model.CanonicalAlias, error) {
	query := `SELECT ` + aliasCols + ` FROM canonical_aliases WHERE mapping_id = ?`
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY alias`, mappingID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list aliases %s", mappingID)
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
	return out, eris.Wrap(rows.Err(), "sqlite: list aliases iterate")
}

func (s *SQLiteStore) DeactivateCanonicalMapping(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canonical_field_mappings SET is_active = FALSE, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate canonical mapping %s", id)
	}
	return checkRowsAffected(res, "canonical mapping", id)
}

func (s *SQLiteStore) DeactivateCanonicalAlias(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE canonical_aliases SET is_active = FALSE WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate canonical alias %s", id)
	}
	return checkRowsAffected(res, "canonical alias", id)
}

// --- Query cache ---

func (s *SQLiteStore) GetQueryCache(ctx context.Context, key string) (*model.QueryCacheEntry, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cacheCols+` FROM query_cache WHERE cache_key = ? AND expires_at > ?`, key, now)
	e, err := scanCacheEntry(row)
	if model.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get query cache %s", key)
	}
	if e.Expired(now) {
		return nil, nil
	}
	return e, nil
}

func (s *SQLiteStore) PutQueryCache(ctx context.Context, e *model.QueryCacheEntry) error {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_cache (`+cacheCols+`) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET query_text = excluded.query_text, params = excluded.params,
		 query = excluded.query, pattern_id = excluded.pattern_id, last_accessed = excluded.last_accessed,
		 expires_at = excluded.expires_at`,
		e.ID, e.CacheKey, e.QueryText, params, query, e.PatternID, now, e.ExpiresAt.UTC(), now,
	)
	return eris.Wrapf(err, "sqlite: put query cache %s", e.CacheKey)
}

func (s *SQLiteStore) TouchQueryCache(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_cache SET hit_count = hit_count + 1, last_accessed = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch query cache %s", id)
	}
	return checkRowsAffected(res, "query cache entry", id)
}

func (s *SQLiteStore) DeleteExpiredQueryCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired query cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Query patterns ---

func (s *SQLiteStore) FindQueryPattern(ctx context.Context, pattern, templateName string, minRate float64) (*model.QueryPattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternCols+` FROM query_patterns WHERE pattern = ? AND template_name = ? AND success_rate >= ?`,
		pattern, templateName, minRate,
	)
	p, err := scanPattern(row)
	if model.IsNotFound(err) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: find query pattern %q", pattern)
}

func (s *SQLiteStore) UpsertQueryPattern(ctx context.Context, p *model.QueryPattern) (*model.QueryPattern, error) {
	paramTypes, err := toJSON(p.ParamTypes)
	if err != nil {
		return nil, err
	}
	if paramTypes == nil {
		paramTypes = "[]"
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_patterns (id, pattern, template_name, skeleton, param_types, success_rate, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (pattern, template_name) DO UPDATE SET skeleton = excluded.skeleton,
		 param_types = excluded.param_types, success_rate = 1, updated_at = excluded.updated_at`,
		uuid.New().String(), p.Pattern, p.TemplateName, string(p.Skeleton), paramTypes, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert query pattern %q", p.Pattern)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternCols+` FROM query_patterns WHERE pattern = ? AND template_name = ?`, p.Pattern, p.TemplateName)
	out, err := scanPattern(row)
	return out, eris.Wrapf(err, "sqlite: get query pattern %q", p.Pattern)
}

func (s *SQLiteStore) RecordPatternUse(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_patterns SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record pattern use %s", id)
	}
	return checkRowsAffected(res, "query pattern", id)
}

func (s *SQLiteStore) RecordPatternOutcome(ctx context.Context, id string, success bool, decay float64) error {
	outcome, ok, fail := 0.0, 0, 1
	if success {
		outcome, ok, fail = 1.0, 1, 0
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_patterns SET success_rate = success_rate * ? + ?, success_count = success_count + ?,
		 failure_count = failure_count + ?, updated_at = ? WHERE id = ?`,
		decay, (1-decay)*outcome, ok, fail, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record pattern outcome %s", id)
	}
	return checkRowsAffected(res, "query pattern", id)
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, kind string, total int) (*model.Job, error) {
	now := time.Now().UTC()
	j := &model.Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.JobQueued,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, status, total, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, string(j.Status), j.Total, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create job %s", kind)
	}
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	return j, eris.Wrapf(err, "sqlite: get job %s", id)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, processed, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET processed = ?, failed = ?, updated_at = ? WHERE id = ?`,
		processed, failed, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, status model.JobStatus, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(status), msg, time.Now().UTC(), id, string(model.JobQueued), string(model.JobRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: set job status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) IsJobCancelled(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if isNoRows(err) {
		return false, notFound("job", id)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: job status %s", id)
	}
	return status == string(model.JobCancelled), nil
}
