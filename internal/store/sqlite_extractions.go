package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

func (s *SQLiteStore) ClaimExtraction(ctx context.Context, fileID, templateID, fileName string) (*model.Extraction, error) {
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = sqliteClaim(ctx, tx, fileID, templateID, fileName)
		return err
	})
	if isUniqueViolation(err) {
		return nil, eris.Wrapf(model.ErrExtractionInProgress, "sqlite: claim %s/%s", fileID, templateID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetExtraction(ctx, id)
}

// sqliteClaim inserts the pair or resets its settled row to a fresh attempt.
func sqliteClaim(ctx context.Context, tx *sql.Tx, fileID, templateID, fileName string) (string, error) {
	now := time.Now().UTC()
	existing, err := scanExtraction(tx.QueryRowContext(ctx,
		extractionSelect+` WHERE e.physical_file_id = ? AND e.template_id = ?`, fileID, templateID))
	switch {
	case model.IsNotFound(err):
		id := uuid.New().String()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO extractions (id, physical_file_id, template_id, file_name, status, attempt, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			id, fileID, templateID, fileName, string(model.ExtractionPending), now, now,
		)
		return id, eris.Wrapf(err, "sqlite: insert extraction %s/%s", fileID, templateID)
	case err != nil:
		return "", eris.Wrap(err, "sqlite: claim extraction")
	case existing.Status.Active():
		return "", eris.Wrapf(model.ErrExtractionInProgress, "extraction %s is %s", existing.ID, existing.Status)
	}

	if fileName == "" {
		fileName = existing.FileName
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE extractions SET status = ?, attempt = attempt + 1, error_message = '', job_id = '',
		 file_name = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.ExtractionPending), fileName, now, existing.ID, string(existing.Status),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: reset extraction %s", existing.ID)
	}
	return existing.ID, checkRowsAffected(res, "extraction", existing.ID)
}

func (s *SQLiteStore) RecordTemplateNeeded(ctx context.Context, fileID, fileName string, confidence float64) (*model.Extraction, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extractions (id, physical_file_id, template_id, file_name, status, attempt, template_confidence, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (physical_file_id, template_id) DO UPDATE SET file_name = excluded.file_name,
		 template_confidence = excluded.template_confidence, updated_at = excluded.updated_at`,
		uuid.New().String(), fileID, fileName, string(model.ExtractionTemplateNeeded), confidence, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: record template needed %s", fileID)
	}
	row := s.db.QueryRowContext(ctx, extractionSelect+` WHERE e.physical_file_id = ? AND e.template_id = ''`, fileID)
	e, err := scanExtraction(row)
	return e, eris.Wrapf(err, "sqlite: get template needed %s", fileID)
}

func (s *SQLiteStore) AssignTemplate(ctx context.Context, extractionID, templateID string) (*model.Extraction, error) {
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := scanExtraction(tx.QueryRowContext(ctx, extractionSelect+` WHERE e.id = ?`, extractionID))
		if err != nil {
			return eris.Wrapf(err, "sqlite: assign template %s", extractionID)
		}
		if e.Status != model.ExtractionTemplateNeeded {
			return eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s", extractionID, e.Status)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM extractions WHERE physical_file_id = ? AND template_id = ?)`,
			e.PhysicalFileID, templateID,
		).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check pair")
		}
		if exists {
			// The pair already has a row: reuse it and drop the placeholder.
			if id, err = sqliteClaim(ctx, tx, e.PhysicalFileID, templateID, e.FileName); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `DELETE FROM extractions WHERE id = ?`, extractionID)
			return eris.Wrapf(err, "sqlite: drop placeholder %s", extractionID)
		}

		id = extractionID
		res, err := tx.ExecContext(ctx,
			`UPDATE extractions SET template_id = ?, status = ?, attempt = attempt + 1, error_message = '',
			 updated_at = ? WHERE id = ? AND status = ?`,
			templateID, string(model.ExtractionPending), time.Now().UTC(), extractionID, string(model.ExtractionTemplateNeeded),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: assign template %s", extractionID)
		}
		return checkRowsAffected(res, "extraction", extractionID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetExtraction(ctx, id)
}

func (s *SQLiteStore) TransitionExtraction(ctx context.Context, id string, from, to model.ExtractionStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(model.ErrInvalidTransition, "%s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition extraction %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.transitionMiss(ctx, id, from, to)
	}
	return nil
}

func (s *SQLiteStore) transitionMiss(ctx context.Context, id string, from, to model.ExtractionStatus) error {
	cur, err := s.GetExtraction(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s, not %s (wanted %s)", id, cur.Status, from, to)
}

func (s *SQLiteStore) SetExtractionJob(ctx context.Context, id, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET job_id = ?, updated_at = ? WHERE id = ?`, jobID, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set extraction job %s", id)
	}
	return checkRowsAffected(res, "extraction", id)
}

func (s *SQLiteStore) CompleteExtraction(ctx context.Context, id string, attempt int, fields []model.ExtractedField) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status model.ExtractionStatus
		var current int
		var jobStatus string
		err := tx.QueryRowContext(ctx,
			`SELECT e.status, e.attempt, COALESCE(j.status, '') FROM extractions e
			 LEFT JOIN jobs j ON j.id = e.job_id WHERE e.id = ?`, id,
		).Scan(&status, &current, &jobStatus)
		if isNoRows(err) {
			return notFound("extraction", id)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: load extraction %s", id)
		}
		if jobStatus == string(model.JobCancelled) {
			return eris.Wrapf(model.ErrJobCancelled, "extraction %s", id)
		}
		if status != model.ExtractionProcessing || current != attempt {
			return eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s at attempt %d, result is for attempt %d", id, status, current, attempt)
		}

		now := time.Now().UTC()
		names := make([]any, 0, len(fields)+1)
		names = append(names, id)
		for _, f := range fields {
			names = append(names, f.FieldName)
		}
		stale := `DELETE FROM extracted_fields WHERE extraction_id = ?`
		if len(fields) > 0 {
			stale += ` AND field_name NOT IN (` + placeholders(len(fields)) + `)`
		}
		if _, err := tx.ExecContext(ctx, stale, names...); err != nil {
			return eris.Wrapf(err, "sqlite: drop stale fields %s", id)
		}

		for i := range fields {
			f := fields[i]
			f.ID = uuid.New().String()
			f.ExtractionID = id
			f.Verified, f.VerifiedValue, f.VerifiedAt = false, nil, nil
			f.CreatedAt, f.UpdatedAt = now, now
			args, err := fieldRow(&f)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO extracted_fields (id, extraction_id, field_name, value, confidence, needs_verification,
				 verified, verified_value, verified_at, page, bbox, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (extraction_id, field_name) DO UPDATE SET value = excluded.value,
				 confidence = excluded.confidence, needs_verification = excluded.needs_verification,
				 verified = FALSE, verified_value = NULL, verified_at = NULL, page = excluded.page,
				 bbox = excluded.bbox, updated_at = excluded.updated_at`,
				args...,
			); err != nil {
				return eris.Wrapf(err, "sqlite: upsert field %s.%s", id, f.FieldName)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE extractions SET status = ?, error_message = '', processed_at = ?, updated_at = ? WHERE id = ?`,
			string(model.ExtractionCompleted), now, now, id,
		)
		return eris.Wrapf(err, "sqlite: complete extraction %s", id)
	})
}

func (s *SQLiteStore) FailExtraction(ctx context.Context, id string, attempt int, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND attempt = ? AND status IN (?, ?)`,
		string(model.ExtractionError), msg, time.Now().UTC(), id, attempt,
		string(model.ExtractionPending), string(model.ExtractionProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail extraction %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.transitionMiss(ctx, id, model.ExtractionProcessing, model.ExtractionError)
	}
	return nil
}

func (s *SQLiteStore) GetExtraction(ctx context.Context, id string) (*model.Extraction, error) {
	row := s.db.QueryRowContext(ctx, extractionSelect+` WHERE e.id = ?`, id)
	e, err := scanExtraction(row)
	return e, eris.Wrapf(err, "sqlite: get extraction %s", id)
}

func (s *SQLiteStore) ListExtractions(ctx context.Context, filter model.ExtractionFilter) ([]model.Extraction, error) {
	query := extractionSelect + ` WHERE 1=1`
	var args []any

	if filter.PhysicalFileID != "" {
		query += ` AND e.physical_file_id = ?`
		args = append(args, filter.PhysicalFileID)
	}
	if filter.TemplateID != "" {
		query += ` AND e.template_id = ?`
		args = append(args, filter.TemplateID)
	}
	if filter.Status != "" {
		query += ` AND e.status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PathPrefix != "" {
		query += ` AND (e.organized_path = ? OR e.organized_path LIKE ? ESCAPE '\')`
		args = append(args, filter.PathPrefix, likePrefix(filter.PathPrefix))
	}
	query += ` ORDER BY e.created_at DESC, e.id`

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
		return nil, eris.Wrap(err, "sqlite: list extractions")
	}
	return scanSQLiteExtractions(rows)
}

func (s *SQLiteStore) UpdateOrganizedPaths(ctx context.Context, paths map[string]string) (int, error) {
	var moved int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for id, path := range paths {
			res, err := tx.ExecContext(ctx,
				`UPDATE extractions SET organized_path = ?, updated_at = ? WHERE id = ?`, path, now, id)
			if err != nil {
				return eris.Wrapf(err, "sqlite: set organized path %s", id)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			moved += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *SQLiteStore) OrganizedPathExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM extractions WHERE organized_path = ?)`, path).Scan(&exists)
	return exists, eris.Wrapf(err, "sqlite: check organized path %s", path)
}

func (s *SQLiteStore) SetSearchIndexRef(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET search_index_ref = ?, updated_at = ? WHERE id = ?`, ref, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set search index ref %s", id)
	}
	return checkRowsAffected(res, "extraction", id)
}

func (s *SQLiteStore) SetTemplateConfidence(ctx context.Context, id string, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET template_confidence = ?, updated_at = ? WHERE id = ?`, confidence, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set template confidence %s", id)
	}
	return checkRowsAffected(res, "extraction", id)
}

func (s *SQLiteStore) ListFields(ctx context.Context, extractionID string) ([]model.ExtractedField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fieldCols+` FROM extracted_fields f WHERE f.extraction_id = ? ORDER BY f.field_name`, extractionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list fields %s", extractionID)
	}
	defer rows.Close()

	var out []model.ExtractedField
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list fields iterate")
}

func (s *SQLiteStore) GetField(ctx context.Context, id string) (*model.ExtractedField, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fieldCols+` FROM extracted_fields f WHERE f.id = ?`, id)
	f, err := scanField(row)
	return f, eris.Wrapf(err, "sqlite: get field %s", id)
}

func (s *SQLiteStore) SetNeedsVerification(ctx context.Context, flags map[string]bool) (int, error) {
	var changed int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for id, needs := range flags {
			res, err := tx.ExecContext(ctx,
				`UPDATE extracted_fields SET needs_verification = ?, updated_at = ?
				 WHERE id = ? AND verified = FALSE AND needs_verification <> ?`,
				needs, now, id, needs,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: classify field %s", id)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			changed += int(n)
		}
		return nil
	})
	return changed, err
}

func (s *SQLiteStore) CountPendingVerification(ctx context.Context, extractionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extracted_fields WHERE extraction_id = ? AND needs_verification = TRUE AND verified = FALSE`,
		extractionID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count pending verification %s", extractionID)
}
