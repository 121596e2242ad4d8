package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/db"
	"github.com/sells-group/docvault/internal/model"
)

func (s *PostgresStore) ClaimExtraction(ctx context.Context, fileID, templateID, fileName string) (*model.Extraction, error) {
	var id string
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		id, err = pgClaim(ctx, tx, fileID, templateID, fileName)
		return err
	})
	if isPgUniqueViolation(err) {
		return nil, eris.Wrapf(model.ErrExtractionInProgress, "postgres: claim %s/%s", fileID, templateID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetExtraction(ctx, id)
}

// pgClaim inserts the pair or locks its existing row and resets a settled
// attempt. A concurrent claimer blocks on the row lock and then sees pending.
func pgClaim(ctx context.Context, tx pgx.Tx, fileID, templateID, fileName string) (string, error) {
	now := time.Now().UTC()
	id := uuid.New().String()
	tag, err := tx.Exec(ctx,
		`INSERT INTO extractions (id, physical_file_id, template_id, file_name, status, attempt, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $7) ON CONFLICT (physical_file_id, template_id) DO NOTHING`,
		id, fileID, templateID, fileName, string(model.ExtractionPending), now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert extraction %s/%s", fileID, templateID)
	}
	if tag.RowsAffected() == 1 {
		return id, nil
	}

	existing, err := scanExtraction(tx.QueryRow(ctx,
		extractionSelect+` WHERE e.physical_file_id = $1 AND e.template_id = $2 FOR UPDATE OF e`, fileID, templateID))
	if err != nil {
		return "", eris.Wrap(err, "postgres: lock extraction")
	}
	if existing.Status.Active() {
		return "", eris.Wrapf(model.ErrExtractionInProgress, "extraction %s is %s", existing.ID, existing.Status)
	}
	if fileName == "" {
		fileName = existing.FileName
	}
	tag, err = tx.Exec(ctx,
		`UPDATE extractions SET status = $1, attempt = attempt + 1, error_message = '', job_id = '',
		 file_name = $2, updated_at = $3 WHERE id = $4`,
		string(model.ExtractionPending), fileName, now, existing.ID,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: reset extraction %s", existing.ID)
	}
	return existing.ID, checkTag(tag, "extraction", existing.ID)
}

func (s *PostgresStore) RecordTemplateNeeded(ctx context.Context, fileID, fileName string, confidence float64) (*model.Extraction, error) {
	now := time.Now().UTC()
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO extractions (id, physical_file_id, template_id, file_name, status, attempt, template_confidence, created_at, updated_at)
		 VALUES ($1, $2, '', $3, $4, 0, $5, $6, $7)
		 ON CONFLICT (physical_file_id, template_id) DO UPDATE SET file_name = EXCLUDED.file_name,
		 template_confidence = EXCLUDED.template_confidence, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		uuid.New().String(), fileID, fileName, string(model.ExtractionTemplateNeeded), confidence, now, now,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record template needed %s", fileID)
	}
	return s.GetExtraction(ctx, id)
}

func (s *PostgresStore) AssignTemplate(ctx context.Context, extractionID, templateID string) (*model.Extraction, error) {
	var id string
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		e, err := scanExtraction(tx.QueryRow(ctx, extractionSelect+` WHERE e.id = $1 FOR UPDATE OF e`, extractionID))
		if err != nil {
			return eris.Wrapf(err, "postgres: assign template %s", extractionID)
		}
		if e.Status != model.ExtractionTemplateNeeded {
			return eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s", extractionID, e.Status)
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM extractions WHERE physical_file_id = $1 AND template_id = $2)`,
			e.PhysicalFileID, templateID,
		).Scan(&exists); err != nil {
			return eris.Wrap(err, "postgres: check pair")
		}
		if exists {
			if id, err = pgClaim(ctx, tx, e.PhysicalFileID, templateID, e.FileName); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `DELETE FROM extractions WHERE id = $1`, extractionID)
			return eris.Wrapf(err, "postgres: drop placeholder %s", extractionID)
		}

		id = extractionID
		tag, err := tx.Exec(ctx,
			`UPDATE extractions SET template_id = $1, status = $2, attempt = attempt + 1, error_message = '',
			 updated_at = $3 WHERE id = $4`,
			templateID, string(model.ExtractionPending), time.Now().UTC(), extractionID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: assign template %s", extractionID)
		}
		return checkTag(tag, "extraction", extractionID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetExtraction(ctx, id)
}

func (s *PostgresStore) TransitionExtraction(ctx context.Context, id string, from, to model.ExtractionStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(model.ErrInvalidTransition, "%s -> %s", from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE extractions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition extraction %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id, from, to)
	}
	return nil
}

func (s *PostgresStore) transitionMiss(ctx context.Context, id string, from, to model.ExtractionStatus) error {
	cur, err := s.GetExtraction(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s, not %s (wanted %s)", id, cur.Status, from, to)
}

func (s *PostgresStore) SetExtractionJob(ctx context.Context, id, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extractions SET job_id = $1, updated_at = $2 WHERE id = $3`, jobID, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set extraction job %s", id)
	}
	return checkTag(tag, "extraction", id)
}

var fieldUpsert = db.UpsertConfig{
	Table:        "extracted_fields",
	Columns:      fieldInsertCols,
	ConflictKeys: []string{"extraction_id", "field_name"},
	UpdateCols: []string{"value", "confidence", "needs_verification", "verified", "verified_value",
		"verified_at", "page", "bbox", "updated_at"},
}

func (s *PostgresStore) CompleteExtraction(ctx context.Context, id string, attempt int, fields []model.ExtractedField) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var status model.ExtractionStatus
		var current int
		var jobStatus string
		err := tx.QueryRow(ctx,
			`SELECT e.status, e.attempt, COALESCE(j.status, '') FROM extractions e
			 LEFT JOIN jobs j ON j.id = e.job_id WHERE e.id = $1 FOR UPDATE OF e`, id,
		).Scan(&status, &current, &jobStatus)
		if isNoRows(err) {
			return notFound("extraction", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: load extraction %s", id)
		}
		if jobStatus == string(model.JobCancelled) {
			return eris.Wrapf(model.ErrJobCancelled, "extraction %s", id)
		}
		if status != model.ExtractionProcessing || current != attempt {
			return eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s at attempt %d, result is for attempt %d", id, status, current, attempt)
		}

		now := time.Now().UTC()
		names := make([]string, 0, len(fields))
		rows := make([][]any, 0, len(fields))
		for i := range fields {
			f := fields[i]
			f.ID = uuid.New().String()
			f.ExtractionID = id
			f.Verified, f.VerifiedValue, f.VerifiedAt = false, nil, nil
			f.CreatedAt, f.UpdatedAt = now, now
			row, err := fieldRow(&f)
			if err != nil {
				return err
			}
			names = append(names, f.FieldName)
			rows = append(rows, row)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM extracted_fields WHERE extraction_id = $1 AND NOT (field_name = ANY($2))`, id, names,
		); err != nil {
			return eris.Wrapf(err, "postgres: drop stale fields %s", id)
		}
		if _, err := db.BulkUpsert(ctx, tx, fieldUpsert, rows); err != nil {
			return eris.Wrapf(err, "postgres: write fields %s", id)
		}

		_, err = tx.Exec(ctx,
			`UPDATE extractions SET status = $1, error_message = '', processed_at = $2, updated_at = $3 WHERE id = $4`,
			string(model.ExtractionCompleted), now, now, id,
		)
		return eris.Wrapf(err, "postgres: complete extraction %s", id)
	})
}

func (s *PostgresStore) FailExtraction(ctx context.Context, id string, attempt int, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extractions SET status = $1, error_message = $2, updated_at = $3
		 WHERE id = $4 AND attempt = $5 AND status IN ($6, $7)`,
		string(model.ExtractionError), msg, time.Now().UTC(), id, attempt,
		string(model.ExtractionPending), string(model.ExtractionProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail extraction %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id, model.ExtractionProcessing, model.ExtractionError)
	}
	return nil
}

func (s *PostgresStore) GetExtraction(ctx context.Context, id string) (*model.Extraction, error) {
	row := s.pool.QueryRow(ctx, extractionSelect+` WHERE e.id = $1`, id)
	e, err := scanExtraction(row)
	return e, eris.Wrapf(err, "postgres: get extraction %s", id)
}

func (s *PostgresStore) ListExtractions(ctx context.Context, filter model.ExtractionFilter) ([]model.Extraction, error) {
	query := extractionSelect + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.PhysicalFileID != "" {
		query += ` AND e.physical_file_id = ` + arg(filter.PhysicalFileID)
	}
	if filter.TemplateID != "" {
		query += ` AND e.template_id = ` + arg(filter.TemplateID)
	}
	if filter.Status != "" {
		query += ` AND e.status = ` + arg(string(filter.Status))
	}
	if filter.PathPrefix != "" {
		query += ` AND (e.organized_path = ` + arg(filter.PathPrefix) +
			` OR e.organized_path LIKE ` + arg(likePrefix(filter.PathPrefix)) + ` ESCAPE '\')`
	}
	query += ` ORDER BY e.created_at DESC, e.id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extractions")
	}
	return collectExtractions(rows)
}

func (s *PostgresStore) UpdateOrganizedPaths(ctx context.Context, paths map[string]string) (int, error) {
	var moved int
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for id, path := range paths {
			tag, err := tx.Exec(ctx,
				`UPDATE extractions SET organized_path = $1, updated_at = $2 WHERE id = $3`, path, now, id)
			if err != nil {
				return eris.Wrapf(err, "postgres: set organized path %s", id)
			}
			moved += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *PostgresStore) OrganizedPathExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM extractions WHERE organized_path = $1)`, path).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: check organized path %s", path)
}

func (s *PostgresStore) SetSearchIndexRef(ctx context.Context, id, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extractions SET search_index_ref = $1, updated_at = $2 WHERE id = $3`, ref, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set search index ref %s", id)
	}
	return checkTag(tag, "extraction", id)
}

func (s *PostgresStore) SetTemplateConfidence(ctx context.Context, id string, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extractions SET template_confidence = $1, updated_at = $2 WHERE id = $3`, confidence, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set template confidence %s", id)
	}
	return checkTag(tag, "extraction", id)
}

func (s *PostgresStore) ListFields(ctx context.Context, extractionID string) ([]model.ExtractedField, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fieldCols+` FROM extracted_fields f WHERE f.extraction_id = $1 ORDER BY f.field_name`, extractionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list fields %s", extractionID)
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
	return out, eris.Wrap(rows.Err(), "postgres: list fields iterate")
}

func (s *PostgresStore) GetField(ctx context.Context, id string) (*model.ExtractedField, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+fieldCols+` FROM extracted_fields f WHERE f.id = $1`, id)
	f, err := scanField(row)
	return f, eris.Wrapf(err, "postgres: get field %s", id)
}

func (s *PostgresStore) SetNeedsVerification(ctx context.Context, flags map[string]bool) (int, error) {
	var changed int
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for id, needs := range flags {
			tag, err := tx.Exec(ctx,
				`UPDATE extracted_fields SET needs_verification = $1, updated_at = $2
				 WHERE id = $3 AND NOT verified AND needs_verification <> $1`,
				needs, now, id,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: classify field %s", id)
			}
			changed += int(tag.RowsAffected())
		}
		return nil
	})
	return changed, err
}

func (s *PostgresStore) CountPendingVerification(ctx context.Context, extractionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM extracted_fields WHERE extraction_id = $1 AND needs_verification AND NOT verified`,
		extractionID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count pending verification %s", extractionID)
}
