package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/db"
	"github.com/sells-group/docvault/internal/model"
)

func (s *PostgresStore) CreatePhysicalFile(ctx context.Context, f *model.PhysicalFile) (*model.PhysicalFile, bool, error) {
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO physical_files (id, hash, storage_path, size, mime_type, original_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (hash) DO NOTHING`,
		id, f.Hash, f.StoragePath, f.Size, f.MimeType, f.OriginalName, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert physical file %s", f.Hash)
	}

	got, err := s.GetPhysicalFileByHash(ctx, f.Hash)
	if err != nil {
		return nil, false, err
	}
	return got, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetPhysicalFile(ctx context.Context, id string) (*model.PhysicalFile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+fileCols+` FROM physical_files WHERE id = $1`, id)
	f, err := scanPhysicalFile(row)
	return f, eris.Wrapf(err, "postgres: get physical file %s", id)
}

func (s *PostgresStore) GetPhysicalFileByHash(ctx context.Context, hash string) (*model.PhysicalFile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+fileCols+` FROM physical_files WHERE hash = $1`, hash)
	f, err := scanPhysicalFile(row)
	return f, eris.Wrapf(err, "postgres: get physical file by hash %s", hash)
}

func (s *PostgresStore) SetParseResult(ctx context.Context, fileID string, result *model.ParseResult) error {
	data, err := toJSON(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE physical_files SET parse_result = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now().UTC(), fileID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set parse result %s", fileID)
	}
	return checkTag(tag, "physical file", fileID)
}

func (s *PostgresStore) DeletePhysicalFile(ctx context.Context, id string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM extracted_fields WHERE extraction_id IN (SELECT id FROM extractions WHERE physical_file_id = $1)`, id,
		); err != nil {
			return eris.Wrapf(err, "postgres: delete fields of file %s", id)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM extractions WHERE physical_file_id = $1`, id); err != nil {
			return eris.Wrapf(err, "postgres: delete extractions of file %s", id)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM physical_files WHERE id = $1`, id)
		if err != nil {
			return eris.Wrapf(err, "postgres: delete physical file %s", id)
		}
		return checkTag(tag, "physical file", id)
	})
}

func (s *PostgresStore) UpsertTemplate(ctx context.Context, t *model.Template) (*model.Template, error) {
	if t.Name == "" {
		return nil, eris.New("postgres: template name is required")
	}
	if err := t.Fields.Validate(); err != nil {
		return nil, eris.Wrapf(err, "postgres: template %s", t.Name)
	}
	fields, err := toJSON(t.Fields)
	if err != nil {
		return nil, err
	}
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO templates (id, name, description, fields, confidence_threshold, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, fields = EXCLUDED.fields,
		 confidence_threshold = EXCLUDED.confidence_threshold, updated_at = EXCLUDED.updated_at
		 RETURNING `+templateCols,
		id, t.Name, t.Description, fields, t.ConfidenceThreshold, now, now,
	)
	out, err := scanTemplate(row)
	return out, eris.Wrapf(err, "postgres: upsert template %s", t.Name)
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateCols+` FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	return t, eris.Wrapf(err, "postgres: get template %s", id)
}

func (s *PostgresStore) GetTemplateByName(ctx context.Context, name string) (*model.Template, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateCols+` FROM templates WHERE name = $1`, name)
	t, err := scanTemplate(row)
	return t, eris.Wrapf(err, "postgres: get template %s", name)
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateCols+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list templates iterate")
}
