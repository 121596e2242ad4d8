package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

func (s *SQLiteStore) CreatePhysicalFile(ctx context.Context, f *model.PhysicalFile) (*model.PhysicalFile, bool, error) {
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO physical_files (id, hash, storage_path, size, mime_type, original_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (hash) DO NOTHING`,
		id, f.Hash, f.StoragePath, f.Size, f.MimeType, f.OriginalName, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert physical file %s", f.Hash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	got, err := s.GetPhysicalFileByHash(ctx, f.Hash)
	if err != nil {
		return nil, false, err
	}
	return got, n == 1, nil
}

func (s *SQLiteStore) GetPhysicalFile(ctx context.Context, id string) (*model.PhysicalFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileCols+` FROM physical_files WHERE id = ?`, id)
	f, err := scanPhysicalFile(row)
	return f, eris.Wrapf(err, "sqlite: get physical file %s", id)
}

func (s *SQLiteStore) GetPhysicalFileByHash(ctx context.Context, hash string) (*model.PhysicalFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileCols+` FROM physical_files WHERE hash = ?`, hash)
	f, err := scanPhysicalFile(row)
	return f, eris.Wrapf(err, "sqlite: get physical file by hash %s", hash)
}

func (s *SQLiteStore) SetParseResult(ctx context.Context, fileID string, result *model.ParseResult) error {
	data, err := toJSON(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE physical_files SET parse_result = ?, updated_at = ? WHERE id = ?`,
		data, time.Now().UTC(), fileID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set parse result %s", fileID)
	}
	return checkRowsAffected(res, "physical file", fileID)
}

func (s *SQLiteStore) DeletePhysicalFile(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM extracted_fields WHERE extraction_id IN (SELECT id FROM extractions WHERE physical_file_id = ?)`, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: delete fields of file %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM extractions WHERE physical_file_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete extractions of file %s", id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM physical_files WHERE id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete physical file %s", id)
		}
		return checkRowsAffected(res, "physical file", id)
	})
}

func (s *SQLiteStore) UpsertTemplate(ctx context.Context, t *model.Template) (*model.Template, error) {
	if t.Name == "" {
		return nil, eris.New("sqlite: template name is required")
	}
	if err := t.Fields.Validate(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: template %s", t.Name)
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, description, fields, confidence_threshold, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET description = excluded.description, fields = excluded.fields,
		 confidence_threshold = excluded.confidence_threshold, updated_at = excluded.updated_at`,
		id, t.Name, t.Description, fields, t.ConfidenceThreshold, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert template %s", t.Name)
	}
	return s.GetTemplateByName(ctx, t.Name)
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	return t, eris.Wrapf(err, "sqlite: get template %s", id)
}

func (s *SQLiteStore) GetTemplateByName(ctx context.Context, name string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	return t, eris.Wrapf(err, "sqlite: get template %s", name)
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateCols+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list templates iterate")
}
