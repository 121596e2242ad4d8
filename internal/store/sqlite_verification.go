package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

func (s *SQLiteStore) RecordVerification(ctx context.Context, v *model.Verification, value string) (*model.ExtractedField, error) {
	var prev *model.ExtractedField
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prev, err = scanField(tx.QueryRowContext(ctx, `SELECT `+fieldCols+` FROM extracted_fields f WHERE f.id = ?`, v.FieldID))
		if err != nil {
			return eris.Wrapf(err, "sqlite: load field %s", v.FieldID)
		}

		now := time.Now().UTC()
		v.ID = uuid.New().String()
		v.ExtractionID = prev.ExtractionID
		v.OriginalValue = prev.Value
		v.OriginalConfidence = prev.Confidence
		v.CreatedAt = now

		if _, err := tx.ExecContext(ctx,
			`UPDATE extracted_fields SET verified = TRUE, verified_value = ?, verified_at = ?,
			 needs_verification = FALSE, updated_at = ? WHERE id = ?`,
			value, now, now, v.FieldID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: verify field %s", v.FieldID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verifications (`+verificationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.FieldID, v.ExtractionID, v.SessionID, v.OriginalValue, v.OriginalConfidence,
			v.CorrectedValue, string(v.Type), v.Notes, v.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert verification %s", v.FieldID)
		}
		if v.SessionID == "" {
			return nil
		}
		correct, incorrect := verificationCounters(v.Type)
		res, err := tx.ExecContext(ctx,
			`UPDATE verification_sessions SET completed = completed + 1, correct = correct + ?,
			 incorrect = incorrect + ? WHERE id = ?`,
			correct, incorrect, v.SessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: bump session %s", v.SessionID)
		}
		return checkRowsAffected(res, "verification session", v.SessionID)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *SQLiteStore) ListVerifications(ctx context.Context, fieldID string) ([]model.Verification, error) {
	return s.listVerifications(ctx, `field_id = ?`, fieldID)
}

func (s *SQLiteStore) ListSessionVerifications(ctx context.Context, sessionID string) ([]model.Verification, error) {
	return s.listVerifications(ctx, `session_id = ?`, sessionID)
}

func (s *SQLiteStore) listVerifications(ctx context.Context, where string, arg string) ([]model.Verification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verificationCols+` FROM verifications WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list verifications")
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list verifications iterate")
}

func (s *SQLiteStore) VerificationQueue(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error) {
	query := `SELECT ` + fieldCols + `, COALESCE(t.name, ''), e.file_name, e.physical_file_id
		FROM extracted_fields f
		JOIN extractions e ON e.id = f.extraction_id
		LEFT JOIN templates t ON t.id = e.template_id
		WHERE f.needs_verification = TRUE AND f.verified = FALSE`
	var args []any
	if filter.ExtractionID != "" {
		query += ` AND e.id = ?`
		args = append(args, filter.ExtractionID)
	}
	if filter.TemplateID != "" {
		query += ` AND e.template_id = ?`
		args = append(args, filter.TemplateID)
	}
	query += ` ORDER BY f.confidence ASC, f.created_at, f.id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: verification queue")
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: verification queue iterate")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, reviewer string, total int) (*model.VerificationSession, error) {
	sess := &model.VerificationSession{
		ID:        uuid.New().String(),
		Reviewer:  reviewer,
		Total:     total,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_sessions (id, reviewer, total, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Reviewer, sess.Total, sess.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create session")
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.VerificationSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM verification_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	return sess, eris.Wrapf(err, "sqlite: get session %s", id)
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verification_sessions SET completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete session %s", id)
	}
	return checkRowsAffected(res, "open verification session", id)
}
