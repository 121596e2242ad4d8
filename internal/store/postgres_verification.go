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

func (s *PostgresStore) RecordVerification(ctx context.Context, v *model.Verification, value string) (*model.ExtractedField, error) {
	var prev *model.ExtractedField
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		prev, err = scanField(tx.QueryRow(ctx,
			`SELECT `+fieldCols+` FROM extracted_fields f WHERE f.id = $1 FOR UPDATE`, v.FieldID))
		if err != nil {
			return eris.Wrapf(err, "postgres: load field %s", v.FieldID)
		}

		now := time.Now().UTC()
		v.ID = uuid.New().String()
		v.ExtractionID = prev.ExtractionID
		v.OriginalValue = prev.Value
		v.OriginalConfidence = prev.Confidence
		v.CreatedAt = now

		if _, err := tx.Exec(ctx,
			`UPDATE extracted_fields SET verified = TRUE, verified_value = $1, verified_at = $2,
			 needs_verification = FALSE, updated_at = $2 WHERE id = $3`,
			value, now, v.FieldID,
		); err != nil {
			return eris.Wrapf(err, "postgres: verify field %s", v.FieldID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO verifications (`+verificationCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			v.ID, v.FieldID, v.ExtractionID, v.SessionID, v.OriginalValue, v.OriginalConfidence,
			v.CorrectedValue, string(v.Type), v.Notes, v.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert verification %s", v.FieldID)
		}
		if v.SessionID == "" {
			return nil
		}
		correct, incorrect := verificationCounters(v.Type)
		tag, err := tx.Exec(ctx,
			`UPDATE verification_sessions SET completed = completed + 1, correct = correct + $1,
			 incorrect = incorrect + $2 WHERE id = $3`,
			correct, incorrect, v.SessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: bump session %s", v.SessionID)
		}
		return checkTag(tag, "verification session", v.SessionID)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *PostgresStore) ListVerifications(ctx context.Context, fieldID string) ([]model.Verification, error) {
	return s.listVerifications(ctx, `field_id = $1`, fieldID)
}

func (s *PostgresStore) ListSessionVerifications(ctx context.Context, sessionID string) ([]model.Verification, error) {
	return s.listVerifications(ctx, `session_id = $1`, sessionID)
}

func (s *PostgresStore) listVerifications(ctx context.Context, where string, arg string) ([]model.Verification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+verificationCols+` FROM verifications WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list verifications")
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
	return out, eris.Wrap(rows.Err(), "postgres: list verifications iterate")
}

func (s *PostgresStore) VerificationQueue(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error) {
	query := `SELECT ` + fieldCols + `, COALESCE(t.name, ''), e.file_name, e.physical_file_id
		FROM extracted_fields f
		JOIN extractions e ON e.id = f.extraction_id
		LEFT JOIN templates t ON t.id = e.template_id
		WHERE f.needs_verification AND NOT f.verified`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.ExtractionID != "" {
		query += ` AND e.id = ` + arg(filter.ExtractionID)
	}
	if filter.TemplateID != "" {
		query += ` AND e.template_id = ` + arg(filter.TemplateID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY f.confidence ASC, f.created_at, f.id LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: verification queue")
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
	return out, eris.Wrap(rows.Err(), "postgres: verification queue iterate")
}

func (s *PostgresStore) CreateSession(ctx context.Context, reviewer string, total int) (*model.VerificationSession, error) {
	sess := &model.VerificationSession{
		ID:        uuid.New().String(),
		Reviewer:  reviewer,
		Total:     total,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_sessions (id, reviewer, total, started_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.Reviewer, sess.Total, sess.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create session")
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.VerificationSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM verification_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	return sess, eris.Wrapf(err, "postgres: get session %s", id)
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE verification_sessions SET completed_at = $1 WHERE id = $2 AND completed_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete session %s", id)
	}
	return checkTag(tag, "open verification session", id)
}
