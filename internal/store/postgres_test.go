package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docvault/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetExtraction_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM extractions e LEFT JOIN templates t ON t.id = e.template_id WHERE e.id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExtraction(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.Contains(t, err.Error(), "get extraction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPhysicalFileByHash_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM physical_files WHERE hash = \$1`).
		WithArgs("abc").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetPhysicalFileByHash(context.Background(), "abc")
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionExtraction_RejectsEdge(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.TransitionExtraction(context.Background(), "e1", model.ExtractionPending, model.ExtractionVerified)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionExtraction_Moves(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extractions SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(string(model.ExtractionProcessing), pgxmock.AnyArg(), "e1", string(model.ExtractionPending)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.TransitionExtraction(context.Background(), "e1", model.ExtractionPending, model.ExtractionProcessing)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimExtraction_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO extractions`).
		WithArgs(pgxmock.AnyArg(), "f1", "t1", "doc.pdf", string(model.ExtractionPending), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.ClaimExtraction(context.Background(), "f1", "t1", "doc.pdf")
	assert.ErrorIs(t, err, model.ErrExtractionInProgress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteExtraction_CancelledJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT e.status, e.attempt, COALESCE\(j.status, ''\) FROM extractions e`).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempt", "job_status"}).
			AddRow(model.ExtractionProcessing, 1, string(model.JobCancelled)))
	mock.ExpectRollback()

	err := s.CompleteExtraction(context.Background(), "e1", 1, nil)
	assert.ErrorIs(t, err, model.ErrJobCancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteExtraction_StaleAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT e.status, e.attempt`).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempt", "job_status"}).
			AddRow(model.ExtractionProcessing, 3, ""))
	mock.ExpectRollback()

	err := s.CompleteExtraction(context.Background(), "e1", 2, nil)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteExtraction_WritesFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT e.status, e.attempt`).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempt", "job_status"}).
			AddRow(model.ExtractionProcessing, 1, ""))
	mock.ExpectExec(`DELETE FROM extracted_fields WHERE extraction_id = \$1 AND NOT \(field_name = ANY\(\$2\)\)`).
		WithArgs("e1", []string{"total"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_extracted_fields"}, fieldInsertCols).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "extracted_fields"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE extractions SET status = \$1, error_message = ''`).
		WithArgs(string(model.ExtractionCompleted), pgxmock.AnyArg(), pgxmock.AnyArg(), "e1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.CompleteExtraction(context.Background(), "e1", 1, []model.ExtractedField{
		{FieldName: "total", Value: "42", Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailExtraction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extractions SET status = \$1, error_message = \$2`).
		WithArgs(string(model.ExtractionError), "boom", pgxmock.AnyArg(), "e1", 2,
			string(model.ExtractionPending), string(model.ExtractionProcessing)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailExtraction(context.Background(), "e1", 2, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetTemplateConfidence_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extractions SET template_confidence = \$1`).
		WithArgs(0.72, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetTemplateConfidence(context.Background(), "missing", 0.72)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateOrganizedPaths(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE extractions SET organized_path = \$1`).
		WithArgs("invoice/2026-10-19/a.pdf", pgxmock.AnyArg(), "e1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := s.UpdateOrganizedPaths(context.Background(), map[string]string{"e1": "invoice/2026-10-19/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteSession_AlreadyClosed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE verification_sessions SET completed_at = \$1 WHERE id = \$2 AND completed_at IS NULL`).
		WithArgs(pgxmock.AnyArg(), "s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteSession(context.Background(), "s1")
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCanonical_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	m, err := s.FindCanonical(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCanonical_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM canonical_field_mappings m`).
		WithArgs("revenue").
		WillReturnError(pgx.ErrNoRows)

	m, err := s.FindCanonical(context.Background(), "revenue")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetQueryCache_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM query_cache WHERE cache_key = \$1 AND expires_at > now\(\)`).
		WithArgs("k1").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.GetQueryCache(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutQueryCache_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(cache_key\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "k1", "total for acme", pgxmock.AnyArg(), pgxmock.AnyArg(), "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutQueryCache(context.Background(), &model.QueryCacheEntry{CacheKey: "k1", QueryText: "total for acme"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredQueryCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM query_cache WHERE expires_at <= now\(\)`).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteExpiredQueryCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPatternOutcome(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	decay := 0.8

	mock.ExpectExec(`UPDATE query_patterns SET success_rate = success_rate \* \$1 \+ \$2`).
		WithArgs(decay, (1-decay)*1.0, 1, 0, pgxmock.AnyArg(), "p1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.RecordPatternOutcome(context.Background(), "p1", true, decay))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetJobStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1`).
		WithArgs(string(model.JobCancelled), "", pgxmock.AnyArg(), "j1", string(model.JobQueued), string(model.JobRunning)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	moved, err := s.SetJobStatus(context.Background(), "j1", model.JobCancelled, "")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IsJobCancelled(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(string(model.JobCancelled)))

	cancelled, err := s.IsJobCancelled(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = s.IsJobCancelled(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
