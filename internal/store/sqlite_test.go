package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docvault/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedFile(t *testing.T, st *SQLiteStore, hash string) *model.PhysicalFile {
	t.Helper()
	f, created, err := st.CreatePhysicalFile(context.Background(), &model.PhysicalFile{
		Hash:         hash,
		StoragePath:  "blobs/" + hash,
		Size:         42,
		MimeType:     "application/pdf",
		OriginalName: hash + ".pdf",
	})
	require.NoError(t, err)
	require.True(t, created)
	return f
}

func seedTemplate(t *testing.T, st *SQLiteStore, name string, fields ...string) *model.Template {
	t.Helper()
	var schema model.Schema
	for _, f := range fields {
		schema = append(schema, model.TextField{FieldBase: model.FieldBase{Name: f}})
	}
	tmpl, err := st.UpsertTemplate(context.Background(), &model.Template{Name: name, Fields: schema})
	require.NoError(t, err)
	return tmpl
}

// processing claims a pair and moves it into processing.
func processing(t *testing.T, st *SQLiteStore, fileID, templateID string) *model.Extraction {
	t.Helper()
	ctx := context.Background()
	e, err := st.ClaimExtraction(ctx, fileID, templateID, "doc.pdf")
	require.NoError(t, err)
	require.NoError(t, st.TransitionExtraction(ctx, e.ID, model.ExtractionPending, model.ExtractionProcessing))
	return e
}

func fieldsOf(vals map[string]float64) []model.ExtractedField {
	var out []model.ExtractedField
	for name, conf := range vals {
		out = append(out, model.ExtractedField{
			FieldName:         name,
			Value:             name + "-value",
			Confidence:        conf,
			NeedsVerification: conf < 0.8,
		})
	}
	return out
}

// --- Physical files ---

func TestSQLite_PhysicalFile_Dedup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedFile(t, st, "abc123")

	again, created, err := st.CreatePhysicalFile(ctx, &model.PhysicalFile{Hash: "abc123", StoragePath: "other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "blobs/abc123", again.StoragePath)
}

func TestSQLite_PhysicalFile_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetPhysicalFile(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_PhysicalFile_ParseResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "parsed")
	assert.False(t, f.Parsed())

	pr := &model.ParseResult{
		JobID:    "job-1",
		Provider: "local",
		Chunks:   []model.Chunk{{Text: "Invoice 42", Page: 1, Confidence: 0.9}},
		ParsedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SetParseResult(ctx, f.ID, pr))

	got, err := st.GetPhysicalFile(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, got.Parsed())
	assert.Equal(t, "Invoice 42", got.ParseResult.Text())

	assert.True(t, model.IsNotFound(st.SetParseResult(ctx, "missing", pr)))
}

func TestSQLite_DeletePhysicalFile_Cascades(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "gone")
	tmpl := seedTemplate(t, st, "invoice", "total")
	e := processing(t, st, f.ID, tmpl.ID)
	require.NoError(t, st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{"total": 0.9})))

	require.NoError(t, st.DeletePhysicalFile(ctx, f.ID))

	_, err := st.GetExtraction(ctx, e.ID)
	assert.True(t, model.IsNotFound(err))
	fields, err := st.ListFields(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, fields)
	assert.True(t, model.IsNotFound(st.DeletePhysicalFile(ctx, f.ID)))
}

// --- Templates ---

func TestSQLite_Template_UpsertByName(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedTemplate(t, st, "invoice", "total")
	threshold := 0.9
	second, err := st.UpsertTemplate(ctx, &model.Template{
		Name:                "invoice",
		Description:         "vendor invoices",
		Fields:              model.Schema{model.NumberField{FieldBase: model.FieldBase{Name: "total"}, Currency: true}},
		ConfidenceThreshold: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "vendor invoices", second.Description)
	assert.Equal(t, 0.9, second.Threshold(0.8))
	require.Len(t, second.Fields, 1)
	assert.Equal(t, model.KindNumber, second.Fields[0].Kind())

	list, err := st.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_Template_RejectsInvalidSchema(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.UpsertTemplate(context.Background(), &model.Template{
		Name: "bad",
		Fields: model.Schema{
			model.TextField{FieldBase: model.FieldBase{Name: "a"}},
			model.TextField{FieldBase: model.FieldBase{Name: "a"}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

// --- Extractions ---

func TestSQLite_ClaimExtraction_RejectsActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total")

	e, err := st.ClaimExtraction(ctx, f.ID, tmpl.ID, "doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionPending, e.Status)
	assert.Equal(t, 1, e.Attempt)
	assert.Equal(t, "invoice", e.TemplateName)

	_, err = st.ClaimExtraction(ctx, f.ID, tmpl.ID, "doc.pdf")
	assert.ErrorIs(t, err, model.ErrExtractionInProgress)
}

func TestSQLite_ClaimExtraction_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, rejected := 0, 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ClaimExtraction(ctx, f.ID, tmpl.ID, "doc.pdf")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, model.ErrExtractionInProgress) {
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, rejected)
}

func TestSQLite_ClaimExtraction_ResetsSettled(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total")

	e := processing(t, st, f.ID, tmpl.ID)
	require.NoError(t, st.SetExtractionJob(ctx, e.ID, "job-1"))
	require.NoError(t, st.FailExtraction(ctx, e.ID, e.Attempt, "provider down"))

	failed, err := st.GetExtraction(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionError, failed.Status)
	assert.Equal(t, "provider down", failed.ErrorMessage)

	again, err := st.ClaimExtraction(ctx, f.ID, tmpl.ID, "")
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID)
	assert.Equal(t, model.ExtractionPending, again.Status)
	assert.Equal(t, 2, again.Attempt)
	assert.Empty(t, again.ErrorMessage)
	assert.Empty(t, again.JobID)
	assert.Equal(t, "doc.pdf", again.FileName)
}

func TestSQLite_TransitionExtraction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total")
	e, err := st.ClaimExtraction(ctx, f.ID, tmpl.ID, "doc.pdf")
	require.NoError(t, err)

	err = st.TransitionExtraction(ctx, e.ID, model.ExtractionPending, model.ExtractionVerified)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	err = st.TransitionExtraction(ctx, e.ID, model.ExtractionProcessing, model.ExtractionCompleted)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, st.TransitionExtraction(ctx, e.ID, model.ExtractionPending, model.ExtractionProcessing))

	err = st.TransitionExtraction(ctx, "missing", model.ExtractionPending, model.ExtractionProcessing)
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_CompleteExtraction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total", "vendor")
	e := processing(t, st, f.ID, tmpl.ID)

	require.NoError(t, st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{
		"total":  0.95,
		"vendor": 0.4,
	})))

	got, err := st.GetExtraction(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	fields, err := st.ListFields(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "total", fields[0].FieldName)
	assert.False(t, fields[0].NeedsVerification)
	assert.Equal(t, "vendor", fields[1].FieldName)
	assert.True(t, fields[1].NeedsVerification)

	n, err := st.CountPendingVerification(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_CompleteExtraction_StaleAttempt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total")
	e := processing(t, st, f.ID, tmpl.ID)

	err := st.CompleteExtraction(ctx, e.ID, e.Attempt+1, fieldsOf(map[string]float64{"total": 0.9}))
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	fields, err := st.ListFields(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestSQLite_CompleteExtraction_CancelledJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total")
	e := processing(t, st, f.ID, tmpl.ID)

	job, err := st.CreateJob(ctx, "extract", 1)
	require.NoError(t, err)
	require.NoError(t, st.SetExtractionJob(ctx, e.ID, job.ID))
	moved, err := st.SetJobStatus(ctx, job.ID, model.JobCancelled, "")
	require.NoError(t, err)
	require.True(t, moved)

	err = st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{"total": 0.9}))
	assert.ErrorIs(t, err, model.ErrJobCancelled)

	cancelled, err := st.IsJobCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestSQLite_Reextraction_KeepsFieldIDs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total", "vendor")

	e := processing(t, st, f.ID, tmpl.ID)
	require.NoError(t, st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{"total": 0.5, "vendor": 0.5})))
	before, err := st.ListFields(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	_, err = st.RecordVerification(ctx, &model.Verification{
		FieldID: before[0].ID, CorrectedValue: "100", Type: model.VerificationIncorrect,
	}, "100")
	require.NoError(t, err)

	e2 := processing(t, st, f.ID, tmpl.ID)
	assert.Equal(t, 2, e2.Attempt)
	require.NoError(t, st.CompleteExtraction(ctx, e2.ID, e2.Attempt, fieldsOf(map[string]float64{"total": 0.99})))

	after, err := st.ListFields(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.False(t, after[0].Verified)
	assert.Nil(t, after[0].VerifiedValue)
	assert.Equal(t, 0.99, after[0].Confidence)

	history, err := st.ListVerifications(ctx, before[0].ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSQLite_TemplateNeeded_AssignTemplate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "receipt", "total")

	placeholder, err := st.RecordTemplateNeeded(ctx, f.ID, "scan.pdf", 0.3)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionTemplateNeeded, placeholder.Status)
	assert.Empty(t, placeholder.TemplateID)
	assert.Equal(t, 0.3, placeholder.TemplateConfidence)

	assigned, err := st.AssignTemplate(ctx, placeholder.ID, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, assigned.ID)
	assert.Equal(t, model.ExtractionPending, assigned.Status)
	assert.Equal(t, "receipt", assigned.TemplateName)
	assert.Equal(t, 1, assigned.Attempt)

	_, err = st.AssignTemplate(ctx, assigned.ID, tmpl.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestSQLite_AssignTemplate_ExistingPair(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "receipt", "total")

	e := processing(t, st, f.ID, tmpl.ID)
	require.NoError(t, st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{"total": 0.9})))

	placeholder, err := st.RecordTemplateNeeded(ctx, f.ID, "scan.pdf", 0.2)
	require.NoError(t, err)

	assigned, err := st.AssignTemplate(ctx, placeholder.ID, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, assigned.ID)
	assert.Equal(t, 2, assigned.Attempt)

	_, err = st.GetExtraction(ctx, placeholder.ID)
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_ListExtractions_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f1 := seedFile(t, st, "f1")
	f2 := seedFile(t, st, "f2")
	invoice := seedTemplate(t, st, "invoice", "total")
	receipt := seedTemplate(t, st, "receipt", "total")

	e1, err := st.ClaimExtraction(ctx, f1.ID, invoice.ID, "a.pdf")
	require.NoError(t, err)
	_, err = st.ClaimExtraction(ctx, f2.ID, invoice.ID, "b.pdf")
	require.NoError(t, err)
	_, err = st.ClaimExtraction(ctx, f1.ID, receipt.ID, "a.pdf")
	require.NoError(t, err)

	byTemplate, err := st.ListExtractions(ctx, model.ExtractionFilter{TemplateID: invoice.ID})
	require.NoError(t, err)
	assert.Len(t, byTemplate, 2)

	byFile, err := st.ListExtractions(ctx, model.ExtractionFilter{PhysicalFileID: f1.ID})
	require.NoError(t, err)
	assert.Len(t, byFile, 2)

	limited, err := st.ListExtractions(ctx, model.ExtractionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := st.UpdateOrganizedPaths(ctx, map[string]string{e1.ID: "invoice/2026-10-19/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	underInvoice, err := st.ListExtractions(ctx, model.ExtractionFilter{PathPrefix: "invoice"})
	require.NoError(t, err)
	require.Len(t, underInvoice, 1)
	assert.Equal(t, e1.ID, underInvoice[0].ID)

	none, err := st.ListExtractions(ctx, model.ExtractionFilter{PathPrefix: "inv"})
	require.NoError(t, err)
	assert.Empty(t, none)

	exists, err := st.OrganizedPathExists(ctx, "invoice/2026-10-19/a.pdf")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLite_LikePrefix_EscapesWildcards(t *testing.T) {
	assert.Equal(t, `a\_b\%c/%`, likePrefix("a_b%c"))
	assert.Equal(t, `x/%`, likePrefix("x/"))
}

func TestSQLite_SetNeedsVerification_SkipsVerified(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total", "vendor")
	e := processing(t, st, f.ID, tmpl.ID)
	require.NoError(t, st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{"total": 0.5, "vendor": 0.5})))
	fields, err := st.ListFields(ctx, e.ID)
	require.NoError(t, err)

	_, err = st.RecordVerification(ctx, &model.Verification{FieldID: fields[0].ID, Type: model.VerificationCorrect}, fields[0].Value)
	require.NoError(t, err)

	changed, err := st.SetNeedsVerification(ctx, map[string]bool{fields[0].ID: true, fields[1].ID: false})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = st.SetNeedsVerification(ctx, map[string]bool{fields[1].ID: false})
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

// --- Verification ---

func TestSQLite_RecordVerification_Session(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := seedFile(t, st, "f1")
	tmpl := seedTemplate(t, st, "invoice", "total", "vendor")
	e := processing(t, st, f.ID, tmpl.ID)
	require.NoError(t, st.CompleteExtraction(ctx, e.ID, e.Attempt, fieldsOf(map[string]float64{"total": 0.3, "vendor": 0.6})))

	queue, err := st.VerificationQueue(ctx, model.QueueFilter{})
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "total", queue[0].Field.FieldName)
	assert.Equal(t, "invoice", queue[0].TemplateName)
	assert.Equal(t, f.ID, queue[0].PhysicalFileID)

	sess, err := st.CreateSession(ctx, "reviewer@example.com", len(queue))
	require.NoError(t, err)

	prev, err := st.RecordVerification(ctx, &model.Verification{
		FieldID: queue[0].Field.ID, SessionID: sess.ID, CorrectedValue: "120.00", Type: model.VerificationIncorrect,
	}, "120.00")
	require.NoError(t, err)
	assert.False(t, prev.Verified)
	assert.Equal(t, "total-value", prev.Value)

	_, err = st.RecordVerification(ctx, &model.Verification{
		FieldID: queue[1].Field.ID, SessionID: sess.ID, CorrectedValue: "vendor-value", Type: model.VerificationCorrect,
	}, "vendor-value")
	require.NoError(t, err)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Completed)
	assert.Equal(t, 1, got.Correct)
	assert.Equal(t, 1, got.Incorrect)

	field, err := st.GetField(ctx, queue[0].Field.ID)
	require.NoError(t, err)
	assert.True(t, field.Verified)
	assert.Equal(t, "120.00", field.EffectiveValue())
	assert.False(t, field.NeedsVerification)

	history, err := st.ListSessionVerifications(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "total-value", history[0].OriginalValue)
	assert.Equal(t, 0.3, history[0].OriginalConfidence)
	assert.Equal(t, e.ID, history[0].ExtractionID)

	remaining, err := st.VerificationQueue(ctx, model.QueueFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.NoError(t, st.CompleteSession(ctx, sess.ID))
	assert.True(t, model.IsNotFound(st.CompleteSession(ctx, sess.ID)))
}

func TestSQLite_RecordVerification_MissingField(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.RecordVerification(context.Background(), &model.Verification{FieldID: "missing", Type: model.VerificationCorrect}, "")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

// --- Canonical mappings ---

func TestSQLite_Canonical_FindByAlias(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	m, err := st.UpsertCanonicalMapping(ctx, &model.CanonicalFieldMapping{
		CanonicalName: "total_amount",
		FieldMappings: map[string]string{"invoice": "total", "receipt": "amount_paid"},
		IsActive:      true,
		Aliases:       []model.CanonicalAlias{{Alias: "Grand Total", IsActive: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.AggregateSum, m.Aggregation)
	require.Len(t, m.Aliases, 1)

	found, err := st.FindCanonical(ctx, "grand total")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, m.ID, found.ID)
	assert.Equal(t, "amount_paid", found.FieldMappings["receipt"])

	found, err = st.FindCanonical(ctx, "TOTAL_AMOUNT")
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, st.DeactivateCanonicalAlias(ctx, m.Aliases[0].ID))
	found, err = st.FindCanonical(ctx, "grand total")
	require.NoError(t, err)
	assert.Nil(t, found)

	alias, err := st.AddCanonicalAlias(ctx, m.ID, "grand total")
	require.NoError(t, err)
	assert.True(t, alias.IsActive)

	require.NoError(t, st.DeactivateCanonicalMapping(ctx, m.ID))
	found, err = st.FindCanonical(ctx, "grand total")
	require.NoError(t, err)
	assert.Nil(t, found)

	active, err := st.ListCanonicalMappings(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := st.ListCanonicalMappings(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Query cache ---

func TestSQLite_QueryCache_Expiry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	live := &model.QueryCacheEntry{
		CacheKey:  "live",
		QueryText: "total by vendor",
		Params:    map[string]string{"vendor": "acme"},
		Query:     model.StructuredQuery{Templates: []string{"invoice"}, Limit: 10},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.PutQueryCache(ctx, live))
	require.NoError(t, st.PutQueryCache(ctx, &model.QueryCacheEntry{
		CacheKey:  "stale",
		QueryText: "old",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	got, err := st.GetQueryCache(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.Params["vendor"])
	assert.Equal(t, []string{"invoice"}, got.Query.Templates)

	require.NoError(t, st.TouchQueryCache(ctx, got.ID))
	got, err = st.GetQueryCache(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, 1, got.HitCount)

	stale, err := st.GetQueryCache(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, stale)

	n, err := st.DeleteExpiredQueryCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// --- Query patterns ---

func TestSQLite_QueryPattern_Decay(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p, err := st.UpsertQueryPattern(ctx, &model.QueryPattern{
		Pattern:      "total for {string}",
		TemplateName: "invoice",
		Skeleton:     json.RawMessage(`{"text":"{{0}}"}`),
		ParamTypes:   []string{"string"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.SuccessRate)

	require.NoError(t, st.RecordPatternUse(ctx, p.ID))
	for range 4 {
		require.NoError(t, st.RecordPatternOutcome(ctx, p.ID, false, 0.8))
	}

	found, err := st.FindQueryPattern(ctx, "total for {string}", "invoice", 0.5)
	require.NoError(t, err)
	assert.Nil(t, found, "0.8^4 falls below the minimum rate")

	found, err = st.FindQueryPattern(ctx, "total for {string}", "invoice", 0.1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.InDelta(t, 0.4096, found.SuccessRate, 1e-9)
	assert.Equal(t, 1, found.UsageCount)
	assert.Equal(t, 4, found.FailureCount)
	assert.NotNil(t, found.LastUsedAt)
	assert.JSONEq(t, `{"text":"{{0}}"}`, string(found.Skeleton))

	relearned, err := st.UpsertQueryPattern(ctx, &model.QueryPattern{
		Pattern:      "total for {string}",
		TemplateName: "invoice",
		Skeleton:     json.RawMessage(`{"text":"{{0}}","limit":5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, relearned.ID)
	assert.Equal(t, 1.0, relearned.SuccessRate)
	assert.Empty(t, relearned.ParamTypes)
}

// --- Jobs ---

func TestSQLite_Jobs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, "extract", 3)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, j.Status)

	moved, err := st.SetJobStatus(ctx, j.ID, model.JobRunning, "")
	require.NoError(t, err)
	assert.True(t, moved)
	require.NoError(t, st.UpdateJobProgress(ctx, j.ID, 2, 1))
	moved, err = st.SetJobStatus(ctx, j.ID, model.JobCompleted, "")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = st.SetJobStatus(ctx, j.ID, model.JobCancelled, "too late")
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, 1, got.Failed)

	cancelled, err := st.IsJobCancelled(ctx, "")
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = st.IsJobCancelled(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
	_, err = st.SetJobStatus(ctx, "missing", model.JobRunning, "")
	assert.True(t, model.IsNotFound(err))
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Ping(context.Background()))
}
