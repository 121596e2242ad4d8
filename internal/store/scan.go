package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/model"
)

// Column lists shared by both drivers. Queries alias their tables so the
// lists can be reused in joins.
const (
	fileCols         = `id, hash, storage_path, size, mime_type, original_name, parse_result, created_at, updated_at`
	templateCols     = `id, name, description, fields, confidence_threshold, created_at, updated_at`
	extractionSelect = `SELECT e.id, e.physical_file_id, e.template_id, COALESCE(t.name, ''), e.file_name, e.status,
		e.attempt, e.template_confidence, e.organized_path, e.search_index_ref, e.job_id, e.error_message,
		e.created_at, e.updated_at, e.processed_at
		FROM extractions e LEFT JOIN templates t ON t.id = e.template_id`
	fieldCols = `f.id, f.extraction_id, f.field_name, f.value, f.confidence, f.needs_verification, f.verified,
		f.verified_value, f.verified_at, f.page, f.bbox, f.created_at, f.updated_at`
	verificationCols = `id, field_id, extraction_id, session_id, original_value, original_confidence,
		corrected_value, verification_type, notes, created_at`
	sessionCols = `id, reviewer, total, completed, correct, incorrect, started_at, completed_at`
	mappingCols = `m.id, m.canonical_name, m.description, m.field_mappings, m.aggregation, m.is_active,
		m.created_at, m.updated_at`
	aliasCols   = `id, mapping_id, alias, is_active, created_at`
	patternCols = `id, pattern, template_name, skeleton, param_types, usage_count, success_count,
		failure_count, success_rate, last_used_at, created_at, updated_at`
	cacheCols = `id, cache_key, query_text, params, query, pattern_id, hit_count, last_accessed,
		expires_at, created_at`
	jobCols = `id, kind, status, total, processed, failed, error, created_at, updated_at`
)

type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func notFound(entity, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
}

// toJSON encodes v for a TEXT/JSONB column. A nil v is stored as NULL.
func toJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json")
	}
	return string(data), nil
}

func fromJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(src.String), dst), "store: unmarshal json")
}

func scanPhysicalFile(row scannable) (*model.PhysicalFile, error) {
	var f model.PhysicalFile
	var parse sql.NullString
	err := row.Scan(&f.ID, &f.Hash, &f.StoragePath, &f.Size, &f.MimeType, &f.OriginalName, &parse, &f.CreatedAt, &f.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "physical file")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan physical file")
	}
	if parse.Valid && parse.String != "" {
		f.ParseResult = &model.ParseResult{}
		if err := fromJSON(parse, f.ParseResult); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func scanTemplate(row scannable) (*model.Template, error) {
	var t model.Template
	var fields sql.NullString
	var threshold sql.NullFloat64
	err := row.Scan(&t.ID, &t.Name, &t.Description, &fields, &threshold, &t.CreatedAt, &t.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "template")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan template")
	}
	if err := fromJSON(fields, &t.Fields); err != nil {
		return nil, eris.Wrapf(err, "store: template %s fields", t.Name)
	}
	if threshold.Valid {
		v := threshold.Float64
		t.ConfidenceThreshold = &v
	}
	return &t, nil
}

func scanExtraction(row scannable) (*model.Extraction, error) {
	var e model.Extraction
	var processed sql.NullTime
	err := row.Scan(&e.ID, &e.PhysicalFileID, &e.TemplateID, &e.TemplateName, &e.FileName, &e.Status,
		&e.Attempt, &e.TemplateConfidence, &e.OrganizedPath, &e.SearchIndexRef, &e.JobID, &e.ErrorMessage,
		&e.CreatedAt, &e.UpdatedAt, &processed)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "extraction")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan extraction")
	}
	if processed.Valid {
		t := processed.Time
		e.ProcessedAt = &t
	}
	return &e, nil
}

func scanField(row scannable) (*model.ExtractedField, error) {
	var f model.ExtractedField
	var verifiedValue, bbox sql.NullString
	var verifiedAt sql.NullTime
	err := row.Scan(&f.ID, &f.ExtractionID, &f.FieldName, &f.Value, &f.Confidence, &f.NeedsVerification,
		&f.Verified, &verifiedValue, &verifiedAt, &f.Page, &bbox, &f.CreatedAt, &f.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "extracted field")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan field")
	}
	if verifiedValue.Valid {
		v := verifiedValue.String
		f.VerifiedValue = &v
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		f.VerifiedAt = &t
	}
	if bbox.Valid && bbox.String != "" {
		f.BBox = &model.BoundingBox{}
		if err := fromJSON(bbox, f.BBox); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func scanQueueItem(row scannable) (*model.QueueItem, error) {
	var item model.QueueItem
	f := &item.Field
	var verifiedValue, bbox sql.NullString
	var verifiedAt sql.NullTime
	err := row.Scan(&f.ID, &f.ExtractionID, &f.FieldName, &f.Value, &f.Confidence, &f.NeedsVerification,
		&f.Verified, &verifiedValue, &verifiedAt, &f.Page, &bbox, &f.CreatedAt, &f.UpdatedAt,
		&item.TemplateName, &item.FileName, &item.PhysicalFileID)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan queue item")
	}
	if bbox.Valid && bbox.String != "" {
		f.BBox = &model.BoundingBox{}
		if err := fromJSON(bbox, f.BBox); err != nil {
			return nil, err
		}
	}
	item.ExtractionID = f.ExtractionID
	return &item, nil
}

func scanVerification(row scannable) (*model.Verification, error) {
	var v model.Verification
	err := row.Scan(&v.ID, &v.FieldID, &v.ExtractionID, &v.SessionID, &v.OriginalValue, &v.OriginalConfidence,
		&v.CorrectedValue, &v.Type, &v.Notes, &v.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan verification")
	}
	return &v, nil
}

func scanSession(row scannable) (*model.VerificationSession, error) {
	var s model.VerificationSession
	var completed sql.NullTime
	err := row.Scan(&s.ID, &s.Reviewer, &s.Total, &s.Completed, &s.Correct, &s.Incorrect, &s.StartedAt, &completed)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "verification session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan session")
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func scanMapping(row scannable) (*model.CanonicalFieldMapping, error) {
	var m model.CanonicalFieldMapping
	var mappings sql.NullString
	err := row.Scan(&m.ID, &m.CanonicalName, &m.Description, &mappings, &m.Aggregation, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "canonical mapping")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan canonical mapping")
	}
	if err := fromJSON(mappings, &m.FieldMappings); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanAlias(row scannable) (*model.CanonicalAlias, error) {
	var a model.CanonicalAlias
	err := row.Scan(&a.ID, &a.MappingID, &a.Alias, &a.IsActive, &a.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "canonical alias")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan canonical alias")
	}
	return &a, nil
}

func scanPattern(row scannable) (*model.QueryPattern, error) {
	var p model.QueryPattern
	var skeleton, paramTypes sql.NullString
	var lastUsed sql.NullTime
	err := row.Scan(&p.ID, &p.Pattern, &p.TemplateName, &skeleton, &paramTypes, &p.UsageCount, &p.SuccessCount,
		&p.FailureCount, &p.SuccessRate, &lastUsed, &p.CreatedAt, &p.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "query pattern")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan query pattern")
	}
	if skeleton.Valid {
		p.Skeleton = []byte(skeleton.String)
	}
	if err := fromJSON(paramTypes, &p.ParamTypes); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		p.LastUsedAt = &t
	}
	return &p, nil
}

func scanCacheEntry(row scannable) (*model.QueryCacheEntry, error) {
	var e model.QueryCacheEntry
	var params, query sql.NullString
	err := row.Scan(&e.ID, &e.CacheKey, &e.QueryText, &params, &query, &e.PatternID, &e.HitCount,
		&e.LastAccessed, &e.ExpiresAt, &e.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "query cache entry")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan query cache")
	}
	if err := fromJSON(params, &e.Params); err != nil {
		return nil, err
	}
	if err := fromJSON(query, &e.Query); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Total, &j.Processed, &j.Failed, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(model.ErrNotFound, "job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan job")
	}
	return &j, nil
}

// fieldRow returns the insert arguments of one field in fieldInsertCols order.
func fieldRow(f *model.ExtractedField) ([]any, error) {
	bbox, err := toJSON(bboxOrNil(f.BBox))
	if err != nil {
		return nil, err
	}
	var verifiedValue any
	if f.VerifiedValue != nil {
		verifiedValue = *f.VerifiedValue
	}
	return []any{f.ID, f.ExtractionID, f.FieldName, f.Value, f.Confidence, f.NeedsVerification,
		f.Verified, verifiedValue, f.VerifiedAt, f.Page, bbox, f.CreatedAt, f.UpdatedAt}, nil
}

var fieldInsertCols = []string{"id", "extraction_id", "field_name", "value", "confidence", "needs_verification",
	"verified", "verified_value", "verified_at", "page", "bbox", "created_at", "updated_at"}

func bboxOrNil(b *model.BoundingBox) any {
	if b == nil {
		return nil
	}
	return b
}

func verificationCounters(t model.VerificationType) (correct, incorrect int) {
	if t == model.VerificationCorrect {
		return 1, 0
	}
	return 0, 1
}
