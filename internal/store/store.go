package store

import (
	"context"

	"github.com/sells-group/docvault/internal/model"
)

// FileStore persists PhysicalFile rows.
type FileStore interface {
	// CreatePhysicalFile inserts f unless a row with the same hash exists.
	// It always returns the row that owns the hash and whether this call
	// created it.
	CreatePhysicalFile(ctx context.Context, f *model.PhysicalFile) (*model.PhysicalFile, bool, error)
	GetPhysicalFile(ctx context.Context, id string) (*model.PhysicalFile, error)
	GetPhysicalFileByHash(ctx context.Context, hash string) (*model.PhysicalFile, error)
	SetParseResult(ctx context.Context, fileID string, result *model.ParseResult) error
	// DeletePhysicalFile removes the file with its extractions and fields
	// in one transaction. Verification rows are kept.
	DeletePhysicalFile(ctx context.Context, id string) error
}

// TemplateStore persists extraction templates.
type TemplateStore interface {
	UpsertTemplate(ctx context.Context, t *model.Template) (*model.Template, error)
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
}

// ExtractionStore persists Extraction rows and their fields.
type ExtractionStore interface {
	// ClaimExtraction returns a pending extraction for the pair. A settled
	// row is reset to pending with a new attempt; an active row yields
	// model.ErrExtractionInProgress.
	ClaimExtraction(ctx context.Context, fileID, templateID, fileName string) (*model.Extraction, error)
	// RecordTemplateNeeded upserts the single template_needed row of a file.
	RecordTemplateNeeded(ctx context.Context, fileID, fileName string, confidence float64) (*model.Extraction, error)
	// AssignTemplate moves a template_needed extraction to pending for templateID.
	AssignTemplate(ctx context.Context, extractionID, templateID string) (*model.Extraction, error)
	TransitionExtraction(ctx context.Context, id string, from, to model.ExtractionStatus) error
	SetExtractionJob(ctx context.Context, id, jobID string) error
	// CompleteExtraction writes the full field set of one attempt and moves
	// the extraction to completed atomically. It fails without writing when
	// the attempt is stale or its job was cancelled.
	CompleteExtraction(ctx context.Context, id string, attempt int, fields []model.ExtractedField) error
	// FailExtraction moves an active attempt to error with msg.
	FailExtraction(ctx context.Context, id string, attempt int, msg string) error
	GetExtraction(ctx context.Context, id string) (*model.Extraction, error)
	ListExtractions(ctx context.Context, filter model.ExtractionFilter) ([]model.Extraction, error)
	UpdateOrganizedPaths(ctx context.Context, paths map[string]string) (int, error)
	OrganizedPathExists(ctx context.Context, path string) (bool, error)
	SetSearchIndexRef(ctx context.Context, id, ref string) error
	SetTemplateConfidence(ctx context.Context, id string, confidence float64) error

	ListFields(ctx context.Context, extractionID string) ([]model.ExtractedField, error)
	GetField(ctx context.Context, id string) (*model.ExtractedField, error)
	// SetNeedsVerification rewrites the classification flag of unverified fields.
	SetNeedsVerification(ctx context.Context, flags map[string]bool) (int, error)
	CountPendingVerification(ctx context.Context, extractionID string) (int, error)
}

// VerificationStore persists human review records.
type VerificationStore interface {
	// RecordVerification marks the field verified with value and appends v,
	// bumping the session counters when v.SessionID is set. It returns the
	// field as it was before the write.
	RecordVerification(ctx context.Context, v *model.Verification, value string) (*model.ExtractedField, error)
	ListVerifications(ctx context.Context, fieldID string) ([]model.Verification, error)
	ListSessionVerifications(ctx context.Context, sessionID string) ([]model.Verification, error)
	VerificationQueue(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error)

	CreateSession(ctx context.Context, reviewer string, total int) (*model.VerificationSession, error)
	GetSession(ctx context.Context, id string) (*model.VerificationSession, error)
	CompleteSession(ctx context.Context, id string) error
}

// CanonicalStore persists canonical field mappings and aliases.
type CanonicalStore interface {
	UpsertCanonicalMapping(ctx context.Context, m *model.CanonicalFieldMapping) (*model.CanonicalFieldMapping, error)
	AddCanonicalAlias(ctx context.Context, mappingID, alias string) (*model.CanonicalAlias, error)
	// FindCanonical matches term case-insensitively against active names and
	// aliases. It returns nil without error when nothing matches.
	FindCanonical(ctx context.Context, term string) (*model.CanonicalFieldMapping, error)
	ListCanonicalMappings(ctx context.Context, activeOnly bool) ([]model.CanonicalFieldMapping, error)
	DeactivateCanonicalMapping(ctx context.Context, id string) error
	DeactivateCanonicalAlias(ctx context.Context, id string) error
}

// QueryStore persists the best-effort query cache tables.
type QueryStore interface {
	// GetQueryCache returns nil when the key is absent or expired.
	GetQueryCache(ctx context.Context, key string) (*model.QueryCacheEntry, error)
	PutQueryCache(ctx context.Context, e *model.QueryCacheEntry) error
	TouchQueryCache(ctx context.Context, id string) error
	DeleteExpiredQueryCache(ctx context.Context) (int, error)

	// FindQueryPattern returns nil when no pattern with at least minRate exists.
	FindQueryPattern(ctx context.Context, pattern, templateName string, minRate float64) (*model.QueryPattern, error)
	UpsertQueryPattern(ctx context.Context, p *model.QueryPattern) (*model.QueryPattern, error)
	RecordPatternUse(ctx context.Context, id string) error
	RecordPatternOutcome(ctx context.Context, id string, success bool, decay float64) error
}

// JobStore persists background job progress.
type JobStore interface {
	CreateJob(ctx context.Context, kind string, total int) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJobProgress(ctx context.Context, id string, processed, failed int) error
	// SetJobStatus moves a non-terminal job to status. It reports false when
	// the job had already stopped.
	SetJobStatus(ctx context.Context, id string, status model.JobStatus, msg string) (bool, error)
	IsJobCancelled(ctx context.Context, id string) (bool, error)
}

// Store is the relational source of truth.
type Store interface {
	FileStore
	TemplateStore
	ExtractionStore
	VerificationStore
	CanonicalStore
	QueryStore
	JobStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
