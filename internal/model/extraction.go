package model

import "time"

// ExtractionStatus is the lifecycle state of one (file, template) extraction.
type ExtractionStatus string

// Extraction lifecycle states.
const (
	ExtractionPending        ExtractionStatus = "pending"
	ExtractionProcessing     ExtractionStatus = "processing"
	ExtractionCompleted      ExtractionStatus = "completed"
	ExtractionTemplateNeeded ExtractionStatus = "template_needed"
	ExtractionError          ExtractionStatus = "error"
	ExtractionVerified       ExtractionStatus = "verified"
)

// Active reports whether an extraction in this state owns in-flight work.
// A second claim on the same pair is rejected while the current one is active.
func (s ExtractionStatus) Active() bool {
	return s == ExtractionPending || s == ExtractionProcessing
}

// transitions lists the legal state moves. Re-entry into pending (retry or
// re-extraction) is allowed from every settled state.
var transitions = map[ExtractionStatus][]ExtractionStatus{
	ExtractionPending:        {ExtractionProcessing, ExtractionError},
	ExtractionProcessing:     {ExtractionCompleted, ExtractionError},
	ExtractionCompleted:      {ExtractionVerified, ExtractionPending},
	ExtractionVerified:       {ExtractionCompleted, ExtractionPending},
	ExtractionError:          {ExtractionPending},
	ExtractionTemplateNeeded: {ExtractionPending},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ExtractionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SettledStatuses are the states from which a new attempt may be started.
func SettledStatuses() []ExtractionStatus {
	return []ExtractionStatus{
		ExtractionCompleted,
		ExtractionVerified,
		ExtractionError,
		ExtractionTemplateNeeded,
	}
}

// Extraction is one unit of extraction work for a (PhysicalFile, Template) pair.
// TemplateID is empty while the extraction waits in template_needed.
type Extraction struct {
	ID                 string           `json:"id"`
	PhysicalFileID     string           `json:"physical_file_id"`
	TemplateID         string           `json:"template_id,omitempty"`
	TemplateName       string           `json:"template_name,omitempty"`
	FileName           string           `json:"file_name"`
	Status             ExtractionStatus `json:"status"`
	Attempt            int              `json:"attempt"`
	TemplateConfidence float64          `json:"template_confidence"`
	OrganizedPath      string           `json:"organized_path,omitempty"`
	SearchIndexRef     string           `json:"search_index_ref,omitempty"`
	JobID              string           `json:"job_id,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty"`
}

// ExtractionFilter specifies criteria for listing extractions.
type ExtractionFilter struct {
	PhysicalFileID string           `json:"physical_file_id,omitempty"`
	TemplateID     string           `json:"template_id,omitempty"`
	Status         ExtractionStatus `json:"status,omitempty"`
	PathPrefix     string           `json:"path_prefix,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
}
