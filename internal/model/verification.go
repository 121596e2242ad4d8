package model

import "time"

// VerificationType classifies a human review decision.
type VerificationType string

// Review decisions.
const (
	VerificationCorrect   VerificationType = "correct"
	VerificationIncorrect VerificationType = "incorrect"
	VerificationNotFound  VerificationType = "not_found"
	VerificationCustom    VerificationType = "custom"
)

// Valid reports whether t is one of the known review decisions.
func (t VerificationType) Valid() bool {
	switch t {
	case VerificationCorrect, VerificationIncorrect, VerificationNotFound, VerificationCustom:
		return true
	}
	return false
}

// Verification is an append-only audit record of one human review.
type Verification struct {
	ID                 string           `json:"id"`
	FieldID            string           `json:"field_id"`
	ExtractionID       string           `json:"extraction_id"`
	SessionID          string           `json:"session_id,omitempty"`
	OriginalValue      string           `json:"original_value"`
	OriginalConfidence float64          `json:"original_confidence"`
	CorrectedValue     string           `json:"corrected_value"`
	Type               VerificationType `json:"verification_type"`
	Notes              string           `json:"notes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// VerificationSession aggregates counters for a batch review. It is
// bookkeeping only and can be rebuilt from Verification rows.
type VerificationSession struct {
	ID          string     `json:"id"`
	Reviewer    string     `json:"reviewer,omitempty"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Correct     int        `json:"correct"`
	Incorrect   int        `json:"incorrect"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Record bumps the session counters for one review decision.
func (s *VerificationSession) Record(t VerificationType) {
	s.Completed++
	if t == VerificationCorrect {
		s.Correct++
	} else {
		s.Incorrect++
	}
}

// QueueItem is one entry of the derived verification queue.
type QueueItem struct {
	Field          ExtractedField `json:"field"`
	ExtractionID   string         `json:"extraction_id"`
	TemplateName   string         `json:"template_name"`
	FileName       string         `json:"file_name"`
	PhysicalFileID string         `json:"physical_file_id"`
}

// QueueFilter narrows the verification queue.
type QueueFilter struct {
	ExtractionID string `json:"extraction_id,omitempty"`
	TemplateID   string `json:"template_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}
