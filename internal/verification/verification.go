// Package verification routes low-confidence fields to human review and
// applies reviewer decisions.
package verification

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	store.TemplateStore
	store.ExtractionStore
	store.VerificationStore
}

// Reindexer refreshes the search projection of an extraction after its
// effective values change.
type Reindexer interface {
	Reindex(ctx context.Context, extractionID string) error
}

// Service applies confidence thresholds and records verifications.
type Service struct {
	st        Store
	threshold float64
	reindexer Reindexer
}

// New creates a Service with the global confidence threshold.
func New(st Store, threshold float64) *Service {
	return &Service{st: st, threshold: threshold}
}

// SetReindexer installs r to be called after every verification.
func (s *Service) SetReindexer(r Reindexer) { s.reindexer = r }

// NeedsVerification is the routing rule: a field needs review while its
// confidence is below threshold and no human has verified it.
func NeedsVerification(f *model.ExtractedField, threshold float64) bool {
	return !f.Verified && f.Confidence < threshold
}

// Classify sets NeedsVerification on fields under the template's threshold.
// It is pure and idempotent.
func (s *Service) Classify(fields []model.ExtractedField, tmpl *model.Template) {
	threshold := tmpl.Threshold(s.threshold)
	for i := range fields {
		fields[i].NeedsVerification = NeedsVerification(&fields[i], threshold)
	}
}

// Reclassify re-applies the current threshold to the stored fields of an
// extraction and keeps its verified status in step. It returns how many
// fields changed.
func (s *Service) Reclassify(ctx context.Context, extractionID string) (int, error) {
	e, err := s.st.GetExtraction(ctx, extractionID)
	if err != nil {
		return 0, err
	}
	tmpl, err := s.template(ctx, e)
	if err != nil {
		return 0, err
	}
	fields, err := s.st.ListFields(ctx, extractionID)
	if err != nil {
		return 0, err
	}

	threshold := tmpl.Threshold(s.threshold)
	flags := make(map[string]bool, len(fields))
	for i := range fields {
		flags[fields[i].ID] = NeedsVerification(&fields[i], threshold)
	}
	changed, err := s.st.SetNeedsVerification(ctx, flags)
	if err != nil {
		return 0, err
	}
	if _, err := s.SyncStatus(ctx, extractionID); err != nil {
		return changed, err
	}
	return changed, nil
}

func (s *Service) template(ctx context.Context, e *model.Extraction) (*model.Template, error) {
	if e.TemplateID == "" {
		return nil, nil
	}
	return s.st.GetTemplate(ctx, e.TemplateID)
}

// SyncStatus moves a completed extraction to verified once nothing in it is
// waiting for review, and back when a field needs review again. It reports
// the resulting status.
func (s *Service) SyncStatus(ctx context.Context, extractionID string) (model.ExtractionStatus, error) {
	e, err := s.st.GetExtraction(ctx, extractionID)
	if err != nil {
		return "", err
	}
	if e.Status != model.ExtractionCompleted && e.Status != model.ExtractionVerified {
		return e.Status, nil
	}

	pending, err := s.st.CountPendingVerification(ctx, extractionID)
	if err != nil {
		return "", err
	}
	to := e.Status
	switch {
	case pending == 0 && e.Status == model.ExtractionCompleted:
		to = model.ExtractionVerified
	case pending > 0 && e.Status == model.ExtractionVerified:
		to = model.ExtractionCompleted
	default:
		return e.Status, nil
	}

	err = s.st.TransitionExtraction(ctx, extractionID, e.Status, to)
	if errors.Is(err, model.ErrInvalidTransition) {
		// Lost a race with a re-extraction; its outcome wins.
		return e.Status, nil
	}
	if err != nil {
		return "", err
	}
	zap.L().Info("verification: extraction status changed",
		zap.String("extraction_id", extractionID),
		zap.String("from", string(e.Status)),
		zap.String("to", string(to)),
	)
	return to, nil
}

// Request is one reviewer decision.
type Request struct {
	FieldID   string                 `json:"field_id"`
	Value     string                 `json:"value"`
	Type      model.VerificationType `json:"verification_type"`
	Notes     string                 `json:"notes,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// Verify records a decision on one field. Re-verifying with a different
// value is allowed: the last write wins and the conflict is logged, with
// both decisions kept in the history.
func (s *Service) Verify(ctx context.Context, req Request) (*model.Verification, error) {
	if !req.Type.Valid() {
		return nil, eris.Errorf("verification: unknown type %q", req.Type)
	}

	value := req.Value
	switch req.Type {
	case model.VerificationCorrect:
		if value == "" {
			f, err := s.st.GetField(ctx, req.FieldID)
			if err != nil {
				return nil, err
			}
			value = f.EffectiveValue()
		}
	case model.VerificationNotFound:
		value = ""
	default:
		if strings.TrimSpace(value) == "" {
			return nil, eris.Errorf("verification: %s requires a value", req.Type)
		}
	}

	v := &model.Verification{
		FieldID:        req.FieldID,
		SessionID:      req.SessionID,
		CorrectedValue: value,
		Type:           req.Type,
		Notes:          req.Notes,
	}
	prev, err := s.st.RecordVerification(ctx, v, value)
	if err != nil {
		return nil, eris.Wrapf(err, "verification: verify field %s", req.FieldID)
	}

	if prev.Verified && prev.VerifiedValue != nil && *prev.VerifiedValue != value {
		conflict := &model.VerificationConflictError{FieldID: req.FieldID, Previous: *prev.VerifiedValue, Incoming: value}
		zap.L().Warn("verification: conflicting re-verification",
			zap.String("field_id", req.FieldID),
			zap.String("extraction_id", prev.ExtractionID),
			zap.Error(conflict),
		)
	}

	if _, err := s.SyncStatus(ctx, v.ExtractionID); err != nil {
		zap.L().Error("verification: sync extraction status", zap.String("extraction_id", v.ExtractionID), zap.Error(err))
	}
	if s.reindexer != nil {
		if err := s.reindexer.Reindex(ctx, v.ExtractionID); err != nil {
			zap.L().Warn("verification: reindex", zap.String("extraction_id", v.ExtractionID), zap.Error(err))
		}
	}
	return v, nil
}

// Queue lists fields waiting for review, lowest confidence first.
func (s *Service) Queue(ctx context.Context, filter model.QueueFilter) ([]model.QueueItem, error) {
	return s.st.VerificationQueue(ctx, filter)
}

// History returns the verification trail of a field, oldest first. It is an
// audit record and never used to restore values.
func (s *Service) History(ctx context.Context, fieldID string) ([]model.Verification, error) {
	return s.st.ListVerifications(ctx, fieldID)
}

// StartSession opens a batch review session.
func (s *Service) StartSession(ctx context.Context, reviewer string, total int) (*model.VerificationSession, error) {
	return s.st.CreateSession(ctx, reviewer, total)
}

// CompleteSession closes a session.
func (s *Service) CompleteSession(ctx context.Context, id string) error {
	return s.st.CompleteSession(ctx, id)
}

// ReconstructSession recomputes a session's counters from its verification
// rows. The stored counters are bookkeeping; the rows are authoritative.
func (s *Service) ReconstructSession(ctx context.Context, id string) (*model.VerificationSession, error) {
	sess, err := s.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.st.ListSessionVerifications(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Completed, sess.Correct, sess.Incorrect = 0, 0, 0
	for _, v := range rows {
		sess.Record(v.Type)
	}
	return sess, nil
}
