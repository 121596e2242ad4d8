package extraction

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/contentstore"
	"github.com/sells-group/docvault/internal/jobs"
	"github.com/sells-group/docvault/internal/model"
)

// StartAuto matches a file against the known templates in the background.
// A confident match is extracted in the same job; otherwise the file waits in
// template_needed for AssignTemplate.
func (e *Engine) StartAuto(ctx context.Context, fileID, fileName string) (*Dispatch, error) {
	f, err := e.st.GetPhysicalFile(ctx, fileID)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: auto")
	}
	if fileName == "" {
		fileName = f.OriginalName
	}

	h, err := e.runner.Submit(ctx, KindAutoExtract, []string{fileID}, func(jctx context.Context, h *jobs.Handle, id string) error {
		return e.auto(jctx, h, id, fileName)
	})
	if err != nil {
		return nil, err
	}
	return &Dispatch{JobID: h.ID, handle: h}, nil
}

func (e *Engine) auto(ctx context.Context, h *jobs.Handle, fileID, fileName string) error {
	log := zap.L().With(zap.String("file_id", fileID), zap.String("job_id", h.ID))

	tmpl, confidence, err := e.match(ctx, fileID)
	if err != nil {
		return err
	}
	if err := checkCancelled(ctx, h); err != nil {
		return err
	}

	if tmpl == nil || confidence < e.cfg.TemplateMatchThreshold {
		mismatch := &model.TemplateMismatchError{Confidence: confidence}
		if tmpl != nil {
			mismatch.Best = tmpl.Name
		}
		ex, err := e.st.RecordTemplateNeeded(ctx, fileID, fileName, confidence)
		if err != nil {
			return err
		}
		log.Info("extraction: template needed", zap.String("extraction_id", ex.ID), zap.Error(mismatch))
		return nil
	}

	ex, err := e.claimMatched(ctx, fileID, tmpl.ID, fileName)
	if err != nil {
		return err
	}
	if err := e.st.SetTemplateConfidence(ctx, ex.ID, confidence); err != nil {
		log.Warn("extraction: store match confidence", zap.Error(err))
	}
	log.Info("extraction: template matched",
		zap.String("extraction_id", ex.ID),
		zap.String("template", tmpl.Name),
		zap.Float64("confidence", confidence),
	)
	return e.process(ctx, h, ex.ID, ex.Attempt)
}

// match parses the file and asks the matcher for the best template. It
// returns a nil template when there is nothing to match against.
func (e *Engine) match(ctx context.Context, fileID string) (*model.Template, float64, error) {
	if e.providers.Matcher == nil {
		return nil, 0, nil
	}
	templates, err := e.st.ListTemplates(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(templates) == 0 {
		return nil, 0, nil
	}
	f, err := e.st.GetPhysicalFile(ctx, fileID)
	if err != nil {
		return nil, 0, err
	}
	parse, err := e.content.EnsureParsed(ctx, f, e.providers.Parser)
	if err != nil {
		return nil, 0, err
	}
	m, err := e.providers.Matcher.Match(ctx, parse, templates)
	if err != nil {
		return nil, 0, err
	}
	for i := range templates {
		t := &templates[i]
		if (m.TemplateID != "" && t.ID == m.TemplateID) || (m.TemplateID == "" && strings.EqualFold(t.Name, m.TemplateName)) {
			return t, m.Confidence, nil
		}
	}
	return nil, m.Confidence, nil
}

// claimMatched turns the file's template_needed placeholder into the matched
// extraction when one exists, else claims the pair directly.
func (e *Engine) claimMatched(ctx context.Context, fileID, templateID, fileName string) (*model.Extraction, error) {
	waiting, err := e.st.ListExtractions(ctx, model.ExtractionFilter{
		PhysicalFileID: fileID,
		Status:         model.ExtractionTemplateNeeded,
		Limit:          1,
	})
	if err != nil {
		return nil, err
	}
	if len(waiting) > 0 {
		return e.st.AssignTemplate(ctx, waiting[0].ID, templateID)
	}
	return e.st.ClaimExtraction(ctx, fileID, templateID, fileName)
}

// IngestResult is a stored upload and the extraction work it started.
type IngestResult struct {
	File     *model.PhysicalFile `json:"file"`
	Created  bool                `json:"created"`
	Dispatch *Dispatch           `json:"dispatch,omitempty"`
}

// Ingest stores an upload and starts extraction for it: against templateIDs
// when given, else through template matching when a matcher is configured.
// A duplicate upload only starts work for pairs that have none yet.
func (e *Engine) Ingest(ctx context.Context, u contentstore.Upload, templateIDs []string) (*IngestResult, error) {
	f, created, err := e.content.Ingest(ctx, u)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{File: f, Created: created}

	switch {
	case len(templateIDs) > 0:
		claimed, skipped, err := e.claimAll(ctx, f, templateIDs, true)
		if err != nil {
			return nil, err
		}
		d, err := e.dispatch(ctx, KindExtract, claimed)
		if err != nil {
			return nil, err
		}
		d.Skipped = skipped
		res.Dispatch = d
	case e.providers.Matcher != nil:
		if !created {
			rows, err := e.st.ListExtractions(ctx, model.ExtractionFilter{PhysicalFileID: f.ID, Limit: 1})
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				return res, nil
			}
		}
		d, err := e.StartAuto(ctx, f.ID, u.Name)
		if err != nil {
			return nil, err
		}
		res.Dispatch = d
	}
	return res, nil
}

// DeleteFile removes a file with its extractions and their search documents.
func (e *Engine) DeleteFile(ctx context.Context, fileID string) error {
	rows, err := e.st.ListExtractions(ctx, model.ExtractionFilter{PhysicalFileID: fileID})
	if err != nil {
		return err
	}
	for _, ex := range rows {
		if ex.Status.Active() {
			return eris.Wrapf(model.ErrExtractionInProgress, "extraction: delete file %s", fileID)
		}
	}
	if err := e.content.Delete(ctx, fileID); err != nil {
		return err
	}
	for _, ex := range rows {
		if err := e.searcher.Delete(ctx, ex.ID); err != nil {
			zap.L().Warn("extraction: drop search document", zap.String("extraction_id", ex.ID), zap.Error(err))
		}
	}
	return nil
}
