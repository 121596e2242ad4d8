// Package extraction drives (file, template) extractions through their
// lifecycle: claim, parse, extract, classify, organize and index.
package extraction

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/contentstore"
	"github.com/sells-group/docvault/internal/jobs"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/organizer"
	"github.com/sells-group/docvault/internal/provider"
	"github.com/sells-group/docvault/internal/search"
	"github.com/sells-group/docvault/internal/store"
	"github.com/sells-group/docvault/internal/verification"
)

// Job kinds.
const (
	KindExtract     = "extract"
	KindAutoExtract = "auto_extract"
	KindReprocess   = "reprocess"
)

const cancelledMessage = "extraction cancelled"

// Store is the persistence the engine needs.
type Store interface {
	store.FileStore
	store.TemplateStore
	store.ExtractionStore
}

// Engine runs extractions as background jobs.
type Engine struct {
	st        Store
	content   *contentstore.Store
	providers *provider.Set
	verifier  *verification.Service
	organizer *organizer.Organizer
	searcher  search.Client
	runner    *jobs.Runner
	cfg       config.ExtractionConfig
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store     Store
	Content   *contentstore.Store
	Providers *provider.Set
	Verifier  *verification.Service
	Organizer *organizer.Organizer
	Searcher  search.Client
	Runner    *jobs.Runner
}

// New creates an Engine and registers it as the verifier's reindexer.
func New(d Deps, cfg config.ExtractionConfig) *Engine {
	if d.Searcher == nil {
		d.Searcher = search.Noop{}
	}
	e := &Engine{
		st:        d.Store,
		content:   d.Content,
		providers: d.Providers,
		verifier:  d.Verifier,
		organizer: d.Organizer,
		searcher:  d.Searcher,
		runner:    d.Runner,
		cfg:       cfg,
	}
	d.Verifier.SetReindexer(e)
	return e
}

// Dispatch is a set of claimed extractions and the job processing them.
type Dispatch struct {
	Extractions []model.Extraction `json:"extractions"`
	Skipped     []string           `json:"skipped,omitempty"`
	JobID       string             `json:"job_id,omitempty"`

	handle *jobs.Handle
}

// Wait blocks until the dispatched job stops. It returns at once when nothing
// was dispatched.
func (d *Dispatch) Wait(ctx context.Context) error {
	if d == nil || d.handle == nil {
		return nil
	}
	return d.handle.Wait(ctx)
}

// Start claims the (file, template) pair and extracts it in the background.
// A second start while the pair is pending or processing is rejected with
// model.ErrExtractionInProgress.
func (e *Engine) Start(ctx context.Context, fileID, templateID, fileName string) (*Dispatch, error) {
	if fileID == "" || templateID == "" {
		return nil, eris.New("extraction: file and template are required")
	}
	f, err := e.st.GetPhysicalFile(ctx, fileID)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: start")
	}
	if _, err := e.st.GetTemplate(ctx, templateID); err != nil {
		return nil, eris.Wrap(err, "extraction: start")
	}
	if fileName == "" {
		fileName = f.OriginalName
	}

	ex, err := e.st.ClaimExtraction(ctx, fileID, templateID, fileName)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, KindExtract, []model.Extraction{*ex})
}

// Retry starts a fresh attempt of an extraction that ended in error.
func (e *Engine) Retry(ctx context.Context, extractionID string) (*Dispatch, error) {
	ex, err := e.st.GetExtraction(ctx, extractionID)
	if err != nil {
		return nil, err
	}
	switch {
	case ex.Status.Active():
		return nil, eris.Wrapf(model.ErrExtractionInProgress, "extraction %s is %s", ex.ID, ex.Status)
	case ex.Status != model.ExtractionError:
		return nil, eris.Wrapf(model.ErrInvalidTransition, "extraction %s is %s, only failed extractions can be retried", ex.ID, ex.Status)
	}

	claimed, err := e.st.ClaimExtraction(ctx, ex.PhysicalFileID, ex.TemplateID, ex.FileName)
	if err != nil {
		return nil, err
	}
	zap.L().Info("extraction: retrying",
		zap.String("extraction_id", claimed.ID),
		zap.Int("attempt", claimed.Attempt),
	)
	return e.dispatch(ctx, KindExtract, []model.Extraction{*claimed})
}

// AssignTemplate resolves a template_needed extraction and extracts it.
func (e *Engine) AssignTemplate(ctx context.Context, extractionID, templateID string) (*Dispatch, error) {
	if _, err := e.st.GetTemplate(ctx, templateID); err != nil {
		return nil, eris.Wrap(err, "extraction: assign template")
	}
	ex, err := e.st.AssignTemplate(ctx, extractionID, templateID)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, KindExtract, []model.Extraction{*ex})
}

// Reprocess re-extracts a file against each template in one job. Existing
// fields are overwritten and their verification flags reset. Pairs already
// in flight are skipped.
func (e *Engine) Reprocess(ctx context.Context, fileID string, templateIDs []string) (*Dispatch, error) {
	f, err := e.st.GetPhysicalFile(ctx, fileID)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: reprocess")
	}
	claimed, skipped, err := e.claimAll(ctx, f, templateIDs, false)
	if err != nil {
		return nil, err
	}
	d, err := e.dispatch(ctx, KindReprocess, claimed)
	if err != nil {
		return nil, err
	}
	d.Skipped = skipped
	return d, nil
}

// claimAll claims every template for f. In-progress pairs are skipped, as are
// pairs that already have a row when onlyNew is set.
func (e *Engine) claimAll(ctx context.Context, f *model.PhysicalFile, templateIDs []string, onlyNew bool) ([]model.Extraction, []string, error) {
	existing := map[string]bool{}
	if onlyNew {
		rows, err := e.st.ListExtractions(ctx, model.ExtractionFilter{PhysicalFileID: f.ID})
		if err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			existing[r.TemplateID] = true
		}
	}

	var claimed []model.Extraction
	var skipped []string
	seen := map[string]bool{}
	for _, id := range templateIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if existing[id] {
			skipped = append(skipped, id)
			continue
		}
		if _, err := e.st.GetTemplate(ctx, id); err != nil {
			return nil, nil, eris.Wrapf(err, "extraction: template %s", id)
		}
		ex, err := e.st.ClaimExtraction(ctx, f.ID, id, f.OriginalName)
		if errors.Is(err, model.ErrExtractionInProgress) {
			zap.L().Info("extraction: pair already in progress",
				zap.String("file_id", f.ID),
				zap.String("template_id", id),
			)
			skipped = append(skipped, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		claimed = append(claimed, *ex)
	}
	return claimed, skipped, nil
}

// dispatch submits one job over claimed. A job that cannot be created fails
// every claim so none is left pending, and claims a cancelled job never
// reached end in error.
func (e *Engine) dispatch(ctx context.Context, kind string, claimed []model.Extraction) (*Dispatch, error) {
	d := &Dispatch{Extractions: claimed}
	if len(claimed) == 0 {
		return d, nil
	}
	attempts := make(map[string]int, len(claimed))
	ids := make([]string, len(claimed))
	for i, ex := range claimed {
		ids[i] = ex.ID
		attempts[ex.ID] = ex.Attempt
	}

	h, err := e.runner.Submit(ctx, kind, ids, func(jctx context.Context, h *jobs.Handle, id string) error {
		return e.process(jctx, h, id, attempts[id])
	}, jobs.OnSkip(func(sctx context.Context, h *jobs.Handle, id string) {
		e.fail(sctx, h, id, attempts[id], model.ErrJobCancelled)
	}))
	if err != nil {
		for _, ex := range claimed {
			if ferr := e.st.FailExtraction(context.WithoutCancel(ctx), ex.ID, ex.Attempt, err.Error()); ferr != nil {
				zap.L().Error("extraction: fail unsubmitted claim", zap.String("extraction_id", ex.ID), zap.Error(ferr))
			}
		}
		return nil, err
	}

	d.JobID = h.ID
	d.handle = h
	for i := range d.Extractions {
		d.Extractions[i].JobID = h.ID
	}
	return d, nil
}

// process runs one attempt to completion or error. Every failure ends in the
// error state with its message stored on the extraction.
func (e *Engine) process(ctx context.Context, h *jobs.Handle, id string, attempt int) error {
	log := zap.L().With(zap.String("extraction_id", id), zap.String("job_id", h.ID), zap.Int("attempt", attempt))

	if err := e.st.SetExtractionJob(ctx, id, h.ID); err != nil {
		err = eris.Wrap(err, "extraction: attach job")
		e.fail(ctx, h, id, attempt, err)
		return err
	}
	if err := e.st.TransitionExtraction(ctx, id, model.ExtractionPending, model.ExtractionProcessing); err != nil {
		if ctx.Err() != nil {
			e.fail(ctx, h, id, attempt, err)
			return err
		}
		// Superseded by a newer attempt or already failed; nothing to do.
		log.Warn("extraction: not pending", zap.Error(err))
		return err
	}

	fields, err := e.extract(ctx, h, id)
	if err == nil {
		err = e.st.CompleteExtraction(ctx, id, attempt, fields)
	}
	if err != nil {
		e.fail(ctx, h, id, attempt, err)
		return err
	}
	log.Info("extraction: completed", zap.Int("fields", len(fields)))

	e.afterComplete(context.WithoutCancel(ctx), id)
	return nil
}

// extract produces the classified field set of one attempt. It returns
// model.ErrJobCancelled when the job was cancelled at any point, so late
// provider responses are discarded.
func (e *Engine) extract(ctx context.Context, h *jobs.Handle, id string) ([]model.ExtractedField, error) {
	ex, err := e.st.GetExtraction(ctx, id)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.st.GetTemplate(ctx, ex.TemplateID)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: load template")
	}
	f, err := e.st.GetPhysicalFile(ctx, ex.PhysicalFileID)
	if err != nil {
		return nil, eris.Wrap(err, "extraction: load file")
	}

	parse, err := e.content.EnsureParsed(ctx, f, e.providers.Parser)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx, h); err != nil {
		return nil, err
	}
	results, err := e.providers.Extractor.Extract(ctx, parse, tmpl)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx, h); err != nil {
		return nil, err
	}

	names := tmpl.Fields.Names()
	fields := make([]model.ExtractedField, len(names))
	for i, name := range names {
		fields[i].FieldName = name
		fields[i].Overwrite(results[name])
	}
	e.verifier.Classify(fields, tmpl)
	return fields, nil
}

func checkCancelled(ctx context.Context, h *jobs.Handle) error {
	cancelled, err := h.Cancelled(context.WithoutCancel(ctx))
	if err != nil {
		return eris.Wrap(err, "extraction: check cancellation")
	}
	if cancelled {
		return model.ErrJobCancelled
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, h *jobs.Handle, id string, attempt int, cause error) {
	msg := cause.Error()
	var pe *model.ProviderError
	switch {
	case errors.Is(cause, model.ErrJobCancelled):
		msg = cancelledMessage
	case errors.Is(cause, context.Canceled) || ctx.Err() != nil:
		if cancelled, _ := h.Cancelled(context.WithoutCancel(ctx)); cancelled {
			msg = cancelledMessage
		}
	case errors.As(cause, &pe):
		msg = pe.Error()
	}

	err := e.st.FailExtraction(context.WithoutCancel(ctx), id, attempt, msg)
	if err != nil {
		zap.L().Error("extraction: record failure", zap.String("extraction_id", id), zap.Error(err))
		return
	}
	zap.L().Warn("extraction: failed", zap.String("extraction_id", id), zap.String("error_message", msg))
}

// afterComplete files, promotes and indexes a finished extraction. These
// steps are derived state and never fail the extraction.
func (e *Engine) afterComplete(ctx context.Context, id string) {
	log := zap.L().With(zap.String("extraction_id", id))
	ex, err := e.st.GetExtraction(ctx, id)
	if err != nil {
		log.Error("extraction: reload", zap.Error(err))
		return
	}
	if ex.OrganizedPath == "" {
		if _, err := e.organizer.AssignPath(ctx, ex); err != nil {
			log.Warn("extraction: assign path", zap.Error(err))
		}
	}
	if _, err := e.verifier.SyncStatus(ctx, id); err != nil {
		log.Warn("extraction: sync status", zap.Error(err))
	}
	if err := e.Reindex(ctx, id); err != nil {
		log.Warn("extraction: index", zap.Error(err))
	}
}

// Reindex writes the search projection of an extraction from its effective
// field values.
func (e *Engine) Reindex(ctx context.Context, extractionID string) error {
	ex, err := e.st.GetExtraction(ctx, extractionID)
	if err != nil {
		return err
	}
	if ex.Status != model.ExtractionCompleted && ex.Status != model.ExtractionVerified {
		return nil
	}
	fields, err := e.st.ListFields(ctx, extractionID)
	if err != nil {
		return err
	}
	ref, err := e.searcher.Index(ctx, ex.ID, search.Projection(ex, fields))
	if err != nil {
		return eris.Wrapf(err, "extraction: index %s", ex.ID)
	}
	if ref == "" || ref == ex.SearchIndexRef {
		return nil
	}
	return e.st.SetSearchIndexRef(ctx, ex.ID, ref)
}

// Detail is an extraction with its fields.
type Detail struct {
	Extraction *model.Extraction      `json:"extraction"`
	Fields     []model.ExtractedField `json:"fields"`
}

// Detail loads an extraction with its fields.
func (e *Engine) Detail(ctx context.Context, extractionID string) (*Detail, error) {
	ex, err := e.st.GetExtraction(ctx, extractionID)
	if err != nil {
		return nil, err
	}
	fields, err := e.st.ListFields(ctx, extractionID)
	if err != nil {
		return nil, err
	}
	return &Detail{Extraction: ex, Fields: fields}, nil
}

// Cancel stops a running extraction job.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	return e.runner.Cancel(ctx, jobID)
}

// Job returns a job's progress record.
func (e *Engine) Job(ctx context.Context, jobID string) (*model.Job, error) {
	return e.runner.Get(ctx, jobID)
}
