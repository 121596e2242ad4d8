package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docvault/internal/contentstore"
	"github.com/sells-group/docvault/internal/extraction"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/organizer"
	"github.com/sells-group/docvault/internal/verification"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart "file" part and optional "template_id"
// values.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, r, invalid("invalid multipart form: "+err.Error()))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, invalid("file part is required"))
		return
	}
	defer file.Close() //nolint:errcheck

	res, err := s.Engine.Ingest(r.Context(), contentstore.Upload{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Reader:   file,
	}, r.MultipartForm.Value["template_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteFile(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startRequest struct {
	TemplateID  string   `json:"template_id"`
	TemplateIDs []string `json:"template_ids"`
	FileName    string   `json:"file_name"`
}

// handleStartExtraction starts one pair, re-extracts several, or runs
// template matching when no template is named.
func (s *Server) handleStartExtraction(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	fileID := chi.URLParam(r, "id")

	var d *extraction.Dispatch
	var err error
	switch {
	case req.TemplateID != "":
		d, err = s.Engine.Start(r.Context(), fileID, req.TemplateID, req.FileName)
	case len(req.TemplateIDs) > 0:
		d, err = s.Engine.Reprocess(r.Context(), fileID, req.TemplateIDs)
	default:
		d, err = s.Engine.StartAuto(r.Context(), fileID, req.FileName)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleGetExtraction(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	d, err := s.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleAssignTemplate(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TemplateID == "" {
		writeError(w, r, invalid("template_id is required"))
		return
	}
	d, err := s.Engine.AssignTemplate(r.Context(), chi.URLParam(r, "id"), req.TemplateID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	n, err := s.Verifier.Reclassify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": n})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.Engine.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, eris.Wrapf(model.ErrInvalidTransition, "job %s has already stopped", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.JobCancelled)})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	items, err := s.Verifier.Queue(r.Context(), model.QueueFilter{
		ExtractionID: q.Get("extraction_id"),
		TemplateID:   q.Get("template_id"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verification.Request
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.FieldID = chi.URLParam(r, "id")
	if !req.Type.Valid() {
		writeError(w, r, invalid("verification_type must be one of correct, incorrect, not_found, custom"))
		return
	}
	v, err := s.Verifier.Verify(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Verifier.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.Verification{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
		Total    int    `json:"total"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.Verifier.StartSession(r.Context(), req.Reviewer, req.Total)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleGetSession returns counters rebuilt from the verification rows.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Verifier.ReconstructSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Verifier.CompleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if _, err := organizer.CleanPath(p); err != nil {
		writeError(w, r, invalid(err.Error()))
		return
	}
	listing, err := s.Organizer.Browse(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleBreadcrumbs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, organizer.Breadcrumbs(r.URL.Query().Get("path")))
}

func (s *Server) handleReorganize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExtractionIDs []string `json:"extraction_ids"`
		TargetPath    string   `json:"target_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.Trim(req.TargetPath, "/ ") == "" {
		writeError(w, r, invalid("target_path is required"))
		return
	}
	moved, err := s.Organizer.Reorganize(r.Context(), req.ExtractionIDs, req.TargetPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved_count": moved})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text    string            `json:"text"`
		Params  map[string]string `json:"params"`
		Resolve bool              `json:"resolve_only"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, invalid("text is required"))
		return
	}
	if req.Resolve {
		res, err := s.Query.Resolve(r.Context(), req.Text, req.Params)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	res, err := s.Query.Execute(r.Context(), req.Text, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueryFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatternID string `json:"pattern_id"`
		Success   bool   `json:"success"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PatternID == "" {
		writeError(w, r, invalid("pattern_id is required"))
		return
	}
	if err := s.Query.Feedback(r.Context(), req.PatternID, req.Success); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
