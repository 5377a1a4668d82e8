package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/enroll/internal/auth"
	"github.com/JonMunkholm/enroll/internal/importer"
	"github.com/JonMunkholm/enroll/internal/logging"
)

type entityView struct {
	Key             string               `json:"key"`
	Label           string               `json:"label"`
	Fields          []importer.FieldView `json:"fields"`
	RequiresContext bool                 `json:"requires_context"`
	RowAssignments  bool                 `json:"row_assignments"`
	Bulk            bool                 `json:"bulk"`
}

// handleEntities lists the importable entities and their fields.
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	defs := importer.All()
	out := make([]entityView, 0, len(defs))
	for _, def := range defs {
		ev := entityView{
			Key:             def.Info.Key,
			Label:           def.Info.Label,
			RequiresContext: def.RequiresContext,
			RowAssignments:  def.RowAssignments,
			Bulk:            def.SupportsBulk(),
		}
		for _, f := range def.Fields {
			ev.Fields = append(ev.Fields, importer.FieldView{Name: f.Name, Kind: f.Kind.String(), Required: f.Required})
		}
		out = append(out, ev)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateImport parses an uploaded spreadsheet into a new session.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if _, ok := importer.Get(entity); !ok {
		s.respondError(w, r, fmt.Errorf("%w: %s", importer.ErrUnknownEntity, entity), 0)
		return
	}

	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1<<20) // headroom for the multipart envelope

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, errFileTooLarge, 0)
			return
		}
		s.respondError(w, r, badRequest("invalid multipart form"), 0)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, errNoFile, 0)
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		s.respondError(w, r, errFileTooLarge, 0)
		return
	}

	user := auth.FromContext(r.Context()).User
	view, err := s.deps.Manager.Create(entity, header.Filename, user, file)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	logging.WithFields(WithRequestMetadata(r.Context(), r),
		"session_id", view.ID,
		"entity", view.Entity,
	).Info("import uploaded", "file", header.Filename, "rows", view.Summary.Total)

	writeJSON(w, http.StatusCreated, view)
}

// session resolves the {id} URL parameter to a session the caller owns.
// Sessions of other users are reported as not found. Only the fixed fields
// are read, so a running submission never delays the check.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (importer.SessionInfo, bool) {
	id := chi.URLParam(r, "id")
	info, err := s.deps.Manager.Info(id)
	if err == nil && info.User != "" && info.User != auth.FromContext(r.Context()).User {
		err = fmt.Errorf("%w: %s", importer.ErrSessionNotFound, id)
	}
	if err != nil {
		s.respondError(w, r, err, 0)
		return importer.SessionInfo{}, false
	}
	return info, true
}

func rowParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "rowID"))
	if err != nil || id < 1 {
		return 0, badRequest("row id must be a positive integer")
	}
	return id, nil
}

// respondView writes the updated session or the error that prevented it.
func (s *Server) respondView(w http.ResponseWriter, r *http.Request, view *importer.SessionView, err error) {
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Manager.Get(info.ID)
	s.respondView(w, r, view, err)
}

func (s *Server) handleImportSummary(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Manager.Summary(info.ID)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleDeleteImport discards a session and any pending resubmission.
func (s *Server) handleDeleteImport(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	s.deps.Manager.Remove(info.ID)
	w.WriteHeader(http.StatusNoContent)
}

type mappingRequest struct {
	ColumnIndex *int           `json:"column_index" validate:"required,min=0"`
	Field       importer.Field `json:"field" validate:"max=100"`
}

// handleSetMapping binds a column to a field; an empty field clears it.
func (s *Server) handleSetMapping(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	var req mappingRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.deps.Manager.SetMapping(info.ID, *req.ColumnIndex, req.Field)
	s.respondView(w, r, updated, err)
}

type contextRequest struct {
	AcademicYear string `json:"academic_year" validate:"max=140"`
	Class        string `json:"class" validate:"max=140"`
	Division     string `json:"division" validate:"max=140,excluded_without=Class"`
}

// handleSetContext sets the enrollment target. A division must belong to
// the chosen class in the chosen year.
func (s *Server) handleSetContext(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	var req contextRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.checkDivision(r, req.Class, req.AcademicYear, req.Division); err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	updated, err := s.deps.Manager.SetContext(info.ID, importer.SessionContext{
		AcademicYear: req.AcademicYear,
		Class:        req.Class,
		Division:     req.Division,
	})
	s.respondView(w, r, updated, err)
}

type assignmentRequest struct {
	Class    string `json:"class" validate:"max=140"`
	Division string `json:"division" validate:"max=140"`
}

// handleSetAssignment sets one row's class and division.
func (s *Server) handleSetAssignment(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	rowID, err := rowParam(r)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	var req assignmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Class != "" {
		current, err := s.deps.Manager.Get(info.ID)
		if err != nil {
			s.respondError(w, r, err, 0)
			return
		}
		if err := s.checkDivision(r, req.Class, current.Context.AcademicYear, req.Division); err != nil {
			s.respondError(w, r, err, 0)
			return
		}
	}

	updated, err := s.deps.Manager.SetRowAssignment(info.ID, rowID, req.Class, req.Division)
	s.respondView(w, r, updated, err)
}

// checkDivision verifies division against the cached division list.
func (s *Server) checkDivision(r *http.Request, class, year, division string) error {
	if class == "" || division == "" || s.deps.Reference == nil {
		return nil
	}
	ok, err := s.deps.Reference.HasDivision(r.Context(), class, year, division)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q is not a division of %q: %w", division, class, errUnknownDivision)
	}
	return nil
}

type cellRequest struct {
	Header string `json:"header" validate:"required,max=255"`
	Value  string `json:"value" validate:"max=1000"`
}

// handleEditCell changes one cell; the edited row is resubmitted after the
// debounce window.
func (s *Server) handleEditCell(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	rowID, err := rowParam(r)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	var req cellRequest
	if !s.decode(w, r, &req) {
		return
	}

	updated, err := s.deps.Manager.EditCell(WithRequestMetadata(r.Context(), r), info.ID, rowID, req.Header, req.Value)
	s.respondView(w, r, updated, err)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	rowID, err := rowParam(r)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	updated, err := s.deps.Manager.DeleteRow(info.ID, rowID)
	s.respondView(w, r, updated, err)
}

func (s *Server) handleTouchRow(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}
	rowID, err := rowParam(r)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	updated, err := s.deps.Manager.Touch(info.ID, rowID)
	s.respondView(w, r, updated, err)
}

type submitResponse struct {
	Result  *importer.SessionResult `json:"result"`
	Session *importer.SessionView   `json:"session,omitempty"`
}

// handleSubmit runs a full submission of the session's valid rows.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	info, ok := s.session(w, r)
	if !ok {
		return
	}

	ctx := logging.ContextWith(WithRequestMetadata(r.Context(), r),
		"session_id", info.ID,
		"entity", info.Entity,
	)
	result, err := s.deps.Manager.Submit(ctx, info.ID)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	logging.FromContext(ctx).Info("import submitted",
		"outcome", result.Outcome,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)

	resp := submitResponse{Result: result}
	if updated, err := s.deps.Manager.Get(info.ID); err == nil {
		resp.Session = updated
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory lists recent submission runs, optionally for one entity.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}

	entity := r.URL.Query().Get("entity")
	if entity != "" {
		if _, ok := importer.Get(entity); !ok {
			s.respondError(w, r, fmt.Errorf("%w: %s", importer.ErrUnknownEntity, entity), 0)
			return
		}
	}

	runs, err := s.deps.History.List(r.Context(), entity, parseIntParam(r, "limit", 0))
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
