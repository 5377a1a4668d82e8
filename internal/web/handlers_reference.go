package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/enroll/internal/auth"
	"github.com/JonMunkholm/enroll/internal/frappe"
	"github.com/JonMunkholm/enroll/internal/importer"
	"github.com/JonMunkholm/enroll/internal/reference"
)

// respondList writes a reference list, mapping nil to [].
func respondList[T any](s *Server, w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]T, error)) {
	items, err := fetch(r.Context())
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	respondList(s, w, r, s.deps.Reference.Classes)
}

// handleDivisions lists a class's divisions; year defaults to the current one.
func (s *Server) handleDivisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	class, year := q.Get("class"), q.Get("year")
	if class == "" {
		s.respondError(w, r, badRequest("class is missing"), 0)
		return
	}
	respondList(s, w, r, func(ctx context.Context) ([]string, error) {
		divs, err := s.deps.Reference.Divisions(ctx, class, year)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(divs))
		for i, d := range divs {
			names[i] = d.Name
		}
		return names, nil
	})
}

func (s *Server) handleAcademicYears(w http.ResponseWriter, r *http.Request) {
	respondList(s, w, r, s.deps.Reference.AcademicYears)
}

func (s *Server) handleFeeStructures(w http.ResponseWriter, r *http.Request) {
	program := r.URL.Query().Get("program")
	respondList(s, w, r, func(ctx context.Context) ([]frappe.FeeStructure, error) {
		return s.deps.Reference.FeeStructures(ctx, program)
	})
}

func (s *Server) handleStudentGroups(w http.ResponseWriter, r *http.Request) {
	program := r.URL.Query().Get("program")
	respondList(s, w, r, func(ctx context.Context) ([]frappe.StudentGroup, error) {
		return s.deps.Reference.StudentGroups(ctx, program)
	})
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Sessions  int                    `json:"sessions"`
	Submits   importer.LimiterStatus `json:"submissions"`
	Reference *reference.Stats       `json:"reference_cache,omitempty"`
	History   string                 `json:"history"`
}

// handleHealth reports liveness plus session, limiter and cache state. A
// configured history database that does not answer degrades the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.deps.Manager.Count(),
		Submits:  s.deps.Manager.Limiter().Status(),
		History:  "disabled",
	}
	if s.deps.Reference != nil {
		st := s.deps.Reference.Stats()
		resp.Reference = &st
	}

	status := http.StatusOK
	if s.deps.DB != nil {
		resp.History = "ok"
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.History = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

type meResponse struct {
	auth.AuthContext
	Authenticated bool          `json:"authenticated"`
	Admin         bool          `json:"admin"`
	Redirect      auth.Route    `json:"redirect"`
	Decision      auth.Decision `json:"decision"`
}

func meFor(a auth.AuthContext) meResponse {
	return meResponse{
		AuthContext:   a,
		Authenticated: a.Authenticated(),
		Admin:         a.IsAdmin(),
		Redirect:      auth.Redirect(a),
		Decision:      auth.Resolve(a),
	}
}

// handleMe returns the resolved identity of the caller.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, meFor(auth.FromContext(r.Context())))
}

// handleRedirect returns where the caller should land after login.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	d := auth.Resolve(a)
	if route := auth.Redirect(a); route == auth.RouteHome {
		d = auth.Decision{Route: route}
	}
	writeJSON(w, http.StatusOK, d)
}

// handleLogout forgets the cached roles of the caller's session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if creds, ok := frappe.CredentialsFrom(r.Context()); ok {
		s.deps.Resolver.Invalidate(creds)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePortalHome confirms access to a teacher or parent portal.
func (s *Server) handlePortalHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, meFor(auth.FromContext(r.Context())))
}
