package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/JonMunkholm/enroll/internal/fees"
	"github.com/JonMunkholm/enroll/internal/frappe"
	"github.com/JonMunkholm/enroll/internal/logging"
)

type structureChoice struct {
	Name     string    `json:"name" validate:"required,max=140"`
	Plan     fees.Plan `json:"plan" validate:"omitempty,oneof=Monthly Quarterly Semi-Annually Annually Term-Wise"`
	DueDates []string  `json:"due_dates" validate:"omitempty,max=12,dive,datetime=2006-01-02"`
}

type feeRequest struct {
	Program       string            `json:"program" validate:"max=140"`
	Structures    []structureChoice `json:"structures" validate:"required,min=1,dive"`
	StudentGroups []string          `json:"student_groups" validate:"required,min=1,dive,required"`
	Exceptions    fees.Exceptions   `json:"student_exceptions"`
}

type structurePreview struct {
	Name         string             `json:"name"`
	Plan         fees.Plan          `json:"plan"`
	TotalAmount  float64            `json:"total_amount"`
	Installments []fees.Installment `json:"installments"`
}

type feePreview struct {
	Structures []structurePreview    `json:"structures"`
	Categories []string              `json:"categories"`
	Groups     []frappe.StudentGroup `json:"student_groups"`
	Summary    fees.Summary          `json:"summary"`
	Request    fees.Request          `json:"request"`
}

// resolveFees looks up the chosen structures and groups and builds the
// creation request.
func (s *Server) resolveFees(ctx context.Context, req feeRequest) (*feePreview, error) {
	structures, err := s.deps.Reference.FeeStructures(ctx, req.Program)
	if err != nil {
		return nil, err
	}
	groups, err := s.deps.Reference.StudentGroups(ctx, req.Program)
	if err != nil {
		return nil, err
	}

	out := &feePreview{}
	sel := make([]fees.Selection, 0, len(req.Structures))
	chosen := make([]frappe.FeeStructure, 0, len(req.Structures))
	for _, c := range req.Structures {
		i := slices.IndexFunc(structures, func(st frappe.FeeStructure) bool { return st.Name == c.Name })
		if i < 0 {
			return nil, badRequest("fee structure %q not found", c.Name)
		}

		one, inst, err := fees.Choose(structures[i], c.Plan, c.DueDates, s.deps.Now())
		if err != nil {
			return nil, err
		}
		sel = append(sel, one)
		chosen = append(chosen, structures[i])
		out.Structures = append(out.Structures, structurePreview{
			Name:         one.Structure.Name,
			Plan:         one.Plan,
			TotalAmount:  one.Structure.TotalAmount,
			Installments: inst,
		})
	}

	for _, name := range req.StudentGroups {
		i := slices.IndexFunc(groups, func(g frappe.StudentGroup) bool { return g.Name == name })
		if i < 0 {
			return nil, badRequest("student group %q not found", name)
		}
		out.Groups = append(out.Groups, groups[i])
	}

	out.Request, err = fees.BuildRequest(sel, req.StudentGroups, req.Exceptions)
	if err != nil {
		return nil, err
	}
	out.Categories = fees.Categories(chosen)
	out.Summary = fees.Summarize(sel, out.Groups, req.Exceptions)
	return out, nil
}

// handleFeePreview shows the installments and counts a creation would use.
func (s *Server) handleFeePreview(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if !s.decode(w, r, &req) {
		return
	}
	preview, err := s.resolveFees(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type scheduleResponse struct {
	Message string          `json:"message"`
	Summary fees.Summary    `json:"summary"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// handleCreateSchedules creates and submits the fee schedules. Group lists
// are refetched afterwards since student counts may have changed.
func (s *Server) handleCreateSchedules(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if !s.decode(w, r, &req) {
		return
	}
	preview, err := s.resolveFees(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err, 0)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	res, err := s.deps.Fees.CreateFeeSchedules(ctx, preview.Request)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("create fee schedules: %w", err), 0)
		return
	}
	s.deps.Reference.Invalidate("groups:")

	logging.FromContext(ctx).Info("fee schedules created",
		"structures", preview.Summary.Structures,
		"schedules", preview.Summary.Schedules,
		"groups", preview.Summary.Groups,
	)

	writeJSON(w, http.StatusCreated, scheduleResponse{
		Message: res.Message,
		Summary: preview.Summary,
		Result:  res.Raw,
	})
}
