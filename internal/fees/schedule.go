package fees

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/JonMunkholm/enroll/internal/frappe"
)

var (
	ErrNoStructures = errors.New("no fee structure selected")
	ErrNoGroups     = errors.New("no student group selected")
)

// Exceptions records, per student group and student, the fee categories a
// student is excluded from.
type Exceptions map[string]map[string][]string

// Selection is one fee structure chosen for scheduling, with the plan and
// the due dates of the installments that stay selected.
type Selection struct {
	Structure frappe.FeeStructure
	Plan      Plan
	DueDates  []string
}

// StructureRequest is one entry of the fee_structures request member.
type StructureRequest struct {
	Name     string   `json:"fee_structure_name"`
	Plan     Plan     `json:"fee_plan"`
	DueDates []string `json:"due_dates"`
}

// Request is the body of the fee schedule creation call.
type Request struct {
	FeeStructures     []StructureRequest `json:"fee_structures"`
	StudentGroups     []string           `json:"student_groups"`
	StudentExceptions Exceptions         `json:"student_exceptions"`
}

// BuildRequest validates the selections and assembles the request.
// Exceptions for groups that are not selected, and groups with no
// exceptions, are left out.
func BuildRequest(sel []Selection, groups []string, exc Exceptions) (Request, error) {
	if len(sel) == 0 {
		return Request{}, ErrNoStructures
	}
	if len(groups) == 0 {
		return Request{}, ErrNoGroups
	}

	req := Request{
		FeeStructures:     make([]StructureRequest, 0, len(sel)),
		StudentGroups:     groups,
		StudentExceptions: Exceptions{},
	}
	for _, s := range sel {
		if !s.Plan.Valid() {
			return Request{}, fmt.Errorf("%s: unknown fee plan %q", s.Structure.Name, s.Plan)
		}
		if len(s.DueDates) == 0 {
			return Request{}, fmt.Errorf("%s: no due dates selected", s.Structure.Name)
		}
		for _, d := range s.DueDates {
			if _, err := time.Parse(DateLayout, d); err != nil {
				return Request{}, fmt.Errorf("%s: invalid due date %q", s.Structure.Name, d)
			}
		}
		req.FeeStructures = append(req.FeeStructures, StructureRequest{
			Name:     s.Structure.Name,
			Plan:     s.Plan,
			DueDates: s.DueDates,
		})
	}

	for _, g := range groups {
		if students := exc[g]; len(students) > 0 {
			req.StudentExceptions[g] = students
		}
	}
	return req, nil
}

// Categories lists the distinct fee categories of structures in first-seen
// order.
func Categories(structures []frappe.FeeStructure) []string {
	var out []string
	for _, s := range structures {
		for _, c := range s.Components {
			if !slices.Contains(out, c.Category) {
				out = append(out, c.Category)
			}
		}
	}
	return out
}

// SelectedCount is the number of students in g who keep at least one
// category. A student excluded from every category is fully excluded.
func SelectedCount(g frappe.StudentGroup, exc Exceptions, categories []string) int {
	if len(categories) == 0 {
		return g.TotalStudents
	}
	full := 0
	for _, excluded := range exc[g.Name] {
		if len(excluded) == len(categories) {
			full++
		}
	}
	return g.TotalStudents - full
}

// Summary previews what a fee schedule request will create.
type Summary struct {
	Structures         int     `json:"structures"`
	Schedules          int     `json:"schedules"`
	Groups             int     `json:"groups"`
	TotalStudents      int     `json:"total_students"`
	ExcludedStudents   int     `json:"excluded_students"`
	ExcludedCategories int     `json:"excluded_categories"`
	TotalAmount        float64 `json:"total_amount"`
}

// Summarize computes the preview counts for sel over groups.
func Summarize(sel []Selection, groups []frappe.StudentGroup, exc Exceptions) Summary {
	structures := make([]frappe.FeeStructure, len(sel))
	amounts := make(stats.Float64Data, len(sel))
	sum := Summary{Structures: len(sel), Groups: len(groups)}

	for i, s := range sel {
		structures[i] = s.Structure
		amounts[i] = s.Structure.TotalAmount
		sum.Schedules += len(s.DueDates)
	}
	if total, err := amounts.Sum(); err == nil {
		sum.TotalAmount = round2(total)
	}

	categories := Categories(structures)
	for _, g := range groups {
		selected := SelectedCount(g, exc, categories)
		sum.TotalStudents += selected
		sum.ExcludedStudents += g.TotalStudents - selected
		for _, excluded := range exc[g.Name] {
			sum.ExcludedCategories += len(excluded)
		}
	}
	return sum
}

// Choose resolves one structure choice. An empty plan is taken from the
// structure name. Without due dates the plan's default schedule starting
// after from is used; given dates replace it one installment per date.
func Choose(st frappe.FeeStructure, plan Plan, dueDates []string, from time.Time) (Selection, []Installment, error) {
	if plan == "" {
		plan = PlanFromName(st.Name)
	}
	if !plan.Valid() {
		return Selection{}, nil, fmt.Errorf("%s: unknown fee plan %q", st.Name, plan)
	}

	if len(dueDates) == 0 {
		inst := Distribute(plan, st.TotalAmount, from)
		dates := make([]string, len(inst))
		for i, in := range inst {
			dates[i] = in.Due
		}
		return Selection{Structure: st, Plan: plan, DueDates: dates}, inst, nil
	}

	amount := InstallmentAmount(st.TotalAmount, plan)
	inst := make([]Installment, len(dueDates))
	for i, d := range dueDates {
		due, err := time.Parse(DateLayout, d)
		if err != nil {
			return Selection{}, nil, fmt.Errorf("%s: invalid due date %q", st.Name, d)
		}
		inst[i] = Installment{
			Index:       i,
			DueDate:     due,
			Due:         d,
			Amount:      amount,
			Description: Describe(plan, i, due),
			Selected:    true,
		}
	}
	return Selection{Structure: st, Plan: plan, DueDates: dueDates}, inst, nil
}
