package frappe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Reference and fee methods on the school application.
const (
	MethodGetClasses          = "school.al_ummah.api3.get_classes"
	MethodGetCurrentDivisions = "school.al_ummah.api3.get_divisions1"
	MethodGetDivisions        = "school.al_ummah.api3.get_divisions2"
	MethodGetAcademicYears    = "school.al_ummah.api3.get_academic_years"
	MethodGetFeeStructures    = "school.al_ummah.api5.get_fee_structures_for_selection"
	MethodGetStudentGroups    = "school.al_ummah.api5.get_student_groups"
	MethodGetUserRoles        = "school.al_ummah.api2.get_user_roles"
	MethodCreateFeeSchedules  = "school.al_ummah.api5.create_and_submit_fee_schedules_with_invoices"
)

// Class is a program.
type Class struct {
	Name string `json:"name"`
}

// Division is a student group within a class.
type Division struct {
	Name string `json:"name"`
}

// FeeComponent is one category line of a fee structure.
type FeeComponent struct {
	Category string  `json:"fees_category"`
	Amount   float64 `json:"amount"`
	Discount float64 `json:"discount"`
	Total    float64 `json:"total"`
}

// FeeStructure is a submitted fee structure.
type FeeStructure struct {
	Name         string         `json:"name"`
	AcademicYear string         `json:"academic_year"`
	AcademicTerm string         `json:"academic_term"`
	Program      string         `json:"program"`
	TotalAmount  float64        `json:"total_amount"`
	Components   []FeeComponent `json:"components"`
}

// GroupStudent is a member of a student group.
type GroupStudent struct {
	Student string `json:"student"`
	Name    string `json:"student_name"`
}

// StudentGroup is a division with its active students.
type StudentGroup struct {
	Name          string         `json:"name"`
	GroupName     string         `json:"student_group_name"`
	Batch         string         `json:"batch"`
	Program       string         `json:"program"`
	AcademicYear  string         `json:"academic_year"`
	TotalStudents int            `json:"total_students"`
	Students      []GroupStudent `json:"students,omitempty"`
}

// Classes lists every class.
func (c *Client) Classes(ctx context.Context) ([]Class, error) {
	msg, err := c.Call(ctx, MethodGetClasses, map[string]any{"values": map[string]any{}})
	if err != nil {
		return nil, err
	}
	return decode[[]Class](MethodGetClasses, msg)
}

// Divisions lists the divisions of a class in an academic year. An empty
// year means the current one.
func (c *Client) Divisions(ctx context.Context, class, year string) ([]Division, error) {
	method := MethodGetDivisions
	values := map[string]string{"classId": class, "academicYear": year}
	if year == "" {
		method = MethodGetCurrentDivisions
		values = map[string]string{"classId": class}
	}

	msg, err := c.Call(ctx, method, map[string]any{"values": values})
	if err != nil {
		return nil, err
	}
	return decode[[]Division](method, msg)
}

// AcademicYears lists the academic years, the current one first.
func (c *Client) AcademicYears(ctx context.Context) ([]string, error) {
	msg, err := c.Call(ctx, MethodGetAcademicYears, map[string]any{"values": map[string]any{}})
	if err != nil {
		return nil, err
	}
	return decode[[]string](MethodGetAcademicYears, msg)
}

// FeeStructures lists submitted fee structures, optionally for one program.
func (c *Client) FeeStructures(ctx context.Context, program string) ([]FeeStructure, error) {
	msg, err := c.Call(ctx, MethodGetFeeStructures, programParams(program))
	if err != nil {
		return nil, err
	}
	if err := envelopeError(MethodGetFeeStructures, msg); err != nil {
		return nil, err
	}
	return decode[[]FeeStructure](MethodGetFeeStructures, msg.Get("fee_structures"))
}

// StudentGroups lists the student groups of a program.
func (c *Client) StudentGroups(ctx context.Context, program string) ([]StudentGroup, error) {
	msg, err := c.Call(ctx, MethodGetStudentGroups, programParams(program))
	if err != nil {
		return nil, err
	}
	if err := envelopeError(MethodGetStudentGroups, msg); err != nil {
		return nil, err
	}
	return decode[[]StudentGroup](MethodGetStudentGroups, msg.Get("student_groups"))
}

// UserRoles lists the roles of the session's user.
func (c *Client) UserRoles(ctx context.Context) ([]string, error) {
	msg, err := c.Call(ctx, MethodGetUserRoles, nil)
	if err != nil {
		return nil, err
	}
	return decode[[]string](MethodGetUserRoles, msg)
}

// FeeScheduleResult is the reply to a fee schedule creation.
type FeeScheduleResult struct {
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"result"`
}

// CreateFeeSchedules creates and submits fee schedules with their invoices.
func (c *Client) CreateFeeSchedules(ctx context.Context, payload any) (*FeeScheduleResult, error) {
	msg, err := c.Call(ctx, MethodCreateFeeSchedules, payload)
	if err != nil {
		return nil, err
	}
	if err := envelopeError(MethodCreateFeeSchedules, msg); err != nil {
		return nil, err
	}

	res := &FeeScheduleResult{Raw: json.RawMessage(msg.Raw)}
	if msg.IsObject() {
		res.Message = msg.Get("message").String()
	} else {
		res.Message = msg.String()
	}
	return res, nil
}

func programParams(program string) map[string]any {
	if program == "" {
		return map[string]any{}
	}
	return map[string]any{"program": program}
}

// envelopeError turns {"success": false, "message": ...} into an *Error.
func envelopeError(method string, msg gjson.Result) error {
	if reason, failed := rejected(msg); failed {
		return &Error{Method: method, Status: http.StatusOK, Messages: []string{reason}}
	}
	return nil
}

func decode[T any](method string, v gjson.Result) (T, error) {
	var out T
	if !v.Exists() || v.Type == gjson.Null {
		return out, nil
	}
	if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", method, err)
	}
	return out, nil
}
