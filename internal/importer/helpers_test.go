package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// testInstructor mirrors the instructor flavor: per-row class/division,
// single-record endpoint only.
func testInstructor() EntityDefinition {
	return EntityDefinition{
		Info: EntityInfo{Key: "test_instructor", Label: "Instructors", Noun: "teacher"},
		Fields: []FieldSpec{
			{Name: "First Name", Required: true, Patterns: []string{"first", "fname"}},
			{Name: "Last Name", Required: true, Patterns: []string{"last", "surname"}},
			{Name: "Full Name", Patterns: []string{"name"}},
			{Name: "Mobile", Kind: KindPhone, Required: true, Patterns: []string{"mobile", "phone"}},
			{Name: "Email", Kind: KindEmail, Required: true, Patterns: []string{"email", "mail"}},
			{Name: "Gender", Kind: KindGender, Required: true, Patterns: []string{"gender", "sex"}},
			{Name: "Date of Birth", Kind: KindDate, Required: true, Patterns: []string{"dob", "birth"}},
			{Name: "Date of Joining", Kind: KindDate, Required: true, Patterns: []string{"doj", "joining"}},
		},
		Detection:      []Field{"Date of Birth", "Date of Joining"},
		RowAssignments: true,
		SingleMethod:   "enroll_single",
		BuildSingle: func(_ SessionContext, rec CanonicalRecord) any {
			return map[string]any{"teacher": rec}
		},
		RecordContext: func(_ SessionContext, row RawRow) map[string]string {
			return map[string]string{"Class": row.Class, "Division": row.Division}
		},
	}
}

// testStudent mirrors the student flavor: session context and a bulk endpoint.
func testStudent() EntityDefinition {
	return EntityDefinition{
		Info: EntityInfo{Key: "test_student", Label: "Students", Noun: "student"},
		Fields: []FieldSpec{
			{Name: "First Name", Required: true, Patterns: []string{"first"}},
			{Name: "Last Name", Required: true, Patterns: []string{"last"}},
			{Name: "Student Date of Birth", Kind: KindDate, Patterns: []string{"dob", "birth"}},
			{Name: "Phone Number", Kind: KindPhone, Patterns: []string{"phone"}},
			{Name: "GR Number", Required: true, Patterns: []string{"gr"}},
			{Name: "Roll No", Required: true, Patterns: []string{"roll"}},
		},
		RequiresContext: true,
		BulkMethod:      "bulk_enroll",
		BuildBulk: func(sc SessionContext, recs []CanonicalRecord) any {
			return map[string]any{"className": sc.Class, "students": recs}
		},
		RecordContext: func(sc SessionContext, _ RawRow) map[string]string {
			return map[string]string{"className": sc.Class, "divisionName": sc.Division, "academicYear": sc.AcademicYear}
		},
	}
}

var testToday = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func mappingsFor(headers ...string) []ColumnMapping {
	out := make([]ColumnMapping, len(headers))
	for i, h := range headers {
		out[i] = ColumnMapping{ColumnIndex: i, Header: h, Field: Field(h)}
	}
	return out
}

func row(id int, values map[string]string) *RawRow {
	return &RawRow{ID: id, Line: id + 1, Values: values, Status: StatusPending}
}

type endpointCall struct {
	Method  string
	Payload any
}

// fakeEndpoint records calls. fail decides per call whether to reject it.
type fakeEndpoint struct {
	mu    sync.Mutex
	calls []endpointCall
	fail  func(method string, payload any) error
}

func (f *fakeEndpoint) Create(ctx context.Context, method string, payload any) (CreateResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: method, Payload: payload})
	n := len(f.calls)
	fail := f.fail
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	if fail != nil {
		if err := fail(method, payload); err != nil {
			return CreateResult{}, err
		}
	}
	return CreateResult{Created: []string{fmt.Sprintf("DOC-%04d", n)}}, nil
}

func (f *fakeEndpoint) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]endpointCall(nil), f.calls...)
}

func (f *fakeEndpoint) CallsTo(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

var errRejected = errors.New("rejected by server")

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
