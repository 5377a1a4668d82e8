// Package importer implements the spreadsheet enrollment pipeline: entity
// definitions, column mapping, row validation, submission and the in-memory
// import sessions that tie them together.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Field is a logical field name, e.g. "First Name". Field names double as
// keys in the record payload sent to the enrollment endpoints.
type Field string

// FieldKind selects the value rule applied to a field.
type FieldKind int

const (
	KindText FieldKind = iota
	KindDate
	KindPhone
	KindEmail
	KindGender
)

func (k FieldKind) String() string {
	switch k {
	case KindDate:
		return "date"
	case KindPhone:
		return "phone"
	case KindEmail:
		return "email"
	case KindGender:
		return "gender"
	default:
		return "text"
	}
}

// FieldSpec describes one logical field of an entity.
type FieldSpec struct {
	Name     Field
	Kind     FieldKind
	Required bool     // must be mapped and non-empty for a row to be valid
	Patterns []string // lowercase header substrings used by auto-detection
}

// EntityInfo contains display information about an importable entity.
type EntityInfo struct {
	Key   string // "student"
	Label string // "Students"
	Noun  string // "student", used in result messages
}

// SessionContext is the session-wide enrollment target chosen by the user.
type SessionContext struct {
	AcademicYear string `json:"academic_year"`
	Class        string `json:"class"`
	Division     string `json:"division"`
}

// Complete reports whether year, class and division are all set.
func (c SessionContext) Complete() bool {
	return c.AcademicYear != "" && c.Class != "" && c.Division != ""
}

// BuildBulkFunc builds the request payload for a bulk creation call.
type BuildBulkFunc func(sc SessionContext, records []CanonicalRecord) any

// BuildSingleFunc builds the request payload for a single-record call.
type BuildSingleFunc func(sc SessionContext, record CanonicalRecord) any

// EntityDefinition contains everything needed to import one entity type.
type EntityDefinition struct {
	Info   EntityInfo
	Fields []FieldSpec

	// Detection lists fields in the order their patterns are tried during
	// auto-detection. Fields absent from it are tried afterwards in
	// declaration order.
	Detection []Field

	// RowAssignments enables per-row class/division. A row with a class
	// but no division is invalid.
	RowAssignments bool

	// RequiresContext blocks submission until the session context is complete.
	RequiresContext bool

	// BulkMethod is tried first when set. SingleMethod is used for the
	// per-row fallback and for edit resubmission; when empty the bulk
	// method is called with a one-record batch.
	BulkMethod   string
	SingleMethod string
	BuildBulk    BuildBulkFunc
	BuildSingle  BuildSingleFunc

	// RecordContext returns the context keys added to every record.
	RecordContext func(sc SessionContext, row RawRow) map[string]string

	// RowDelay is the pause between sequential per-row calls.
	RowDelay time.Duration
}

// SupportsBulk reports whether the entity has a bulk creation endpoint.
func (d EntityDefinition) SupportsBulk() bool {
	return d.BulkMethod != "" && d.BuildBulk != nil
}

// Spec returns the FieldSpec for name.
func (d EntityDefinition) Spec(name Field) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields returns the required fields in declaration order.
func (d EntityDefinition) RequiredFields() []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// FieldNames returns the vocabulary in declaration order.
func (d EntityDefinition) FieldNames() []Field {
	out := make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = f.Name
	}
	return out
}

// RowStatus is the submission state of a row.
type RowStatus string

const (
	StatusPending RowStatus = "pending"
	StatusSuccess RowStatus = "success"
	StatusError   RowStatus = "error"
)

// RawRow is one spreadsheet row plus its process metadata.
type RawRow struct {
	ID       int               `json:"id"`   // stable within a session
	Line     int               `json:"line"` // source row number
	Values   map[string]string `json:"values"`
	Class    string            `json:"class,omitempty"`
	Division string            `json:"division,omitempty"`
	Status   RowStatus         `json:"status"`
	Error    string            `json:"error,omitempty"`
	Touched  bool              `json:"touched"`
}

// ColumnMapping binds a spreadsheet column to an optional logical field.
type ColumnMapping struct {
	ColumnIndex int    `json:"column_index"`
	Column      string `json:"column"` // spreadsheet letter
	Header      string `json:"header"`
	Field       Field  `json:"field,omitempty"`
}

// CanonicalRecord is a mapped, normalized row ready for submission.
// Every vocabulary field is present, empty when unmapped.
type CanonicalRecord struct {
	Fields  []Field
	Values  map[Field]string
	Context map[string]string // entity context keys, e.g. className
}

// Get returns the value of f.
func (r CanonicalRecord) Get(f Field) string {
	return r.Values[f]
}

// DisplayName is "First Last", used in result messages.
func (r CanonicalRecord) DisplayName() string {
	first, last := r.Values["First Name"], r.Values["Last Name"]
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	default:
		return last
	}
}

// MarshalJSON writes the fields in vocabulary order followed by the
// context keys, known keys first.
func (r CanonicalRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	write := func(k, v string) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}

	for _, f := range r.Fields {
		if err := write(string(f), r.Values[f]); err != nil {
			return nil, err
		}
	}
	for _, k := range contextKeys(r.Context) {
		if err := write(k, r.Context[k]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// contextOrder fixes the output position of known context keys.
var contextOrder = []string{"Class", "Division", "className", "divisionName", "academicYear"}

func contextKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	known := make(map[string]bool, len(contextOrder))
	for _, k := range contextOrder {
		known[k] = true
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}

	var rest []string
	for k := range m {
		if !known[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// CreateResult is the outcome of a successful creation call.
type CreateResult struct {
	Created []string // created document identifiers, when reported
	Raw     json.RawMessage
}

// Endpoint creates records in the external system.
type Endpoint interface {
	Create(ctx context.Context, method string, payload any) (CreateResult, error)
}

// Observer receives pipeline events at the orchestrator boundary.
type Observer interface {
	RowsValidated(entity string, valid, invalid int)
	SubmissionFinished(entity string, result *SessionResult)
}
