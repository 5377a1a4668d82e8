package importer

// validation.go decides per-row readiness for submission.
//
// Validation happens at two levels:
//  1. Mapping: every required field must be bound to a column. A missing
//     binding makes every row invalid, whatever the row holds.
//  2. Row: each bound value is checked against its field kind (date, phone,
//     email, gender) and the entity's cross-field rules.
//
// Only the authoritative column of a field is read (lowest column index
// among duplicates).

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// validGenders are accepted case-insensitively.
var validGenders = []string{"male", "female", "other", "m", "f", "o"}

// MinPhoneDigits is the minimum digit count of a phone or mobile number.
const MinPhoneDigits = 10

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Field   Field  `json:"field"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Message
}

// ValidationResult contains the result of validating a row.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Reason joins the error messages for inline display.
func (r ValidationResult) Reason() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// RowValidator validates rows of one session against an entity definition
// and the session's current mappings.
type RowValidator struct {
	def     EntityDefinition
	bound   map[Field]ColumnMapping
	missing []Field
	context SessionContext
	today   time.Time
}

// NewRowValidator creates a validator. today bounds date fields; only its
// calendar date is used.
func NewRowValidator(def EntityDefinition, mappings []ColumnMapping, sc SessionContext, today time.Time) *RowValidator {
	return &RowValidator{
		def:     def,
		bound:   Authoritative(mappings),
		missing: MissingRequired(def, mappings),
		context: sc,
		today:   Today(today),
	}
}

// MissingMappings lists required fields with no bound column.
func (v *RowValidator) MissingMappings() []Field {
	return v.missing
}

// RequireMappings returns a *MappingIncompleteError when any required field
// is unmapped.
func (v *RowValidator) RequireMappings() error {
	if len(v.missing) == 0 {
		return nil
	}
	return &MappingIncompleteError{Missing: v.missing}
}

// value returns the trimmed cell bound to f, and whether f is bound at all.
func (v *RowValidator) value(row RawRow, f Field) (string, bool) {
	m, ok := v.bound[f]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(row.Values[m.Header]), true
}

// Prepare builds the record sent to the endpoint. Every vocabulary field
// is present; date fields are reformatted to YYYY-MM-DD, or left empty when
// they do not parse.
func (v *RowValidator) Prepare(row RawRow) CanonicalRecord {
	rec := CanonicalRecord{
		Fields: v.def.FieldNames(),
		Values: make(map[Field]string, len(v.def.Fields)),
	}

	for _, spec := range v.def.Fields {
		val, _ := v.value(row, spec.Name)
		if spec.Kind == KindDate {
			val = NormalizeDate(val)
		}
		rec.Values[spec.Name] = val
	}

	if v.def.RecordContext != nil {
		rec.Context = v.def.RecordContext(v.context, row)
	}
	return rec
}

// Validate checks a row and returns every failed rule.
func (v *RowValidator) Validate(row RawRow) ValidationResult {
	result := ValidationResult{Valid: true}

	fail := func(f Field, value, msg string) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{Field: f, Value: value, Message: msg})
	}

	for _, f := range v.missing {
		fail(f, "", fmt.Sprintf("%s is not mapped to a column", f))
	}

	for _, spec := range v.def.Fields {
		val, mapped := v.value(row, spec.Name)
		if !mapped {
			continue
		}

		if val == "" {
			if spec.Required {
				fail(spec.Name, "", fmt.Sprintf("%s is required", spec.Name))
			}
			continue
		}

		if err := ValidateValue(spec, val, v.today); err != nil {
			fail(spec.Name, val, err.Error())
		}
	}

	if v.def.RowAssignments && row.Class != "" && row.Division == "" {
		fail("Division", "", "Division is required when a class is assigned")
	}

	return result
}

// IsValid reports whether the row passes every rule.
func (v *RowValidator) IsValid(row RawRow) bool {
	return v.Validate(row).Valid
}

// Err returns a *RowValidationError for an invalid row, nil otherwise.
func (v *RowValidator) Err(row RawRow) error {
	res := v.Validate(row)
	if res.Valid {
		return nil
	}
	return &RowValidationError{RowID: row.ID, Line: row.Line, Errors: res.Errors}
}

// ValidateValue checks one present, trimmed value against its field kind.
func ValidateValue(spec FieldSpec, value string, today time.Time) error {
	if value == "" {
		return nil
	}

	switch spec.Kind {
	case KindDate:
		return ValidateDateField(value, string(spec.Name), today)
	case KindPhone:
		if countDigits(value) < MinPhoneDigits {
			return fmt.Errorf("%s must have at least %d digits", spec.Name, MinPhoneDigits)
		}
	case KindEmail:
		if !emailPattern.MatchString(value) {
			return fmt.Errorf("%s must be a valid email address", spec.Name)
		}
	case KindGender:
		for _, g := range validGenders {
			if strings.EqualFold(g, value) {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of: %s", spec.Name, strings.Join(validGenders, ", "))
	}
	return nil
}

// PhoneDigits strips every non-digit from value.
func PhoneDigits(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if c := value[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func countDigits(value string) int {
	return len(PhoneDigits(value))
}
