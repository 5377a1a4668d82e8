package importer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrUnknownField         = errors.New("unknown field")
	ErrSessionNotFound      = errors.New("import session not found")
	ErrRowNotFound          = errors.New("row not found")
	ErrColumnNotFound       = errors.New("column not found")
	ErrNoRowAssignments     = errors.New("rows of this entity have no class assignment")
	ErrContextIncomplete    = errors.New("academic year, class and division must be selected")
	ErrNoValidRows          = errors.New("no valid rows to submit")
	ErrSubmissionInProgress = errors.New("submission already in progress")
	ErrTooManySubmissions   = errors.New("too many submissions in progress")
	ErrDivisionWithoutClass = errors.New("division requires a class")
)

// MappingIncompleteError blocks submission of a whole session because
// required fields have no column bound.
type MappingIncompleteError struct {
	Missing []Field
}

func (e *MappingIncompleteError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return "mapping incomplete: please map the following required fields: " + strings.Join(names, ", ")
}

// RowValidationError reports every failed rule on one row.
type RowValidationError struct {
	RowID  int
	Line   int
	Errors []ValidationError
}

func (e *RowValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Message
	}
	return fmt.Sprintf("row %d invalid: %s", e.Line, strings.Join(msgs, "; "))
}

// SubmissionError is a rejection from the record-creation endpoint. RowID
// is zero for a failed batch call.
type SubmissionError struct {
	RowID    int
	Method   string
	Messages []string
	Err      error
}

func (e *SubmissionError) Error() string {
	msg := e.Message()
	if e.RowID > 0 {
		return fmt.Sprintf("submission failed for row %d: %s", e.RowID, msg)
	}
	return "submission failed: " + msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Message is the first endpoint message, falling back to the wrapped error.
func (e *SubmissionError) Message() string {
	if len(e.Messages) > 0 && e.Messages[0] != "" {
		return e.Messages[0]
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "Unknown error"
}

// submissionMessage extracts the user-facing reason from a creation error.
func submissionMessage(err error) string {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
