package importer

// # Error Codes Reference
//
// User-facing messages carry a code that users can quote to support.
//
//	REQ001  - Malformed request         "invalid request"
//
//	FILE001 - File too large            "file exceeds"
//	FILE002 - Unreadable spreadsheet    "parse error"
//	FILE003 - No header row             "no header row"
//	FILE004 - No file                   "no file provided"
//	FILE005 - Empty file                "empty file"
//
//	MAP001  - Required fields unmapped  "mapping incomplete"
//	MAP002  - Unknown field             "unknown field"
//	MAP003  - Column not found          "column not found"
//
//	VAL001  - Invalid date              "not a valid date"
//	VAL002  - Future date               "cannot be in the future"
//	VAL003  - Required value missing    "is required"
//	VAL004  - Invalid phone             "at least 10 digits"
//	VAL005  - Invalid email             "valid email"
//	VAL006  - Invalid gender            "gender must be"
//	VAL007  - Class without division    "division is required", "requires a class"
//	VAL008  - No valid rows             "no valid rows"
//	VAL009  - Row invalid               "invalid:"
//
//	SUB001  - Endpoint rejected         "submission failed"
//	SUB002  - Endpoint unreachable      "connection refused"
//	SUB003  - Endpoint timed out        "timeout", "context deadline exceeded"
//	SUB004  - Too many submissions      "too many submissions"
//	SUB005  - Submission running        "already in progress"
//
//	SES001  - Session expired           "session not found"
//	SES002  - Context incomplete        "must be selected"
//	SES003  - Row not found             "row not found"
//	SES004  - Unknown entity            "unknown entity"
//	SES005  - Request cancelled         "context canceled"
//	SES006  - Division not in class     "is not a division of"
//	SES007  - No row assignments        "no class assignment"
//
//	FEE001  - No fee structure          "no fee structure selected"
//	FEE002  - No student group          "no student group selected"
//	FEE003  - Unknown fee plan          "unknown fee plan"
//	FEE004  - No due dates              "no due dates"
//	FEE005  - Invalid due date          "invalid due date"
//
//	AUTH001 - Not logged in             "not authenticated"
//	AUTH002 - Missing role              "access restricted"
//	AUTH003 - Not an administrator      "administrator privileges"
//	AUTH004 - Missing API key           "missing api key"
//	AUTH005 - Invalid API key           "invalid api key"
//
//	RATE001 - Rate limited              "rate limit"
//	ERR000  - Unexpected error          (fallback)
//
// Patterns are matched case-insensitively with strings.Contains. The first
// match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Request
	{"invalid request", UserMessage{"The request could not be understood", "Check the submitted values and try again", "REQ001"}},

	// File
	{"file exceeds", UserMessage{"The file is too large", "Split the spreadsheet into smaller files", "FILE001"}},
	{"no header row", UserMessage{"The spreadsheet has no header row", "Make sure the first sheet has column titles", "FILE003"}},
	{"empty file", UserMessage{"The uploaded file is empty", "Please upload a spreadsheet with data rows", "FILE005"}},
	{"parse error", UserMessage{"The spreadsheet could not be read", "Save it as .xlsx, .xls or .csv and try again", "FILE002"}},
	{"no file provided", UserMessage{"No file was selected", "Please select a spreadsheet to upload", "FILE004"}},

	// Mapping
	{"mapping incomplete", UserMessage{"Some required fields are not mapped to a column", "Map every required field before enrolling", "MAP001"}},
	{"unknown field", UserMessage{"That field does not exist for this import", "Pick a field from the list", "MAP002"}},
	{"column not found", UserMessage{"That column does not exist in the file", "Refresh the preview and try again", "MAP003"}},

	// Session
	{"session not found", UserMessage{"Import session not found", "The session may have expired. Please upload the file again", "SES001"}},
	{"must be selected", UserMessage{"Please select an academic year, class, and division", "Choose the enrollment target before enrolling", "SES002"}},
	{"row not found", UserMessage{"That row no longer exists", "Refresh the preview", "SES003"}},
	{"is not a division of", UserMessage{"The division does not belong to the selected class", "Pick a division listed for the class", "SES006"}},
	{"no class assignment", UserMessage{"Rows of this import cannot be assigned to a class", "Set the class and division for the whole file instead", "SES007"}},
	{"unknown entity", UserMessage{"Unknown import type", "Use the student or instructor import", "SES004"}},

	// Validation
	{"not a valid date", UserMessage{"A date could not be understood", "Use DD-MM-YYYY or YYYY-MM-DD", "VAL001"}},
	{"cannot be in the future", UserMessage{"A date is in the future", "Check the year of the date", "VAL002"}},
	{"division is required", UserMessage{"A class was chosen without a division", "Select a division or remove the class assignment", "VAL007"}},
	{"requires a class", UserMessage{"A division was chosen without a class", "Select the class first", "VAL007"}},
	{"at least 10 digits", UserMessage{"A phone number is too short", "Enter at least 10 digits", "VAL004"}},
	{"valid email", UserMessage{"An email address is not valid", "Use the name@domain.tld format", "VAL005"}},
	{"gender must be", UserMessage{"Gender is not recognised", "Use Male, Female or Other", "VAL006"}},
	{"no valid rows", UserMessage{"No valid rows to enroll", "Please check your data and mappings", "VAL008"}},
	{"is required", UserMessage{"A required value is missing", "Fill in every required column", "VAL003"}},
	{"invalid:", UserMessage{"This row has validation errors", "Correct the highlighted cells", "VAL009"}},

	// Submission
	{"too many submissions", UserMessage{"The system is busy with other enrollments", "Please wait a moment and try again", "SUB004"}},
	{"already in progress", UserMessage{"An enrollment for this file is already running", "Wait for it to finish", "SUB005"}},
	{"connection refused", UserMessage{"The school system could not be reached", "Please try again in a few moments", "SUB002"}},
	{"context deadline exceeded", UserMessage{"The request timed out", "Please try again", "SUB003"}},
	{"timeout", UserMessage{"The request timed out", "Please try again", "SUB003"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "SES005"}},
	{"submission failed", UserMessage{"The school system rejected the record", "Review the row error and try again", "SUB001"}},

	// Fees
	{"no fee structure selected", UserMessage{"No fee structure was selected", "Select at least one fee structure", "FEE001"}},
	{"no student group selected", UserMessage{"No student group was selected", "Select at least one division", "FEE002"}},
	{"unknown fee plan", UserMessage{"The fee plan is not recognised", "Choose Monthly, Quarterly, Semi-Annually, Annually or Term-Wise", "FEE003"}},
	{"no due dates", UserMessage{"A fee structure has no installments selected", "Keep at least one installment", "FEE004"}},
	{"invalid due date", UserMessage{"A due date could not be understood", "Use YYYY-MM-DD", "FEE005"}},

	// Auth
	{"not authenticated", UserMessage{"You are not logged in", "Please log in and try again", "AUTH001"}},
	{"access restricted", UserMessage{"Access Restricted", "Your account needs the Instructor or Guardian role", "AUTH002"}},
	{"administrator privileges", UserMessage{"Administrator privileges are required", "Log in with an administrator account", "AUTH003"}},
	{"missing api key", UserMessage{"An API key is required", "Send the X-API-Key header", "AUTH004"}},
	{"invalid api key", UserMessage{"The API key is not valid", "Check the configured API keys", "AUTH005"}},

	// Rate limiting
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. The first
// matching pattern wins; ERR000 is returned when none match.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message. Error returns
// the user message; Unwrap exposes the original for logging.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
