package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged with its technical detail and the request ID, then
// returned to the client as {error, message, action, code} with the user
// message taken from importer.MapError.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/enroll/internal/fees"
	"github.com/JonMunkholm/enroll/internal/frappe"
	"github.com/JonMunkholm/enroll/internal/importer"
	"github.com/JonMunkholm/enroll/internal/logging"
	"github.com/JonMunkholm/enroll/internal/workbook"
)

var (
	errRateLimited  = errors.New("rate limit exceeded")
	errNoFile       = errors.New("no file provided")
	errFileTooLarge = errors.New("file exceeds the upload limit")

	errUnknownDivision = errors.New("unknown division")
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes the mapped user message. A zero status
// is derived from err.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	writeError(w, r, status, err)
}

// deny adapts respondError to auth.DenyFunc.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.respondError(w, r, err, status)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	userMsg := importer.MapError(err)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeJSON(w, status, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMessage(err, userMsg),
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// userMessage prefers the school application's own reason, which is
// already cleaned for display.
func userMessage(err error, m importer.UserMessage) string {
	var fe *frappe.Error
	if errors.As(err, &fe) && len(fe.Messages) > 0 {
		return strings.Join(fe.Messages, "; ")
	}
	var ve *requestError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return m.Message
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var (
		mapping    *importer.MappingIncompleteError
		parse      *workbook.ParseError
		fe         *frappe.Error
		reqErr     *requestError
		tooLarge   *http.MaxBytesError
		submission *importer.SubmissionError
	)

	switch {
	case errors.As(err, &reqErr), errors.Is(err, errNoFile),
		errors.Is(err, importer.ErrUnknownField), errors.Is(err, importer.ErrColumnNotFound),
		errors.Is(err, importer.ErrDivisionWithoutClass), errors.Is(err, importer.ErrNoRowAssignments),
		errors.Is(err, errUnknownDivision),
		errors.Is(err, fees.ErrNoStructures), errors.Is(err, fees.ErrNoGroups):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge), errors.Is(err, errFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, importer.ErrSessionNotFound), errors.Is(err, importer.ErrRowNotFound),
		errors.Is(err, importer.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.As(err, &mapping), errors.As(err, &parse),
		errors.Is(err, importer.ErrContextIncomplete), errors.Is(err, importer.ErrNoValidRows):
		return http.StatusUnprocessableEntity
	case errors.Is(err, importer.ErrSubmissionInProgress):
		return http.StatusConflict
	case errors.Is(err, importer.ErrTooManySubmissions):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &fe), errors.As(err, &submission):
		if fe != nil && fe.Unauthorized() {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// requestError is a malformed or invalid request body or parameter.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return "invalid request: " + e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// validationError turns validator failures into a requestError naming the
// JSON fields.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return badRequest("%v", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is missing")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param()))
		case "datetime":
			parts = append(parts, fe.Field()+" must be a YYYY-MM-DD date")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return &requestError{msg: strings.Join(parts, "; ")}
}
