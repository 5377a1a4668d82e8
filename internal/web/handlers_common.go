// This file contains shared utilities used across handlers.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// decode reads a JSON body into v and validates it. On failure the error
// response is written and false returned.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.respondError(w, r, badRequest("body too large"), 0)
		case errors.Is(err, io.EOF):
			s.respondError(w, r, badRequest("empty body"), 0)
		default:
			s.respondError(w, r, badRequest("malformed JSON: %v", err), 0)
		}
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, r, validationError(err), 0)
		return false
	}
	return true
}
