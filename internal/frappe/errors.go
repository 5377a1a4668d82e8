package frappe

import (
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Error is a non-2xx reply from the school application.
type Error struct {
	Method    string
	Status    int
	Messages  []string // user-facing messages from _server_messages or message
	Exception string   // exception text from exception or exc
}

func (e *Error) Error() string {
	detail := http.StatusText(e.Status)
	switch {
	case len(e.Messages) > 0:
		detail = e.Messages[0]
	case e.Exception != "":
		detail = e.Exception
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Method, e.Status, detail)
}

// Unauthorized reports whether the server rejected the caller's session.
func (e *Error) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func newError(method string, status int, body []byte) *Error {
	e := &Error{Method: method, Status: status}
	if !gjson.ValidBytes(body) {
		return e
	}

	doc := gjson.ParseBytes(body)
	e.Messages = serverMessages(doc)
	e.Exception = exceptionText(doc)

	if len(e.Messages) == 0 {
		if m := doc.Get("message"); m.Type == gjson.String && m.String() != "" {
			e.Messages = []string{m.String()}
		}
	}
	if len(e.Messages) == 0 && e.Exception != "" {
		e.Messages = []string{e.Exception}
	}
	return e
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// serverMessages decodes _server_messages: a JSON string holding a list of
// JSON strings, each an object with a "message" member.
func serverMessages(doc gjson.Result) []string {
	raw := doc.Get("_server_messages").String()
	if raw == "" || !gjson.Valid(raw) {
		return nil
	}

	var out []string
	for _, item := range gjson.Parse(raw).Array() {
		text := item.String()
		if gjson.Valid(text) {
			if m := gjson.Get(text, "message"); m.Exists() {
				text = m.String()
			}
		}
		if text = cleanMessage(text); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// exceptionText prefers "exception"; otherwise the last line of the last
// traceback in "exc". The exception class prefix is dropped.
func exceptionText(doc gjson.Result) string {
	text := doc.Get("exception").String()
	if text == "" {
		exc := doc.Get("exc").String()
		if gjson.Valid(exc) {
			if tbs := gjson.Parse(exc).Array(); len(tbs) > 0 {
				exc = tbs[len(tbs)-1].String()
			}
		}
		text = lastLine(exc)
	}
	return cleanMessage(stripExceptionClass(text))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// stripExceptionClass turns "frappe.exceptions.ValidationError: msg" into
// "msg".
func stripExceptionClass(s string) string {
	idx := strings.Index(s, ": ")
	if idx <= 0 {
		return s
	}
	class := s[:idx]
	if strings.ContainsAny(class, " \t") {
		return s
	}
	if strings.HasSuffix(class, "Error") || strings.HasSuffix(class, "Exception") {
		return s[idx+2:]
	}
	return s
}

func cleanMessage(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, "")))
}
