package frappe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/enroll/internal/importer"
)

type captured struct {
	Path    string
	Header  http.Header
	Payload map[string]any
}

func newServer(t *testing.T, status int, body string) (*Client, *captured) {
	t.Helper()
	got := &captured{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Path = r.URL.Path
		got.Header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.Payload)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "k", APISecret: "s"}, nil)
	require.NoError(t, err)
	return c, got
}

// ---- Call Tests ----

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "school.local", "://bad"} {
		_, err := New(Config{BaseURL: base}, nil)
		assert.Error(t, err, base)
	}
}

func TestCall_ForwardsCredentials(t *testing.T) {
	c, got := newServer(t, http.StatusOK, `{"message": {"ok": true}}`)

	ctx := WithCredentials(context.Background(), Credentials{
		Cookie:    "sid=abc; user_id=admin%40school.org",
		CSRFToken: "tok-1",
	})
	msg, err := c.Call(ctx, "school.ping", map[string]string{"a": "b"})
	require.NoError(t, err)

	assert.True(t, msg.Get("ok").Bool())
	assert.Equal(t, "/api/method/school.ping", got.Path)
	assert.Equal(t, "sid=abc; user_id=admin%40school.org", got.Header.Get("Cookie"))
	assert.Equal(t, "tok-1", got.Header.Get("X-Frappe-CSRF-Token"))
	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, map[string]any{"a": "b"}, got.Payload)
}

func TestCall_FallsBackToAPIToken(t *testing.T) {
	c, got := newServer(t, http.StatusOK, `{"message": []}`)

	_, err := c.Call(context.Background(), "school.ping", nil)
	require.NoError(t, err)

	assert.Equal(t, "token k:s", got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("Cookie"))
	assert.Equal(t, map[string]any{}, got.Payload)
}

func TestCall_Errors(t *testing.T) {
	serverMessages := `{"exc_type": "ValidationError", "_server_messages": "[\"{\\\"message\\\": \\\"Duplicate <b>GR Number</b>\\\"}\"]"}`

	tests := []struct {
		name      string
		status    int
		body      string
		messages  []string
		exception string
	}{
		{
			name:     "server messages",
			status:   http.StatusExpectationFailed,
			body:     serverMessages,
			messages: []string{"Duplicate GR Number"},
		},
		{
			name:      "exception only",
			status:    http.StatusInternalServerError,
			body:      `{"exception": "frappe.exceptions.ValidationError: Class, Division, and Students data are required."}`,
			messages:  []string{"Class, Division, and Students data are required."},
			exception: "Class, Division, and Students data are required.",
		},
		{
			name:      "traceback",
			status:    http.StatusInternalServerError,
			body:      `{"exc": "[\"Traceback (most recent call last):\\n  File x\\nfrappe.exceptions.PermissionError: Not permitted\\n\"]"}`,
			messages:  []string{"Not permitted"},
			exception: "Not permitted",
		},
		{
			name:     "plain message",
			status:   http.StatusForbidden,
			body:     `{"message": "Session expired"}`,
			messages: []string{"Session expired"},
		},
		{
			name:   "not json",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newServer(t, tt.status, tt.body)

			_, err := c.Call(context.Background(), "school.method", nil)
			var fe *Error
			require.ErrorAs(t, err, &fe)

			assert.Equal(t, tt.status, fe.Status)
			assert.Equal(t, tt.messages, fe.Messages)
			assert.Equal(t, tt.exception, fe.Exception)
		})
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Method: "m", Status: http.StatusBadGateway}
	assert.Equal(t, "m: HTTP 502: Bad Gateway", e.Error())

	e.Messages = []string{"Duplicate GR Number"}
	assert.Equal(t, "m: HTTP 502: Duplicate GR Number", e.Error())
	assert.False(t, e.Unauthorized())
	assert.True(t, (&Error{Status: http.StatusForbidden}).Unauthorized())
}

// ---- Create Tests ----

func TestCreate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c, _ := newServer(t, http.StatusOK, `{"message": {"status": "success", "message": "3 students enrolled", "created": ["STU-1", "STU-2"]}}`)

		res, err := c.Create(context.Background(), "school.bulk", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, []string{"STU-1", "STU-2"}, res.Created)
		assert.JSONEq(t, `{"status": "success", "message": "3 students enrolled", "created": ["STU-1", "STU-2"]}`, string(res.Raw))
	})

	t.Run("rejected by status code", func(t *testing.T) {
		c, _ := newServer(t, http.StatusExpectationFailed, `{"exception": "frappe.exceptions.ValidationError: Duplicate GR"}`)

		_, err := c.Create(context.Background(), "school.bulk", map[string]any{})
		var se *importer.SubmissionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "Duplicate GR", se.Message())
		assert.Equal(t, "school.bulk", se.Method)

		var fe *Error
		assert.True(t, errors.As(err, &fe), "frappe error stays reachable")
	})

	t.Run("rejected in body", func(t *testing.T) {
		c, _ := newServer(t, http.StatusOK, `{"message": {"status": "failed", "message": "Error in setup"}}`)

		_, err := c.Create(context.Background(), "school.single", map[string]any{})
		var se *importer.SubmissionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "Error in setup", se.Message())
	})

	t.Run("unreachable", func(t *testing.T) {
		c, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
		require.NoError(t, err)

		_, err = c.Create(context.Background(), "school.single", map[string]any{})
		var se *importer.SubmissionError
		require.ErrorAs(t, err, &se)
		assert.NotEmpty(t, se.Message())
	})
}

// ---- Reference Tests ----

func TestReferenceCalls(t *testing.T) {
	t.Run("classes", func(t *testing.T) {
		c, got := newServer(t, http.StatusOK, `{"message": [{"name": "Grade 1"}, {"name": "Grade 2"}]}`)
		classes, err := c.Classes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []Class{{Name: "Grade 1"}, {Name: "Grade 2"}}, classes)
		assert.Equal(t, "/api/method/"+MethodGetClasses, got.Path)
	})

	t.Run("divisions for a year", func(t *testing.T) {
		c, got := newServer(t, http.StatusOK, `{"message": [{"name": "G1-A"}]}`)
		divs, err := c.Divisions(context.Background(), "Grade 1", "2024-25")
		require.NoError(t, err)
		assert.Equal(t, []Division{{Name: "G1-A"}}, divs)
		assert.Equal(t, "/api/method/"+MethodGetDivisions, got.Path)
		assert.Equal(t, map[string]any{"values": map[string]any{"classId": "Grade 1", "academicYear": "2024-25"}}, got.Payload)
	})

	t.Run("divisions for the current year", func(t *testing.T) {
		c, got := newServer(t, http.StatusOK, `{"message": []}`)
		_, err := c.Divisions(context.Background(), "Grade 1", "")
		require.NoError(t, err)
		assert.Equal(t, "/api/method/"+MethodGetCurrentDivisions, got.Path)
	})

	t.Run("fee structures", func(t *testing.T) {
		c, got := newServer(t, http.StatusOK, `{"message": {"success": true, "fee_structures": [
			{"name": "G1 Monthly", "program": "Grade 1", "total_amount": 12000,
			 "components": [{"fees_category": "Tuition", "amount": 10000, "discount": 0, "total": 10000}]}
		]}}`)
		fs, err := c.FeeStructures(context.Background(), "Grade 1")
		require.NoError(t, err)
		require.Len(t, fs, 1)
		assert.Equal(t, 12000.0, fs[0].TotalAmount)
		assert.Equal(t, "Tuition", fs[0].Components[0].Category)
		assert.Equal(t, map[string]any{"program": "Grade 1"}, got.Payload)
	})

	t.Run("envelope failure", func(t *testing.T) {
		c, _ := newServer(t, http.StatusOK, `{"message": {"success": false, "message": "boom", "student_groups": []}}`)
		_, err := c.StudentGroups(context.Background(), "Grade 1")
		var fe *Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, []string{"boom"}, fe.Messages)
	})

	t.Run("user roles", func(t *testing.T) {
		c, _ := newServer(t, http.StatusOK, `{"message": ["Instructor", "Guest"]}`)
		roles, err := c.UserRoles(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"Instructor", "Guest"}, roles)
	})
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Cookie", "sid=s1; user_id=a%40b.co; csrf_token=c%2B1")

	c := FromRequest(r)
	assert.Equal(t, "sid=s1; user_id=a%40b.co; csrf_token=c%2B1", c.Cookie)
	assert.Equal(t, "c+1", c.CSRFToken)
	assert.Equal(t, "s1", c.SessionID)
	assert.Equal(t, "a@b.co", c.User)

	r.Header.Set("X-Frappe-CSRF-Token", "header-token")
	assert.Equal(t, "header-token", FromRequest(r).CSRFToken)

	_, ok := CredentialsFrom(WithCredentials(context.Background(), Credentials{}))
	assert.False(t, ok, "empty credentials are ignored")
}
