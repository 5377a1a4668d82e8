package frappe

import (
	"context"
	"net/http"
	"net/url"
)

// Credentials are the caller's session with the school application. They
// are opaque to this service and forwarded as-is.
type Credentials struct {
	Cookie    string
	CSRFToken string
	SessionID string // the sid cookie, used as a cache key
	User      string // the user_id cookie
}

// Empty reports whether no session is present.
func (c Credentials) Empty() bool {
	return c.Cookie == "" && c.CSRFToken == ""
}

type credentialsKey struct{}

// WithCredentials attaches c to ctx for every call made with it.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFrom returns the credentials attached to ctx.
func CredentialsFrom(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	if !ok || c.Empty() {
		return Credentials{}, false
	}
	return c, true
}

// FromRequest extracts credentials from an incoming request. The CSRF token
// comes from the X-Frappe-CSRF-Token header or, failing that, the
// csrf_token cookie.
func FromRequest(r *http.Request) Credentials {
	c := Credentials{
		Cookie:    r.Header.Get("Cookie"),
		CSRFToken: r.Header.Get("X-Frappe-CSRF-Token"),
		SessionID: cookieValue(r, "sid"),
		User:      cookieValue(r, "user_id"),
	}
	if c.CSRFToken == "" {
		c.CSRFToken = cookieValue(r, "csrf_token")
	}
	return c
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	if v, err := url.QueryUnescape(ck.Value); err == nil {
		return v
	}
	return ck.Value
}
