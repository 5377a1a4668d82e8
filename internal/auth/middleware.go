package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/enroll/internal/frappe"
)

// SelectedRoleHeader and SelectedRoleCookie carry the login screen choice.
const (
	SelectedRoleHeader = "X-Selected-Role"
	SelectedRoleCookie = "selected_role"
)

// DenyFunc writes a rejection. The web layer supplies one that renders its
// JSON error format.
type DenyFunc func(w http.ResponseWriter, r *http.Request, status int, err error)

type authKey struct{}

// WithAuth attaches a to ctx.
func WithAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

// FromContext returns the AuthContext stored by Middleware. Requests that
// did not pass through it are anonymous.
func FromContext(ctx context.Context) AuthContext {
	a, _ := ctx.Value(authKey{}).(AuthContext)
	return a
}

// Middleware resolves the caller once per request and stores both the
// AuthContext and the forwarded credentials in the request context. A
// session the school application rejects is treated as anonymous.
func Middleware(res *Resolver, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := frappe.FromRequest(r)

			a, err := res.Resolve(r.Context(), creds, selectedPortal(r))
			if err != nil {
				var fe *frappe.Error
				if !errors.As(err, &fe) || !fe.Unauthorized() {
					deny(w, r, http.StatusBadGateway, err)
					return
				}
				slog.Debug("auth: session rejected upstream",
					"user", creds.User,
					"path", r.URL.Path,
				)
				res.Invalidate(creds)
				a = AuthContext{Selected: a.Selected}
			}

			ctx := WithAuth(r.Context(), a)
			ctx = frappe.WithCredentials(ctx, creds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func selectedPortal(r *http.Request) Portal {
	if v := r.Header.Get(SelectedRoleHeader); v != "" {
		return ParsePortal(v)
	}
	if ck, err := r.Cookie(SelectedRoleCookie); err == nil {
		return ParsePortal(ck.Value)
	}
	return PortalNone
}

// RequireAuth rejects anonymous callers with 401.
func RequireAuth(deny DenyFunc) func(http.Handler) http.Handler {
	return guard(deny, func(a AuthContext) (int, error) {
		if !a.Authenticated() {
			return http.StatusUnauthorized, ErrNotAuthenticated
		}
		return 0, nil
	})
}

// RequireAdmin rejects anyone who is not an Administrator.
func RequireAdmin(deny DenyFunc) func(http.Handler) http.Handler {
	return guard(deny, func(a AuthContext) (int, error) {
		switch {
		case !a.Authenticated():
			return http.StatusUnauthorized, ErrNotAuthenticated
		case !a.IsAdmin():
			return http.StatusForbidden, ErrNotAdmin
		}
		return 0, nil
	})
}

// RequirePortal rejects callers who do not hold the role behind p.
func RequirePortal(p Portal, deny DenyFunc) func(http.Handler) http.Handler {
	return guard(deny, func(a AuthContext) (int, error) {
		switch {
		case !a.Authenticated():
			return http.StatusUnauthorized, ErrNotAuthenticated
		case !CanUsePortal(a, p):
			return http.StatusForbidden, ErrAccessRestricted
		}
		return 0, nil
	})
}

func guard(deny DenyFunc, check func(AuthContext) (int, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := FromContext(r.Context())
			if status, err := check(a); err != nil {
				slog.Warn("auth: access denied",
					"path", r.URL.Path,
					"method", r.Method,
					"user", a.User,
					"error", err,
				)
				deny(w, r, status, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
