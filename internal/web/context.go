package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/enroll/internal/auth"
	"github.com/JonMunkholm/enroll/internal/history"
	"github.com/JonMunkholm/enroll/internal/logging"
)

// WithRequestMetadata adds the client IP, User-Agent and user to ctx for
// run history and logging.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ip := r.RemoteAddr // already rewritten by TrustedRealIP
	ctx = history.ContextWithRequestMetadata(ctx, ip, r.UserAgent())
	if a := auth.FromContext(ctx); a.Authenticated() {
		ctx = logging.ContextWith(ctx, "user", a.User)
	}
	return ctx
}
