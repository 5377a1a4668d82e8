package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/enroll/internal/frappe"
)

// DefaultRoleTTL is how long a session's roles are trusted before they are
// fetched again.
const DefaultRoleTTL = 5 * time.Minute

// RoleSource lists the roles of the session attached to ctx.
// *frappe.Client satisfies it.
type RoleSource interface {
	UserRoles(ctx context.Context) ([]string, error)
}

type cachedRoles struct {
	roles     []string
	fetchedAt time.Time
}

// Resolver builds AuthContexts, caching roles per (sid, user).
type Resolver struct {
	src    RoleSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	roles map[string]cachedRoles
}

// NewResolver creates a resolver. Zero values pick the defaults.
func NewResolver(src RoleSource, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultRoleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		src:    src,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		roles:  make(map[string]cachedRoles),
	}
}

// Resolve returns the identity behind creds. Anonymous callers get an
// AuthContext with no roles and no error; the roles call is only made for
// logged-in users and runs with creds attached to ctx.
func (r *Resolver) Resolve(ctx context.Context, creds frappe.Credentials, selected Portal) (AuthContext, error) {
	a := AuthContext{User: creds.User, Selected: selected}
	if !a.Authenticated() {
		return a, nil
	}

	key := creds.SessionID + "|" + creds.User
	if roles, ok := r.cached(key); ok {
		a.Roles = roles
		return a, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		roles, err := r.src.UserRoles(frappe.WithCredentials(ctx, creds))
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.roles[key] = cachedRoles{roles: roles, fetchedAt: r.now()}
		r.mu.Unlock()
		return roles, nil
	})
	if err != nil {
		return a, fmt.Errorf("resolve roles for %s: %w", creds.User, err)
	}

	a.Roles = v.([]string)
	return a, nil
}

func (r *Resolver) cached(key string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.roles[key]
	if !ok || r.now().Sub(c.fetchedAt) >= r.ttl {
		return nil, false
	}
	return c.roles, true
}

// Invalidate forgets the roles of one session, e.g. on logout.
func (r *Resolver) Invalidate(creds frappe.Credentials) {
	r.mu.Lock()
	delete(r.roles, creds.SessionID+"|"+creds.User)
	r.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (r *Resolver) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	now := r.now()
	for k, c := range r.roles {
		if now.Sub(c.fetchedAt) >= r.ttl {
			delete(r.roles, k)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("auth: swept role cache", "removed", n)
	}
	return n
}
