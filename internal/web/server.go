// Package web provides the HTTP server and JSON handlers for spreadsheet
// imports, reference data and fee schedules.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/enroll/internal/auth"
	"github.com/JonMunkholm/enroll/internal/config"
	"github.com/JonMunkholm/enroll/internal/frappe"
	"github.com/JonMunkholm/enroll/internal/history"
	"github.com/JonMunkholm/enroll/internal/importer"
	"github.com/JonMunkholm/enroll/internal/metrics"
	"github.com/JonMunkholm/enroll/internal/reference"
	mw "github.com/JonMunkholm/enroll/internal/web/middleware"
)

// ReferenceData is the cached view of the school application's lists.
type ReferenceData interface {
	Classes(ctx context.Context) ([]frappe.Class, error)
	Divisions(ctx context.Context, class, year string) ([]frappe.Division, error)
	AcademicYears(ctx context.Context) ([]string, error)
	FeeStructures(ctx context.Context, program string) ([]frappe.FeeStructure, error)
	StudentGroups(ctx context.Context, program string) ([]frappe.StudentGroup, error)
	HasDivision(ctx context.Context, class, year, division string) (bool, error)
	Invalidate(prefix string) int
	Stats() reference.Stats
}

// FeeScheduler creates fee schedules in the school application.
type FeeScheduler interface {
	CreateFeeSchedules(ctx context.Context, payload any) (*frappe.FeeScheduleResult, error)
}

// HistoryLister lists recorded submission runs.
type HistoryLister interface {
	List(ctx context.Context, entity string, limit int) ([]history.Run, error)
}

// Pinger checks a backing store for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. History, DB and Metrics are
// optional.
type Deps struct {
	Manager   *importer.Manager
	Reference ReferenceData
	Fees      FeeScheduler
	Resolver  *auth.Resolver
	History   HistoryLister
	DB        Pinger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Server is the HTTP server for the import service.
type Server struct {
	cfg      *config.Config
	deps     Deps
	validate *validator.Validate
	router   *chi.Mux
	server   *http.Server

	limiter       *rateLimiter
	uploadLimiter *rateLimiter
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   chi.NewRouter(),
		stop:     make(chan struct{}),
	}
	s.validate.RegisterTagNameFunc(jsonFieldName)
	if cfg.Rate.Enabled {
		s.limiter = newRateLimiter(cfg.Rate.RequestsPerMinute, time.Minute, s.stop)
		s.uploadLimiter = newRateLimiter(cfg.Rate.UploadLimit, time.Minute, s.stop)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// jsonFieldName reports validation failures under their JSON names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.Middleware)
	}
	s.router.Use(middleware.Compress(5))

	// Security hardening
	s.router.Use(securityHeaders(s.cfg.Security.EnableCSP))

	if s.limiter != nil {
		s.router.Use(s.limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	if s.deps.Metrics != nil {
		s.router.With(mw.APIKeyAuth(&s.cfg.Security)).Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.deps.Resolver, s.deny))

		// Ordinary requests
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			r.Get("/auth/me", s.handleMe)
			r.Get("/auth/redirect", s.handleRedirect)
			r.Post("/auth/logout", s.handleLogout)

			r.With(auth.RequirePortal(auth.PortalTeacher, s.deny)).Get("/teacher/home", s.handlePortalHome)
			r.With(auth.RequirePortal(auth.PortalParent, s.deny)).Get("/parent/home", s.handlePortalHome)

			// Reference data
			r.Route("/reference", func(r chi.Router) {
				r.Use(auth.RequireAuth(s.deny))
				r.Get("/classes", s.handleClasses)
				r.Get("/divisions", s.handleDivisions)
				r.Get("/academic-years", s.handleAcademicYears)
				r.Get("/fee-structures", s.handleFeeStructures)
				r.Get("/student-groups", s.handleStudentGroups)
			})

			r.With(auth.RequireAdmin(s.deny)).Get("/imports/history", s.handleHistory)
		})

		// Admin portal
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin(s.deny))

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

				r.Get("/entities", s.handleEntities)

				r.With(s.uploadLimit).Post("/entities/{entity}/imports", s.handleCreateImport)
				r.Get("/imports/{id}", s.handleGetImport)
				r.Delete("/imports/{id}", s.handleDeleteImport)
				r.Get("/imports/{id}/summary", s.handleImportSummary)
				r.Put("/imports/{id}/mappings", s.handleSetMapping)
				r.Put("/imports/{id}/context", s.handleSetContext)
				r.Put("/imports/{id}/rows/{rowID}/assignment", s.handleSetAssignment)
				r.Patch("/imports/{id}/rows/{rowID}", s.handleEditCell)
				r.Delete("/imports/{id}/rows/{rowID}", s.handleDeleteRow)
				r.Post("/imports/{id}/rows/{rowID}/touch", s.handleTouchRow)

				r.Post("/fees/preview", s.handleFeePreview)
			})

			// Long-running calls to the school application
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(s.cfg.Submit.Timeout))
				r.Use(s.uploadLimit)

				r.Post("/imports/{id}/submit", s.handleSubmit)
				r.Post("/fees/schedules", s.handleCreateSchedules)
			})
		})
	})
}

// uploadLimit applies the stricter upload/submit rate limit.
func (s *Server) uploadLimit(next http.Handler) http.Handler {
	if s.uploadLimiter == nil {
		return next
	}
	return s.uploadLimiter.middleware(next)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(csp bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if csp {
				// JSON only; nothing may be loaded or framed
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter implements a simple fixed-window rate limiter per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	now      func() time.Time
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the specified rate per window.
// Its cleanup loop runs until stop is closed.
func newRateLimiter(rate int, window time.Duration, stop <-chan struct{}) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
	go rl.cleanup(stop)
	return rl
}

// cleanup removes stale visitor entries every minute.
func (rl *rateLimiter) cleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *rateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for ip, v := range rl.visitors {
		if rl.now().Sub(v.lastReset) > rl.window*2 {
			delete(rl.visitors, ip)
			n++
		}
	}
	return n
}

// allow checks if the request should be allowed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{
			tokens:    rl.rate - 1, // consume one token
			lastReset: now,
		}
		return true
	}

	// Reset tokens if window has passed
	if now.Sub(v.lastReset) > rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = now
		return true
	}

	if v.tokens <= 0 {
		return false
	}

	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by IP.
// RemoteAddr has already been rewritten by TrustedRealIP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, errRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to w with status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
