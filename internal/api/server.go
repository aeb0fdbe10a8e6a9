package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/shehryarbajwa/cloud-browser/internal/ratelimit"
)

// RouteOptions configures the router.
type RouteOptions struct {
	AdminToken      string
	CORSOrigins     []string
	Limiter         *ratelimit.Limiter
	RequestsPerHour int
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(opts RouteOptions) http.Handler {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(h.log))

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	sessions := api.PathPrefix("/sessions").Subrouter()
	sessions.Use(OwnerMiddleware)

	limited := func(fn http.HandlerFunc) http.Handler {
		if opts.Limiter == nil {
			return fn
		}
		return RateLimitMiddleware(opts.Limiter, opts.RequestsPerHour)(fn)
	}

	// Creating, extending and owner cleanup are rate limited per owner
	sessions.Handle("", limited(h.CreateSession)).Methods("POST")
	sessions.HandleFunc("", h.ListSessions).Methods("GET")
	sessions.Handle("/cleanup", limited(h.CleanupSessions)).Methods("POST")
	sessions.HandleFunc("/{id}", h.GetSession).Methods("GET")
	sessions.HandleFunc("/{id}", h.UpdateSession).Methods("PUT")
	sessions.HandleFunc("/{id}", h.DeleteSession).Methods("DELETE")
	sessions.Handle("/{id}/extend", limited(h.ExtendSession)).Methods("POST")
	sessions.HandleFunc("/{id}/stop", h.StopSession).Methods("POST")
	sessions.HandleFunc("/{id}/access", h.AccessSession).Methods("POST")
	sessions.HandleFunc("/{id}/errors", h.ReportError).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(AdminMiddleware(opts.AdminToken))
	admin.HandleFunc("/sessions", h.AdminListSessions).Methods("GET")
	admin.HandleFunc("/sessions/{id}/stop", h.AdminStopSession).Methods("POST")
	admin.HandleFunc("/cleanup", h.AdminCleanup).Methods("POST")
	admin.HandleFunc("/system", h.AdminSystem).Methods("GET")
	admin.HandleFunc("/images/pull", h.AdminPullImages).Methods("POST")
	admin.HandleFunc("/events", h.StreamEvents).Methods("GET")

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", OwnerHeader, "X-Admin-Token"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
	})
	return c.Handler(r)
}

// NewServer wraps handler in an http.Server with conservative timeouts.
// WriteTimeout stays unset because session creation and the event stream
// are long-lived.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
