/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     logrus access log with the request id
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters and latency
  6. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /metrics              Prometheus scrape endpoint (public)
  /api/health           Liveness (public)
  /api/*                Authenticated (bearer token)
  /api/admin/*          Authenticated + admin role

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/metrics"
)

// RouterOptions carries the cross-cutting pieces the router needs.
type RouterOptions struct {
	Auth           *Authenticator
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log.WithField("component", "http")))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.Middleware)

			r.Get("/me", h.Me)
			r.Get("/ws", h.ServeWS)

			// Request routes
			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.CreateRequest)
				r.Get("/", h.ListRequests)
				r.Get("/stats", h.Stats)
				r.With(RequireAdmin).Get("/detailed", h.DetailedStats)
				r.Get("/{id}", h.GetRequest)
				r.With(RequireAdmin).Put("/{id}", h.UpdateStatus)
				r.Delete("/{id}", h.DeleteRequest)
			})

			// Notification routes
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.ListNotifications)
				r.Put("/mark-read", h.MarkAllRead)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/announcements", h.Announce)
				r.Get("/users", h.ListUsers)
				r.Put("/users/role", h.SetRole)
				r.Put("/users/{id}/balance", h.SetBalance)
				r.Post("/accrual/run", h.RunAccrual)
				r.Get("/accrual/runs", h.ListAccrualRuns)
			})
		})
	})

	return r
}
