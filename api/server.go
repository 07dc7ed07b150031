/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:       Request logging
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. RequestID:    Unique ID per request for tracing
  4. CORS:         Cross-origin requests for the frontend
  5. RequireActor: Identity headers -> typed Actor (API routes only)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor-Id", "X-Actor-Role"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireActor)

		r.Route("/records", func(r chi.Router) {
			r.Post("/", h.SubmitRecord)
			r.Get("/", h.ListRecords)
			r.Get("/{id}", h.GetRecord)
			r.Put("/{id}", h.EditRecord)
			r.Post("/{id}/approve", h.ApproveRecord)
			r.Post("/{id}/reject", h.RejectRecord)
			r.Get("/{id}/decisions", h.ListDecisions)
		})

		r.Get("/students/{id}/records", h.ListStudentRecords)

		r.Route("/me", func(r chi.Router) {
			r.Post("/profile/setup", h.SetupProfile)
			r.Get("/profile", h.GetProfile)
			r.Get("/rewards", h.ListRewards)
			r.Get("/notifications", h.ListNotifications)
			r.Get("/notifications/unread", h.UnreadNotifications)
			r.Post("/notifications/{id}/read", h.MarkNotificationRead)
		})

		r.Route("/classes", func(r chi.Router) {
			r.Post("/", h.CreateClass)
			r.Get("/{id}/tree", h.GetTree)
			r.Put("/{id}/tree", h.UpdateTree)
			r.Post("/{id}/students", h.EnrollStudent)
			r.Get("/{id}/students", h.ListStudents)
		})

		r.Get("/books/search", h.SearchBooks)
	})

	return r
}
