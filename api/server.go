/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/items/*    Tracked items and stock mutations
  /api/recipes/*  Recipe definitions and batch operations
  /api/alerts/*   Cost alerts and manual detection

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Item routes
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/audit", h.GetAuditTrail)

			r.Post("/{id}/purchase", h.RecordPurchase)
			r.Post("/{id}/purchase/reverse", h.ReversePurchase)
			r.Post("/{id}/use", h.WithdrawStock)
			r.Post("/{id}/waste", h.RecordWaste)
			r.Post("/{id}/adjust", h.AdjustStock)
		})

		// Recipe routes
		r.Route("/recipes", func(r chi.Router) {
			r.Post("/", h.SaveRecipe)
			r.Post("/{id}/production", h.DeductForProduction)
			r.Post("/{id}/production/cancel", h.RestoreForCancelledProduction)
			r.Post("/{id}/order", h.DeductForOrder)
			r.Post("/{id}/order/cancel", h.RestoreForCancelledOrder)
		})

		// Alert routes
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Post("/detect", h.RunDetection)
			r.Post("/{id}/read", h.MarkAlertRead)
			r.Post("/{id}/dismiss", h.DismissAlert)
		})
	})

	return r
}
