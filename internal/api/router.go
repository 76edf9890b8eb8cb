/**
 * @description
 * This file sets up the HTTP router for the escrow-service using the
 * chi router. It defines the API routes, wires them to their respective
 * handlers, and applies necessary middleware for logging, recovery, and
 * authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: The routing library.
 * - internal/platform/metrics: Prometheus scrape endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ultimart/escrow-service/internal/platform/metrics"
)

// NewRouter creates and configures a new chi router for the service.
func NewRouter(handlers *ListingHandlers, jwksURL, internalAPIKey string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Marketplace routes require an authenticated wallet session.
	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(jwksURL))
		r.Post("/listings", handlers.CreateListingHandler)
		r.Post("/unlist", handlers.CancelListingHandler)
		r.Post("/purchase", handlers.PurchaseHandler)
		r.Get("/listings/{asset}", handlers.GetListingHandler)
	})

	// Operator routes are protected by a shared internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))
		r.Post("/notify", handlers.NotifyHandler)
		r.Post("/listings/cleanup", handlers.CleanupListingsHandler)
		r.Post("/reconcile/sweep", handlers.SweepHandler)
	})

	return r
}
