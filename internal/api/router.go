/**
 * @description
 * This file sets up the HTTP router for the relay service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the browser-facing claim-link surface.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RelayRoutes creates and returns a new router for the relay service.
func RelayRoutes(h *RelayHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Signed-authorization execution. Callers hold a full signed payload, so
	// no additional authentication applies here.
	r.Post("/transfers", h.ExecuteTransferHandler)
	r.Post("/claims", h.CreateClaimHandler)

	// The claim-link surface is opened by recipients from a browser.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/claims/{token}", h.GetClaimHandler)
		r.Post("/claims/{token}/execute", h.ExecuteClaimHandler)
	})

	// Operator endpoints.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))
		r.Get("/gas/balance", h.GasBalanceHandler)
		r.Post("/gas/refill", h.GasRefillHandler)
		r.Post("/internal/reconcile", h.ReconcileHandler)
	})

	return r
}
