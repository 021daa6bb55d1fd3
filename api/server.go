/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (method, path, status, duration, id)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  Bearer token (RequireUser): availability, overrides, admin payout actions
  Cron secret (RequireCron):  the batch payout sweep

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: token and cron-secret middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Cron-only batch sweep
		r.With(auth.RequireCron).Get("/payment-dispatcher/candidates", h.RunCandidates)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)

			// Availability routes
			r.Get("/availability", h.GetAvailability)
			r.Get("/availability/provider", h.GetProviderAvailability)
			r.Put("/services/{id}/pattern", h.SetPattern)
			r.Post("/available-dates", h.AddAvailableDates)
			r.Post("/unavailable-dates", h.AddUnavailableDates)
			r.Delete("/unavailability", h.DeleteUnavailability)

			// Payout routes (admin checked in billing.Service)
			r.Route("/payment-dispatcher", func(r chi.Router) {
				r.Post("/pay/{billingTransactionId}", h.PayTransaction)
				r.Post("/{id}/lock", h.LockTransaction)
				r.Post("/{id}/unlock", h.UnlockTransaction)
			})
			r.Post("/billing/transactions", h.RecordCharge)

			if h.Seeder != nil {
				r.Get("/scenarios", h.ListScenarios)
				r.Get("/scenarios/current", h.GetCurrentScenario)
				r.Post("/scenarios/load", h.LoadScenario)
			}
		})
	})

	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
