/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /health, /metrics       Liveness and Prometheus scrape (public)
  /api/pricing, tiers,
  leaderboards            Public reads
  /api/webhooks/*         Payment gateway (shared secret)
  /api/admin/*            Admin operations (admin password)
  /api/*                  Everything else (bearer token)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/server/app.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins    []string
	MetricsEnabled bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Auth, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerAdminPassword, headerAdminName},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Public reads
		r.Get("/pricing", h.GetPricing)
		r.Get("/streamers/{id}/tiers", h.ListTiers)
		r.Route("/leaderboards", func(r chi.Router) {
			r.Get("/supporters/{id}", h.TopSupporters)
			r.Get("/streamers", h.TopStreamers)
		})

		// Payment gateway
		r.With(auth.RequireWebhook).Post("/webhooks/payments", h.PaymentWebhook)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/coin-requests", h.ListPendingCoinRequests)
			r.Post("/coin-requests/{id}/approve", h.ApproveCoinRequest)
			r.Post("/coin-requests/{id}/reject", h.RejectCoinRequest)
			r.Post("/accounts/{id}/reset", h.ResetAccount)
			r.Post("/accounts/{id}/grant", h.GrantCoins)
			r.Post("/reconcile", h.Reconcile)
		})

		// Authenticated user routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)

			r.Route("/accounts", func(r chi.Router) {
				r.Post("/", h.OpenAccount)
				r.Get("/me", h.GetMyAccount)
				r.Get("/{id}", h.GetAccount)
				r.Get("/{id}/transactions", h.GetTransactions)
			})

			r.Post("/gifts", h.SendGift)
			r.Post("/post-gifts", h.SendPostGift)
			r.Post("/tips", h.SendTip)
			r.Post("/effects", h.BuyEffect)

			r.Post("/tiers", h.CreateTier)
			r.Route("/subscriptions", func(r chi.Router) {
				r.Get("/", h.ListSubscriptions)
				r.Post("/", h.Subscribe)
				r.Post("/{id}/cancel", h.CancelSubscription)
			})

			r.Post("/streams", h.RecordStream)
			r.Post("/rewards/daily", h.ClaimDaily)
			r.Route("/coin-requests", func(r chi.Router) {
				r.Get("/", h.ListMyCoinRequests)
				r.Post("/", h.SubmitCoinRequest)
			})
		})
	})

	return r
}
