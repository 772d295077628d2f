/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request, carried into log lines
  2. RealIP:         Client address behind a proxy
  3. RequestLogger:  zap access log
  4. Recoverer:      Panic recovery (500 instead of crash)
  5. CORS:           Cross-origin requests for the wallet frontend

ROUTE GROUPS:
  /api/auth/*      Register, login, logout
  /api/products    Public catalog
  /api/me/*        Wallet operations for the session's account
  /api/admin/*     Operator endpoints behind X-Admin-Key
  /healthz         Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Session and admin key checks
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.With(h.RequireSession).Post("/logout", h.Logout)
		})

		r.Get("/products", h.ListProducts)

		r.Route("/me", func(r chi.Router) {
			r.Use(h.RequireSession)
			r.Get("/", h.GetSummary)
			r.Post("/refresh", h.Refresh)
			r.Post("/checkin", h.Checkin)
			r.Get("/purchases", h.ListPurchases)
			r.Post("/purchases", h.CreatePurchase)
			r.Post("/purchases/{id}/settle", h.SettleOne)
			r.Post("/settle", h.SettleAccount)
			r.Get("/commissions", h.ListCommissions)
			r.Post("/commissions/withdraw", h.WithdrawCommissions)
			r.Get("/entries", h.ListEntries)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdminKey)
			r.Put("/products", h.UpsertProducts)
			r.Post("/settle", h.TriggerSettlement)
		})
	})

	return r
}
