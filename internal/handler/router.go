package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/starshop/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/invoices", h.CreateInvoice)
			r.Post("/pre-authorize", h.PreAuthorize)
			r.Post("/confirm", h.ConfirmPayment)
		})

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.RegisterUser)
			r.Get("/{id}/orders", h.GetUserOrders)
			r.Get("/{id}/referral.png", h.GetReferralQR)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/deferred.xlsx", h.ExportDeferredOrders)
			r.Post("/orders/{id}/resolve", h.ResolveOrder)
			r.Get("/stats", h.GetStats)
			r.Get("/security-logs", h.ListSecurityLogs)
			r.Post("/products", h.CreateProduct)
			r.Get("/products/{id}", h.GetProduct)
			r.Post("/products/{id}/codes", h.AddCodes)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
