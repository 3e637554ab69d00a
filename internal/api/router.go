package api

import (
	"github.com/go-chi/chi/v5"
)

// Routes assembles the HTTP surface. Public endpoints first, then the
// authenticated group, then the admin group.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/market/status", h.GetMarketStatus)
	r.Get("/instruments", h.ListInstruments)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetOrderHistory)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/account", h.GetAccount)
		r.Post("/account/deposit", h.Deposit)
		r.Post("/account/withdraw", h.Withdraw)

		r.Group(func(r chi.Router) {
			r.Use(h.AdminOnlyMiddleware)
			r.Post("/admin/instruments", h.CreateInstrument)
			r.Put("/admin/schedule/{day}", h.SetSchedule)
			r.Put("/admin/overrides/{date}", h.SetOverride)
		})
	})

	return r
}
