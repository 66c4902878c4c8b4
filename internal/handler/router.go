package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/avolkov/loyaltypos/internal/middleware"
	"github.com/avolkov/loyaltypos/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса loyaltypos.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	// text/event-stream не входит в сжимаемые типы, SSE не буферизуется.
	r.Use(chimiddleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/menu", h.ListMenu)
		r.Get("/account", h.GetAccount)
		r.Get("/account/points", h.GetPointEntries)
		r.Get("/reservations", h.ListReservations)
		r.Get("/stream", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRoles(model.RoleCustomer))

			r.Post("/reservations", h.CreateReservation)
			r.Post("/reservations/{id}/cancel", h.CancelReservation)
		})

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRoles(model.RoleCashier, model.RoleAdmin))

			r.Post("/reservations/{id}/status", h.SetReservationStatus)
			r.Get("/accounts/search", h.SearchAccount)
		})

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRoles(model.RoleCashier))

			r.Get("/cart", h.GetCart)
			r.Post("/cart/items", h.AddCartLine)
			r.Delete("/cart/items/{id}", h.RemoveCartLine)
			r.Post("/cart/customer", h.LinkCartCustomer)
			r.Delete("/cart/customer", h.UnlinkCartCustomer)
			r.Post("/cart/checkout", h.Checkout)
		})

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRoles(model.RoleAdmin))

			r.Post("/menu", h.AddMenuItem)
			r.Patch("/menu/{id}/stock", h.UpdateMenuStock)
			r.Patch("/menu/{id}/price", h.UpdateMenuPrice)
			r.Post("/menu/{id}/decrement", h.DecrementMenuStock)
			r.Delete("/menu/{id}", h.DeleteMenuItem)
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
