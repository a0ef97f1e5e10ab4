package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/agromarket/internal/middleware"
	"github.com/mmeshcher/agromarket/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса агромаркета.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/notifications", h.GetNotifications)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireUserType(model.UserTypeCustomer))

				r.Get("/user/cart", h.GetCart)
				r.Post("/user/cart", h.AddToCart)
				r.Delete("/user/cart/{id}", h.RemoveFromCart)
				r.Post("/user/checkout", h.Checkout)
				r.Get("/user/orders", h.GetOrders)
			})

			r.With(custommiddleware.RequireUserType(model.UserTypeMember)).
				Post("/member/lots", h.AddLot)

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommiddleware.RequireUserType(model.UserTypeStaff))

				r.Get("/orders/suspicious", h.GetSuspiciousOrders)
				r.Delete("/orders/{id}/suspicion", h.ClearSuspicion)
				r.Post("/users/{id}/view-orders", h.GrantViewOrders)
			})
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
