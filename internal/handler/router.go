package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/shopcore-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса shopcore.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
			r.Post("/orders/{number}/pay", h.UpdateOrderStatus(h.service.PayOrder))
			r.Post("/orders/{number}/cancel", h.UpdateOrderStatus(h.service.CancelOrder))
			r.Post("/orders/{number}/refund", h.UpdateOrderStatus(h.service.RefundOrder))

			r.Get("/coupons", h.GetCoupons)
			r.Post("/coupons/{id}/issue", h.IssueCoupon)
			r.Get("/user/coupons", h.GetUserCoupons)

			r.Post("/admin/coupons", h.ConfigureCoupon)
			r.Get("/admin/events/dead-letters", h.GetDeadLetters)
			r.Post("/admin/events/{id}/requeue", h.RequeueDeadLetter)
		})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
