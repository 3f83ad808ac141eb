package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/adapters/httpx/middlewares"
)

// NewRouter wires the handler. requestTimeout bounds each request; gateway
// calls carry their own, shorter deadline.
func NewRouter(handler *Handler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)

	r.Group(func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(middleware.Timeout(requestTimeout))
		}

		r.Post("/orders", handler.CreateOrder)
		r.Get("/orders/{id}", handler.GetOrder)
		r.Get("/orders/{id}/events", handler.ListOrderEvents)
		r.Get("/orders/{id}/refunds", handler.ListOrderRefunds)
		r.Patch("/orders/{id}/status", handler.UpdateOrderStatus)

		r.Post("/refunds", handler.CreateRefund)
		r.Get("/refunds", handler.ListRefunds)
		r.Post("/refunds/reconcile", handler.Reconcile)
		r.Get("/refunds/{id}", handler.GetRefund)
		r.Patch("/refunds/{id}/status", handler.UpdateRefundStatus)
	})
	return r
}
