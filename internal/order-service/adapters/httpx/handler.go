package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/app"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors/constants"
)

// Pinger reports whether the storage behind the handler is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the order and refund endpoints.
type Handler struct {
	checkout   *app.Checkout
	ledger     *app.Ledger
	refunds    *app.RefundService
	reconciler *app.Reconciler
	health     Pinger
}

func NewHandler(checkout *app.Checkout, ledger *app.Ledger, refunds *app.RefundService, reconciler *app.Reconciler, health Pinger) *Handler {
	return &Handler{
		checkout:   checkout,
		ledger:     ledger,
		refunds:    refunds,
		reconciler: reconciler,
		health:     health,
	}
}

// CreateOrder charges the customer and records the order. A replay of an
// Idempotency-Key that already produced an order answers 200 with it.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.TotalPrice.Valid {
		writeError(w, http.StatusBadRequest, "validation_error", "totalPrice is required")
		return
	}

	idempKey, _ := r.Context().Value(constants.ContextKeyIdempotencyKey).(string)
	slog.InfoContext(r.Context(), "creating order", "email", req.Email, "idempotency_key", idempKey)

	res, err := h.checkout.PlaceOrder(r.Context(), app.CheckoutRequest{
		Input:          req.toInput(),
		SourceToken:    req.SourceToken,
		IdempotencyKey: idempKey,
	})
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, mapCheckoutToResponse(res))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.ledger.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(order))
}

func (h *Handler) ListOrderEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapEvents(entries))
}

func (h *Handler) ListOrderRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.refunds.ListOrderRefunds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapRefunds(refunds))
}

// UpdateOrderStatus is the admin delivery-status update.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.ledger.SetStatus(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Status))
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(order))
}

// CreateRefund answers 201 with the refund record whatever the gateway did;
// a gateway failure shows up as a failed refund, not as an HTTP error.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "orderId is required")
		return
	}
	if !req.Amount.Valid {
		writeError(w, http.StatusBadRequest, "validation_error", "amount is required")
		return
	}

	initiatedBy := strings.TrimSpace(req.InitiatedBy)
	if initiatedBy == "" {
		initiatedBy = interceptors.Operator(r.Context())
	}

	ref, err := h.refunds.RequestRefund(r.Context(), app.RefundRequest{
		OrderID:     req.OrderID,
		Amount:      req.Amount.Decimal,
		Reason:      req.Reason,
		InitiatedBy: initiatedBy,
	})
	if err != nil {
		writeDomainError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, mapRefundToResponse(ref))
}

func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	ref, err := h.refunds.GetRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapRefundToResponse(ref))
}

// ListRefunds filters by ?status= and ?email=.
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	filter := ports.RefundFilter{CustomerEmail: strings.TrimSpace(r.URL.Query().Get("email"))}
	if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
		st, err := domain.ParseRefundStatus(s)
		if err != nil {
			writeDomainError(w, r, err, http.StatusConflict)
			return
		}
		filter.Status = st
	}

	refunds, err := h.refunds.ListRefunds(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapRefunds(refunds))
}

// UpdateRefundStatus is the admin manual override.
func (h *Handler) UpdateRefundStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := h.refunds.UpdateRefundStatusManually(r.Context(), chi.URLParam(r, "id"),
		strings.TrimSpace(req.Status), interceptors.Operator(r.Context()))
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, mapRefundToResponse(ref))
}

// Reconcile runs one reconciliation sweep inline.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, r, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// writeDomainError maps the error taxonomy onto HTTP. conflictStatus differs
// per endpoint: refund creation reports a tripped guard as 400, the rest as
// 409.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, conflictStatus int) {
	var (
		limitErr   *domain.LimitExceededError
		persistErr *domain.PersistenceError
		gwErr      *ports.GatewayError
	)
	switch {
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     "limit_exceeded",
			Message:   err.Error(),
			Available: limitErr.Available.StringFixed(2),
		})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, conflictStatus, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &persistErr) && persistErr.PaymentID != "":
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:     "order_not_recorded",
			Message:   "payment was captured but the order could not be saved; contact support with the payment id",
			PaymentID: persistErr.PaymentID,
		})
	case errors.As(err, &gwErr):
		writeError(w, http.StatusInternalServerError, "payment_failed", gwErr.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
