package httpx

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/app"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
)

type CreateOrderRequest struct {
	SourceToken           string              `json:"sourceToken"`
	TotalPrice            decimal.NullDecimal `json:"totalPrice"`
	Currency              string              `json:"currency"`
	Email                 string              `json:"email"`
	OrderedItems          []OrderedItemDTO    `json:"orderedItems"`
	ShippingAddress       AddressDTO          `json:"shippingAddress"`
	BillingAddress        AddressDTO          `json:"billingAddress"`
	BillingSameAsShipping bool                `json:"billingSameAsShipping"`
	ShippingPrice         decimal.NullDecimal `json:"shippingPrice"`
}

type OrderedItemDTO struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
}

type AddressDTO struct {
	FullName   string `json:"fullName"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type CreateRefundRequest struct {
	OrderID     string              `json:"orderId"`
	Amount      decimal.NullDecimal `json:"amount"`
	Reason      string              `json:"reason"`
	InitiatedBy string              `json:"initiatedBy,omitempty"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type CheckoutResponse struct {
	Order    OrderResponse   `json:"order"`
	Payment  PaymentResponse `json:"payment"`
	Replayed bool            `json:"replayed,omitempty"`
}

type PaymentResponse struct {
	GatewayPaymentID string            `json:"gatewayPaymentId"`
	Amount           string            `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Risk             map[string]string `json:"risk,omitempty"`
}

type OrderResponse struct {
	ID                    string              `json:"id"`
	Email                 string              `json:"email"`
	Currency              string              `json:"currency"`
	Status                string              `json:"status"`
	Items                 []OrderItemResponse `json:"orderedItems"`
	ShippingAddress       AddressDTO          `json:"shippingAddress"`
	BillingAddress        AddressDTO          `json:"billingAddress"`
	BillingSameAsShipping bool                `json:"billingSameAsShipping"`
	ShippingPrice         string              `json:"shippingPrice"`
	TotalPrice            string              `json:"totalPrice"`
	TotalRefunded         string              `json:"totalRefunded"`
	RefundCount           int                 `json:"refundCount"`
	AvailableForRefund    string              `json:"availableForRefund"`
	LastRefundedAt        *time.Time          `json:"lastRefundedAt,omitempty"`
	Payment               PaymentResponse     `json:"payment"`
	CreatedAt             time.Time           `json:"createdAt"`
	PaidAt                time.Time           `json:"paidAt"`
	DeliveredAt           *time.Time          `json:"deliveredAt,omitempty"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

type OrderItemResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

type RefundResponse struct {
	ID                  string     `json:"id"`
	OrderID             string     `json:"orderId"`
	GatewayPaymentID    string     `json:"gatewayPaymentId"`
	GatewayRefundID     string     `json:"gatewayRefundId,omitempty"`
	Amount              string     `json:"amount"`
	Currency            string     `json:"currency"`
	Reason              string     `json:"reason"`
	Status              string     `json:"status"`
	InitiatedBy         string     `json:"initiatedBy"`
	CustomerEmail       string     `json:"customerEmail"`
	FailureReason       string     `json:"failureReason,omitempty"`
	NeedsReconciliation bool       `json:"needsReconciliation"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	RefundedAt          *time.Time `json:"refundedAt,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	OrderID    string          `json:"orderId"`
	RefundID   string          `json:"refundId,omitempty"`
	Type       string          `json:"type"`
	Detail     json.RawMessage `json:"detail"`
	TraceID    string          `json:"traceId,omitempty"`
	SpanID     string          `json:"spanId,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// ErrorResponse is the body of every non-2xx reply. Available is set for
// limit errors, PaymentID when money was captured but the order was not
// recorded.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Available string `json:"available,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

func (r CreateOrderRequest) toInput() domain.OrderInput {
	items := make([]domain.LineItem, len(r.OrderedItems))
	for i, it := range r.OrderedItems {
		items[i] = domain.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.Price,
			Size:      it.Size,
			Color:     it.Color,
		}
	}
	shipping := decimal.Zero
	if r.ShippingPrice.Valid {
		shipping = r.ShippingPrice.Decimal
	}
	return domain.OrderInput{
		CustomerEmail:         r.Email,
		Currency:              r.Currency,
		Items:                 items,
		ShippingAddress:       domain.Address(r.ShippingAddress),
		BillingAddress:        domain.Address(r.BillingAddress),
		BillingSameAsShipping: r.BillingSameAsShipping,
		ShippingPrice:         shipping,
		ExpectedTotal:         r.TotalPrice,
	}
}

func mapCheckoutToResponse(res *app.CheckoutResult) CheckoutResponse {
	out := CheckoutResponse{
		Order:    mapOrderToResponse(res.Order),
		Replayed: res.Replayed,
	}
	out.Payment = out.Order.Payment
	if res.Charge != nil {
		out.Payment.Status = res.Charge.Status
		out.Payment.Risk = res.Charge.Risk
	}
	return out
}

func mapOrderToResponse(o *domain.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			Price:     it.UnitPrice.StringFixed(2),
			Size:      it.Size,
			Color:     it.Color,
		}
	}
	return OrderResponse{
		ID:                    o.ID,
		Email:                 o.CustomerEmail,
		Currency:              o.Currency,
		Status:                o.Status.String(),
		Items:                 items,
		ShippingAddress:       AddressDTO(o.ShippingAddress),
		BillingAddress:        AddressDTO(o.BillingAddress),
		BillingSameAsShipping: o.BillingSameAsShipping,
		ShippingPrice:         o.ShippingPrice.StringFixed(2),
		TotalPrice:            o.TotalPrice.StringFixed(2),
		TotalRefunded:         o.Refunds.TotalRefunded.StringFixed(2),
		RefundCount:           o.Refunds.Count,
		AvailableForRefund:    o.Available().StringFixed(2),
		LastRefundedAt:        o.Refunds.LastRefundedAt,
		Payment: PaymentResponse{
			GatewayPaymentID: o.Payment.GatewayPaymentID,
			Amount:           o.Payment.Amount.StringFixed(2),
			Currency:         o.Payment.Currency,
			Status:           o.Payment.Status,
			Risk:             o.Payment.Risk,
		},
		CreatedAt:   o.CreatedAt,
		PaidAt:      o.PaidAt,
		DeliveredAt: o.DeliveredAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func mapRefundToResponse(r *domain.Refund) RefundResponse {
	return RefundResponse{
		ID:                  r.ID,
		OrderID:             r.OrderID,
		GatewayPaymentID:    r.GatewayPaymentID,
		GatewayRefundID:     r.GatewayRefundID,
		Amount:              r.Amount.StringFixed(2),
		Currency:            r.Currency,
		Reason:              r.Reason,
		Status:              string(r.Status),
		InitiatedBy:         r.InitiatedBy,
		CustomerEmail:       r.CustomerEmail,
		FailureReason:       r.FailureReason,
		NeedsReconciliation: r.NeedsReconciliation,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		RefundedAt:          r.RefundedAt,
	}
}

func mapRefunds(refunds []*domain.Refund) []RefundResponse {
	out := make([]RefundResponse, len(refunds))
	for i, r := range refunds {
		out[i] = mapRefundToResponse(r)
	}
	return out
}

func mapEvents(entries []*eventlog.Entry) []EventResponse {
	out := make([]EventResponse, len(entries))
	for i, e := range entries {
		detail := json.RawMessage(e.Detail)
		if !json.Valid(detail) {
			detail = json.RawMessage("{}")
		}
		out[i] = EventResponse{
			ID:         e.ID,
			OrderID:    e.OrderID,
			RefundID:   e.RefundID,
			Type:       string(e.Type),
			Detail:     detail,
			TraceID:    e.TraceID,
			SpanID:     e.SpanID,
			OccurredAt: e.OccurredAt,
		}
	}
	return out
}
