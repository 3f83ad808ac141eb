package ports

import (
	"context"
	"time"
)

// Customer and operator facing lifecycle events.
const (
	EventOrderConfirmed     = "order.confirmed"
	EventOrderStatusChanged = "order.status_changed"
	EventRefundInitiated    = "refund.initiated"
	EventRefundCompleted    = "refund.completed"
	EventRefundFailed       = "refund.failed"
	EventRefundRejected     = "refund.rejected"
	EventPaymentOrphaned    = "payment.orphaned"
)

type Event struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"orderId,omitempty"`
	RefundID      string    `json:"refundId,omitempty"`
	PaymentID     string    `json:"paymentId,omitempty"`
	CustomerEmail string    `json:"customerEmail"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Status        string    `json:"status,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Notifier delivers an event to customers or operators. Failures are
// reported to the caller, which logs them and moves on.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}
