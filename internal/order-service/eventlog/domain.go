// Package eventlog defines the append-only audit trail of order and refund
// lifecycle events.
//
// Every ledger mutation appends one entry inside the same transaction as the
// change it describes, so the trail never disagrees with the order rows. Each
// entry carries the trace_id/span_id of the request that produced it, which
// lets an operator jump from a suspicious refund straight to its trace.
package eventlog

import "time"

// Type names a lifecycle event.
type Type string

const (
	OrderCreated                Type = "order.created"
	OrderStatusChanged          Type = "order.status_changed"
	RefundInitiated             Type = "refund.initiated"
	RefundGatewayPending        Type = "refund.gateway_pending"
	RefundCompleted             Type = "refund.completed"
	RefundFailed                Type = "refund.failed"
	RefundRejected              Type = "refund.rejected"
	RefundReconciliationFlagged Type = "refund.reconciliation_flagged"
)

// Entry is a single row in the order_events table.
type Entry struct {
	ID int64

	// OrderID joins the entry with the order it describes.
	OrderID string

	// RefundID is empty for order-only events.
	RefundID string

	Type Type

	// Detail is a JSON object with event specific fields.
	Detail string

	TraceID string
	SpanID  string

	OccurredAt time.Time
}
