package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	q querier
}

var _ ports.Tx = (*tx)(nil)

const orderColumns = `id, customer_email, currency, items, shipping_address, billing_address,
	billing_same_as_shipping, payment, shipping_price, total_price, total_refunded, refund_count,
	last_refunded_at, status, created_at, paid_at, delivered_at, updated_at, version`

const refundColumns = `id, order_id, gateway_payment_id, gateway_refund_id, idempotency_key, amount,
	currency, reason, status, initiated_by, customer_email, failure_reason, needs_reconciliation,
	created_at, updated_at, refunded_at`

func (t *tx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("sqlite: encode items: %w", err)
	}
	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("sqlite: encode shipping address: %w", err)
	}
	billing, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return fmt.Errorf("sqlite: encode billing address: %w", err)
	}
	payment, err := json.Marshal(o.Payment)
	if err != nil {
		return fmt.Errorf("sqlite: encode payment: %w", err)
	}

	const q = `INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if o.Version == 0 {
		o.Version = 1
	}
	_, err = t.q.ExecContext(ctx, q,
		o.ID,
		o.CustomerEmail,
		o.Currency,
		string(items),
		string(shipping),
		string(billing),
		o.BillingSameAsShipping,
		string(payment),
		o.ShippingPrice,
		o.TotalPrice,
		o.Refunds.TotalRefunded,
		o.Refunds.Count,
		formatNullableTime(o.Refunds.LastRefundedAt),
		string(o.Status),
		formatTime(o.CreatedAt),
		formatTime(o.PaidAt),
		formatNullableTime(o.DeliveredAt),
		formatTime(o.UpdatedAt),
		o.Version,
	)
	if isUniqueViolation(err) {
		return &domain.ConflictError{OrderID: o.ID, Reason: "order already exists"}
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert order %q: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder writes the mutable columns only. Totals, items and the payment
// record are never part of an UPDATE.
func (t *tx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	const q = `
		UPDATE orders
		SET    status = ?, total_refunded = ?, refund_count = ?, last_refunded_at = ?,
		       delivered_at = ?, updated_at = ?, version = version + 1
		WHERE  id = ? AND version = ?`

	res, err := t.q.ExecContext(ctx, q,
		string(o.Status),
		o.Refunds.TotalRefunded,
		o.Refunds.Count,
		formatNullableTime(o.Refunds.LastRefundedAt),
		formatNullableTime(o.DeliveredAt),
		formatTime(o.UpdatedAt),
		o.ID,
		o.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update order %q: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update order %q: %w", o.ID, err)
	}
	if n == 0 {
		return &domain.ConflictError{OrderID: o.ID, Reason: "order was modified concurrently"}
	}
	o.Version++
	return nil
}

func (t *tx) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return getRefund(ctx, t.q, id)
}

// ActiveRefund returns the pending or processing refund of an order, or nil.
func (t *tx) ActiveRefund(ctx context.Context, orderID string) (*domain.Refund, error) {
	q := "SELECT " + refundColumns + ` FROM refunds
		WHERE order_id = ? AND status IN ('pending', 'processing') LIMIT 1`

	ref, err := scanRefund(t.q.QueryRowContext(ctx, q, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: active refund of %q: %w", orderID, err)
	}
	return ref, nil
}

func (t *tx) InsertRefund(ctx context.Context, r *domain.Refund) error {
	const q = `INSERT INTO refunds (` + refundColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.q.ExecContext(ctx, q,
		r.ID,
		r.OrderID,
		r.GatewayPaymentID,
		r.GatewayRefundID,
		r.IdempotencyKey,
		r.Amount,
		r.Currency,
		r.Reason,
		string(r.Status),
		r.InitiatedBy,
		r.CustomerEmail,
		r.FailureReason,
		r.NeedsReconciliation,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		formatNullableTime(r.RefundedAt),
	)
	if isUniqueViolation(err) {
		reason := "order already has an active refund"
		if strings.Contains(err.Error(), "idempotency_key") {
			reason = "duplicate idempotency key"
		}
		return &domain.ConflictError{OrderID: r.OrderID, Reason: reason}
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert refund %q: %w", r.ID, err)
	}
	return nil
}

// UpdateRefund writes the mutable columns. A completed refund is immutable and
// the WHERE clause refuses to touch it.
func (t *tx) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	const q = `
		UPDATE refunds
		SET    gateway_refund_id = ?, status = ?, failure_reason = ?, needs_reconciliation = ?,
		       updated_at = ?, refunded_at = ?
		WHERE  id = ? AND status <> 'completed'`

	res, err := t.q.ExecContext(ctx, q,
		r.GatewayRefundID,
		string(r.Status),
		r.FailureReason,
		r.NeedsReconciliation,
		formatTime(r.UpdatedAt),
		formatNullableTime(r.RefundedAt),
		r.ID,
	)
	if isUniqueViolation(err) {
		return &domain.ConflictError{OrderID: r.OrderID, Reason: "order already has an active refund"}
	}
	if err != nil {
		return fmt.Errorf("sqlite: update refund %q: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update refund %q: %w", r.ID, err)
	}
	if n == 0 {
		return &domain.ConflictError{OrderID: r.OrderID, Reason: "refund " + r.ID + " is completed or missing"}
	}
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, e *eventlog.Entry) error {
	const q = `
		INSERT INTO order_events
			(order_id, refund_id, event_type, detail, trace_id, span_id, occurred_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?)`

	res, err := t.q.ExecContext(ctx, q,
		e.OrderID,
		e.RefundID,
		string(e.Type),
		e.Detail,
		e.TraceID,
		e.SpanID,
		formatTime(e.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append event for %q: %w", e.OrderID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func getOrder(ctx context.Context, q querier, id string) (*domain.Order, error) {
	row := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound("order", id, err)
	}
	return o, nil
}

func getRefund(ctx context.Context, q querier, id string) (*domain.Refund, error) {
	row := q.QueryRowContext(ctx, "SELECT "+refundColumns+" FROM refunds WHERE id = ?", id)
	r, err := scanRefund(row)
	if err != nil {
		return nil, notFound("refund", id, err)
	}
	return r, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                    domain.Order
		items, shipping, billing, payment    string
		status, createdAt, paidAt, updatedAt string
		lastRefundedAt, deliveredAt          sql.NullString
	)
	err := row.Scan(
		&o.ID,
		&o.CustomerEmail,
		&o.Currency,
		&items,
		&shipping,
		&billing,
		&o.BillingSameAsShipping,
		&payment,
		&o.ShippingPrice,
		&o.TotalPrice,
		&o.Refunds.TotalRefunded,
		&o.Refunds.Count,
		&lastRefundedAt,
		&status,
		&createdAt,
		&paidAt,
		&deliveredAt,
		&updatedAt,
		&o.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("sqlite: decode items of %q: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(shipping), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("sqlite: decode shipping address of %q: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(billing), &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("sqlite: decode billing address of %q: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(payment), &o.Payment); err != nil {
		return nil, fmt.Errorf("sqlite: decode payment of %q: %w", o.ID, err)
	}

	o.Status = domain.OrderStatus(status)
	if o.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if o.PaidAt, err = parseRFC3339(paidAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	if o.Refunds.LastRefundedAt, err = parseNullableTime(lastRefundedAt); err != nil {
		return nil, err
	}
	if o.DeliveredAt, err = parseNullableTime(deliveredAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanRefund(row rowScanner) (*domain.Refund, error) {
	var (
		r                    domain.Refund
		status               string
		createdAt, updatedAt string
		refundedAt           sql.NullString
	)
	err := row.Scan(
		&r.ID,
		&r.OrderID,
		&r.GatewayPaymentID,
		&r.GatewayRefundID,
		&r.IdempotencyKey,
		&r.Amount,
		&r.Currency,
		&r.Reason,
		&status,
		&r.InitiatedBy,
		&r.CustomerEmail,
		&r.FailureReason,
		&r.NeedsReconciliation,
		&createdAt,
		&updatedAt,
		&refundedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = domain.RefundStatus(status)
	if r.CreatedAt, err = parseRFC3339(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
		return nil, err
	}
	if r.RefundedAt, err = parseNullableTime(refundedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
