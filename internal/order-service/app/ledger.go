package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

// Ledger is the single writer of order financial state. Every mutation runs
// in one repository transaction together with its audit entry.
type Ledger struct {
	repo       ports.Repository
	dispatcher *Dispatcher
	now        func() time.Time
}

func NewLedger(repo ports.Repository, dispatcher *Dispatcher) *Ledger {
	return &Ledger{
		repo:       repo,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder persists an order for a captured payment. Validation failures
// come back as *domain.ValidationError; a failed write as
// *domain.PersistenceError carrying the gateway payment id.
func (l *Ledger) CreateOrder(ctx context.Context, id string, in domain.OrderInput, payment domain.PaymentRecord, paymentConfirmed bool) (*domain.Order, error) {
	o, err := domain.NewOrder(id, in, payment, paymentConfirmed, l.now())
	if err != nil {
		return nil, err
	}

	err = l.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, o.ID, "", eventlog.OrderCreated, map[string]any{
			"total":     o.TotalPrice.StringFixed(2),
			"currency":  o.Currency,
			"status":    o.Status,
			"paymentId": o.Payment.GatewayPaymentID,
		}))
	})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "create order", PaymentID: payment.GatewayPaymentID, Err: err}
	}
	return o, nil
}

func (l *Ledger) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return l.repo.GetOrder(ctx, id)
}

// Events returns the audit trail of an order.
func (l *Ledger) Events(ctx context.Context, orderID string) ([]*eventlog.Entry, error) {
	if _, err := l.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return l.repo.ListByOrder(ctx, orderID)
}

// ApplyRefund adds a completed refund amount to the order aggregate.
func (l *Ledger) ApplyRefund(ctx context.Context, orderID string, amount decimal.Decimal, completedAt time.Time) (*domain.Order, error) {
	var o *domain.Order
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		o, err = l.applyRefundTx(ctx, tx, orderID, "", amount, completedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// applyRefundTx is ApplyRefund inside a caller's transaction. The aggregate
// limit is checked again here; UpdateOrder's version check catches a writer
// that slipped in between.
func (l *Ledger) applyRefundTx(ctx context.Context, tx ports.Tx, orderID, refundID string, amount decimal.Decimal, at time.Time) (*domain.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if err := o.ApplyRefund(amount, at); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	if from != o.Status {
		err := tx.AppendEvent(ctx, eventlog.NewEntry(ctx, o.ID, refundID, eventlog.OrderStatusChanged, map[string]any{
			"from": from,
			"to":   o.Status,
		}))
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SetStatus applies an operator delivery-lifecycle transition. Requesting the
// current status is a no-op.
func (l *Ledger) SetStatus(ctx context.Context, orderID, status string) (*domain.Order, error) {
	to, err := domain.ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}

	var (
		o       *domain.Order
		from    domain.OrderStatus
		changed bool
	)
	err = l.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		if o, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		from = o.Status
		if err := o.SetStatus(to, l.now()); err != nil {
			return err
		}
		if changed = from != o.Status; !changed {
			return nil
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, o.ID, "", eventlog.OrderStatusChanged, map[string]any{
			"from": from,
			"to":   o.Status,
		}))
	})
	if err != nil {
		return nil, err
	}

	if changed {
		l.dispatcher.Dispatch(ctx, ports.Event{
			Type:          ports.EventOrderStatusChanged,
			OrderID:       o.ID,
			CustomerEmail: o.CustomerEmail,
			Status:        string(o.Status),
			Reason:        "status changed from " + string(from),
		})
	}
	return o, nil
}
