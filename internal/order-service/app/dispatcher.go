package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

// Dispatcher sends notifications in the background. A slow or failing
// notifier never blocks or rolls back the ledger write that produced the
// event.
type Dispatcher struct {
	notifier ports.Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(notifier ports.Notifier, timeout time.Duration) *Dispatcher {
	return &Dispatcher{notifier: notifier, timeout: timeout}
}

// Dispatch returns immediately. The send keeps the trace of ctx but not its
// cancellation, so it outlives the HTTP request.
func (d *Dispatcher) Dispatch(ctx context.Context, ev ports.Event) {
	if d == nil || d.notifier == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	sendCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(sendCtx, "notifier panicked", "event", ev.Type, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(sendCtx, d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, ev); err != nil {
			slog.WarnContext(ctx, "notification failed",
				"event", ev.Type,
				"order_id", ev.OrderID,
				"refund_id", ev.RefundID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every dispatched notification has finished. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
