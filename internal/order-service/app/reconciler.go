package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Examined        int `json:"examined"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	StillProcessing int `json:"stillProcessing"`
}

// Reconciler re-drives refunds stuck in processing. The gateway is called
// again with the refund's original idempotency key, so a refund the gateway
// already executed is reported back instead of paid twice.
type Reconciler struct {
	refunds *RefundService
	limiter *rate.Limiter
	grace   time.Duration
	batch   int
}

// NewReconciler paces gateway calls at perSecond. Refunds untouched for less
// than grace are left alone; at most batch are handled per sweep.
func NewReconciler(refunds *RefundService, perSecond float64, grace time.Duration, batch int) *Reconciler {
	return &Reconciler{
		refunds: refunds,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		grace:   grace,
		batch:   batch,
	}
}

// Sweep runs one pass. It stops early only when ctx is done.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Sweep")
	defer span.End()

	var report SweepReport
	stuck, err := r.refunds.ListRefunds(ctx, ports.RefundFilter{
		Status:        domain.RefundProcessing,
		UpdatedBefore: r.refunds.now().Add(-r.grace),
		Limit:         r.batch,
	})
	if err != nil {
		return report, err
	}

	for _, ref := range stuck {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Examined++

		// Shutdown stops the sweep between refunds, never inside one.
		opCtx := context.WithoutCancel(ctx)
		res, gwErr := r.refunds.gateway.Refund(opCtx, gatewayRefundRequest(ref))
		updated := r.refunds.applyOutcome(opCtx, ref, res, gwErr)

		switch updated.Status {
		case domain.RefundCompleted:
			report.Completed++
		case domain.RefundFailed:
			report.Failed++
		default:
			report.StillProcessing++
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.examined", report.Examined),
		attribute.Int("reconcile.completed", report.Completed),
		attribute.Int("reconcile.failed", report.Failed),
	)
	if report.Examined > 0 {
		slog.InfoContext(ctx, "reconciliation sweep finished",
			"examined", report.Examined,
			"completed", report.Completed,
			"failed", report.Failed,
			"still_processing", report.StillProcessing,
		)
	}
	return report, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
			}
		}
	}
}
