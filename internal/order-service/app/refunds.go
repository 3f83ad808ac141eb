package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

var tracer = otel.Tracer("order-service")

// RefundRequest is an operator's request to give money back.
type RefundRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Reason      string
	InitiatedBy string
}

// RefundService validates refunds against the ledger, drives the gateway and
// writes the outcome back.
type RefundService struct {
	repo       ports.Repository
	ledger     *Ledger
	gateway    ports.Gateway
	dispatcher *Dispatcher
	now        func() time.Time
	newID      func() string
}

func NewRefundService(repo ports.Repository, ledger *Ledger, gateway ports.Gateway, dispatcher *Dispatcher) *RefundService {
	return &RefundService{
		repo:       repo,
		ledger:     ledger,
		gateway:    gateway,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// RequestRefund creates a refund and drives it through the gateway.
//
// Errors are returned only for the checks made before any money moves
// (missing order, invalid input, limit, active refund) or when the refund row
// cannot be written. Gateway failures are recorded on the returned refund.
func (s *RefundService) RequestRefund(ctx context.Context, req RefundRequest) (*domain.Refund, error) {
	ctx, span := tracer.Start(ctx, "RefundService.RequestRefund")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("refund.amount", req.Amount.String()),
	)

	var ref *domain.Refund
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		o, err := tx.GetOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if err := domain.ValidateRefundRequest(req.Amount, req.Reason); err != nil {
			return err
		}
		if available := o.Available(); req.Amount.GreaterThan(available) {
			return &domain.LimitExceededError{OrderID: o.ID, Requested: req.Amount, Available: available}
		}
		active, err := tx.ActiveRefund(ctx, o.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return &domain.ConflictError{OrderID: o.ID, Reason: "refund " + active.ID + " is still " + string(active.Status)}
		}

		id := s.newID()
		ref = domain.NewRefund(id, o, req.Amount, req.Reason, req.InitiatedBy, refundIdempotencyKey(id), s.now())
		if err := tx.InsertRefund(ctx, ref); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, o.ID, ref.ID, eventlog.RefundInitiated, map[string]any{
			"amount":      ref.Amount.StringFixed(2),
			"currency":    ref.Currency,
			"reason":      ref.Reason,
			"initiatedBy": ref.InitiatedBy,
		}))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("refund.id", ref.ID))

	slog.InfoContext(ctx, "refund initiated",
		"refund_id", ref.ID,
		"order_id", ref.OrderID,
		"amount", ref.Amount.StringFixed(2),
		"initiated_by", ref.InitiatedBy,
	)
	s.dispatcher.Dispatch(ctx, refundEvent(ports.EventRefundInitiated, ref))

	// The gateway call and the recording of its outcome are not cancelled
	// with the request.
	opCtx := context.WithoutCancel(ctx)
	res, gwErr := s.gateway.Refund(opCtx, gatewayRefundRequest(ref))
	if gwErr != nil {
		span.RecordError(gwErr)
	}
	return s.applyOutcome(opCtx, ref, res, gwErr), nil
}

// applyOutcome records a gateway result on the refund and returns the refund
// as stored afterwards. Storage errors here are logged, never returned: the
// refund stays processing and the reconciler picks it up.
func (s *RefundService) applyOutcome(ctx context.Context, ref *domain.Refund, res *ports.RefundResult, gwErr error) *domain.Refund {
	switch {
	case gwErr != nil && ports.IsGatewayTimeout(gwErr):
		return s.flagForReconciliation(ctx, ref, "", "gateway outcome unknown: "+gwErr.Error())

	case gwErr != nil:
		return s.fail(ctx, ref, gwErr.Error())

	case res == nil:
		return s.flagForReconciliation(ctx, ref, "", "gateway returned no result")

	case res.Status == ports.GatewayStatusCompleted:
		done, err := s.complete(ctx, ref.ID, res.RefundID, "")
		if err != nil {
			slog.ErrorContext(ctx, "refund completed at gateway but not recorded locally",
				"refund_id", ref.ID,
				"order_id", ref.OrderID,
				"gateway_refund_id", res.RefundID,
				"error", err,
			)
			return s.flagForReconciliation(ctx, ref, res.RefundID, "local completion failed: "+err.Error())
		}
		return done

	default:
		return s.markGatewayPending(ctx, ref, res)
	}
}

// complete moves a refund to completed and applies it to the order in one
// transaction. A refund that is already completed is returned unchanged, so
// the aggregate is incremented exactly once.
func (s *RefundService) complete(ctx context.Context, refundID, gatewayRefundID, completedBy string) (*domain.Refund, error) {
	var (
		ref     *domain.Refund
		order   *domain.Order
		changed bool
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		if ref, err = tx.GetRefund(ctx, refundID); err != nil {
			return err
		}
		now := s.now()
		if changed, err = ref.Complete(gatewayRefundID, now); err != nil || !changed {
			return err
		}
		if err := tx.UpdateRefund(ctx, ref); err != nil {
			return err
		}
		if order, err = s.ledger.applyRefundTx(ctx, tx, ref.OrderID, ref.ID, ref.Amount, now); err != nil {
			return err
		}
		detail := map[string]any{
			"amount":          ref.Amount.StringFixed(2),
			"gatewayRefundId": ref.GatewayRefundID,
			"totalRefunded":   order.Refunds.TotalRefunded.StringFixed(2),
		}
		if completedBy != "" {
			detail["completedBy"] = completedBy
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, ref.OrderID, ref.ID, eventlog.RefundCompleted, detail))
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return ref, nil
	}

	slog.InfoContext(ctx, "refund completed",
		"refund_id", ref.ID,
		"order_id", ref.OrderID,
		"amount", ref.Amount.StringFixed(2),
		"order_status", order.Status,
	)
	s.dispatcher.Dispatch(ctx, refundEvent(ports.EventRefundCompleted, ref))
	return ref, nil
}

func (s *RefundService) fail(ctx context.Context, ref *domain.Refund, reason string) *domain.Refund {
	updated, err := s.finish(ctx, ref.ID, domain.RefundFailed, reason, "")
	if err != nil {
		slog.ErrorContext(ctx, "failed to record gateway refund failure",
			"refund_id", ref.ID,
			"order_id", ref.OrderID,
			"gateway_error", reason,
			"error", err,
		)
		return s.reload(ctx, ref)
	}
	return updated
}

// finish moves an active refund to failed or rejected.
func (s *RefundService) finish(ctx context.Context, refundID string, to domain.RefundStatus, reason, by string) (*domain.Refund, error) {
	var ref *domain.Refund
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		if ref, err = tx.GetRefund(ctx, refundID); err != nil {
			return err
		}
		typ := eventlog.RefundFailed
		if to == domain.RefundRejected {
			typ = eventlog.RefundRejected
			err = ref.Reject(reason, s.now())
		} else {
			err = ref.Fail(reason, s.now())
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateRefund(ctx, ref); err != nil {
			return err
		}
		detail := map[string]any{"reason": reason}
		if by != "" {
			detail["by"] = by
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, ref.OrderID, ref.ID, typ, detail))
	})
	if err != nil {
		return nil, err
	}

	slog.WarnContext(ctx, "refund closed without payout",
		"refund_id", ref.ID,
		"order_id", ref.OrderID,
		"status", ref.Status,
		"reason", reason,
	)
	evType := ports.EventRefundFailed
	if to == domain.RefundRejected {
		evType = ports.EventRefundRejected
	}
	s.dispatcher.Dispatch(ctx, refundEvent(evType, ref))
	return ref, nil
}

// flagForReconciliation leaves the refund processing with the outcome marked
// unknown. gatewayRefundID is kept when the gateway already answered.
func (s *RefundService) flagForReconciliation(ctx context.Context, ref *domain.Refund, gatewayRefundID, reason string) *domain.Refund {
	var updated *domain.Refund
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		if updated, err = tx.GetRefund(ctx, ref.ID); err != nil {
			return err
		}
		if updated.Status.Terminal() {
			return nil
		}
		if gatewayRefundID != "" {
			updated.GatewayRefundID = gatewayRefundID
		}
		updated.FlagForReconciliation(reason, s.now())
		if err := tx.UpdateRefund(ctx, updated); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, updated.OrderID, updated.ID, eventlog.RefundReconciliationFlagged, map[string]any{
			"reason":          reason,
			"gatewayRefundId": updated.GatewayRefundID,
		}))
	})
	if err != nil {
		slog.ErrorContext(ctx, "CRITICAL: refund outcome unknown and not flagged",
			"refund_id", ref.ID,
			"order_id", ref.OrderID,
			"gateway_refund_id", gatewayRefundID,
			"reason", reason,
			"error", err,
		)
		return s.reload(ctx, ref)
	}

	slog.WarnContext(ctx, "refund flagged for reconciliation",
		"refund_id", updated.ID,
		"order_id", updated.OrderID,
		"reason", reason,
	)
	return updated
}

// markGatewayPending records an asynchronous gateway answer. The refund stays
// processing until a later call reports it completed.
func (s *RefundService) markGatewayPending(ctx context.Context, ref *domain.Refund, res *ports.RefundResult) *domain.Refund {
	var updated *domain.Refund
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		if updated, err = tx.GetRefund(ctx, ref.ID); err != nil {
			return err
		}
		if updated.Status.Terminal() {
			return nil
		}
		updated.GatewayRefundID = res.RefundID
		updated.NeedsReconciliation = false
		updated.FailureReason = ""
		updated.UpdatedAt = s.now()
		if err := tx.UpdateRefund(ctx, updated); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventlog.NewEntry(ctx, updated.OrderID, updated.ID, eventlog.RefundGatewayPending, map[string]any{
			"gatewayRefundId": res.RefundID,
			"gatewayStatus":   res.Status,
		}))
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record pending gateway refund",
			"refund_id", ref.ID,
			"gateway_refund_id", res.RefundID,
			"error", err,
		)
		return s.reload(ctx, ref)
	}
	slog.InfoContext(ctx, "refund pending at gateway", "refund_id", updated.ID, "gateway_refund_id", res.RefundID)
	return updated
}

// UpdateRefundStatusManually is the operator override. Only completed, failed
// and rejected are accepted, and only from an active refund. Completing an
// already completed refund is a no-op.
func (s *RefundService) UpdateRefundStatusManually(ctx context.Context, refundID, status, operator string) (*domain.Refund, error) {
	ctx, span := tracer.Start(ctx, "RefundService.UpdateRefundStatusManually")
	defer span.End()
	span.SetAttributes(attribute.String("refund.id", refundID), attribute.String("refund.status", status))

	to, err := domain.ParseRefundStatus(status)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	noop, err := current.CheckManualTransition(to)
	if err != nil {
		return nil, err
	}
	if noop {
		return current, nil
	}

	reason := "set to " + string(to) + " by operator"

	switch to {
	case domain.RefundCompleted:
		ref, err := s.complete(ctx, refundID, "", operatorOrUnknown(operator))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return ref, nil
	default:
		ref, err := s.finish(ctx, refundID, to, reason, operatorOrUnknown(operator))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return ref, nil
	}
}

func (s *RefundService) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return s.repo.GetRefund(ctx, id)
}

// ListOrderRefunds returns the refunds of an order, oldest first.
func (s *RefundService) ListOrderRefunds(ctx context.Context, orderID string) ([]*domain.Refund, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListRefunds(ctx, ports.RefundFilter{OrderID: orderID})
}

// ListRefunds serves operator queries by status and customer email.
func (s *RefundService) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]*domain.Refund, error) {
	return s.repo.ListRefunds(ctx, filter)
}

// reload returns the stored refund, or ref itself when even the read fails.
func (s *RefundService) reload(ctx context.Context, ref *domain.Refund) *domain.Refund {
	stored, err := s.repo.GetRefund(ctx, ref.ID)
	if err != nil {
		return ref
	}
	return stored
}

func refundIdempotencyKey(refundID string) string {
	return "refund:" + refundID
}

func gatewayRefundRequest(ref *domain.Refund) ports.RefundRequest {
	return ports.RefundRequest{
		PaymentID:      ref.GatewayPaymentID,
		Amount:         ref.Amount,
		Currency:       ref.Currency,
		IdempotencyKey: ref.IdempotencyKey,
		Reason:         ref.Reason,
	}
}

func refundEvent(typ string, ref *domain.Refund) ports.Event {
	return ports.Event{
		Type:          typ,
		OrderID:       ref.OrderID,
		RefundID:      ref.ID,
		PaymentID:     ref.GatewayPaymentID,
		CustomerEmail: ref.CustomerEmail,
		Amount:        ref.Amount.StringFixed(2),
		Currency:      ref.Currency,
		Status:        string(ref.Status),
		Reason:        ref.FailureReason,
	}
}

func operatorOrUnknown(operator string) string {
	if operator == "" {
		return "operator"
	}
	return operator
}
