package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/cache"
)

const (
	// checkoutReplayTTL is how long an Idempotency-Key maps to its order.
	checkoutReplayTTL = 24 * time.Hour
	// checkoutLockTTL bounds how long an in-flight checkout holds its key.
	checkoutLockTTL = 2 * time.Minute

	inFlightMarker = "in-flight"
)

// CheckoutRequest is a customer's order submission.
type CheckoutRequest struct {
	Input       domain.OrderInput
	SourceToken string

	// IdempotencyKey is the client's Idempotency-Key header, possibly empty.
	IdempotencyKey string
}

type CheckoutResult struct {
	Order  *domain.Order
	Charge *ports.ChargeResult

	// Replayed is set when the order was created by an earlier request with
	// the same idempotency key.
	Replayed bool
}

// Checkout charges the customer and records the order.
type Checkout struct {
	ledger     *Ledger
	gateway    ports.Gateway
	cache      cache.Cache
	dispatcher *Dispatcher
	newID      func() string
}

func NewCheckout(ledger *Ledger, gateway ports.Gateway, c cache.Cache, dispatcher *Dispatcher) *Checkout {
	return &Checkout{
		ledger:     ledger,
		gateway:    gateway,
		cache:      c,
		dispatcher: dispatcher,
		newID:      uuid.NewString,
	}
}

// PlaceOrder validates, charges, then persists. Gateway failures come back as
// *ports.GatewayError. A write failure after a successful charge comes back as
// *domain.PersistenceError with the payment id and is never compensated
// automatically.
func (c *Checkout) PlaceOrder(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := tracer.Start(ctx, "Checkout.PlaceOrder")
	defer span.End()

	in := req.Input
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SourceToken) == "" {
		return nil, domain.NewValidationError("sourceToken", "is required")
	}

	var replayKey string
	if req.IdempotencyKey != "" {
		replayKey = c.cache.GenerateKey("create", req.IdempotencyKey)
		res, err := c.claim(ctx, replayKey)
		if err != nil || res != nil {
			return res, err
		}
	}

	chargeKey := ports.NewIdempotencyKey("charge")
	if req.IdempotencyKey != "" {
		chargeKey = "charge:" + req.IdempotencyKey
	}
	billing := in.BillingAddress
	if in.BillingSameAsShipping {
		billing = in.ShippingAddress
	}

	// Once the charge is sent only the gateway deadline bounds it, and the
	// order write runs even if the client has gone.
	opCtx := context.WithoutCancel(ctx)

	total := in.Total()
	charge, err := c.gateway.Charge(opCtx, ports.ChargeRequest{
		Amount:         total,
		Currency:       strings.ToUpper(in.Currency),
		SourceToken:    req.SourceToken,
		IdempotencyKey: chargeKey,
		BillingAddress: billing,
		BuyerEmail:     in.CustomerEmail,
	})
	if err != nil {
		c.release(opCtx, replayKey)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "charge failed")
		slog.WarnContext(ctx, "charge failed", "email", in.CustomerEmail, "amount", total.StringFixed(2), "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", charge.PaymentID))

	payment := domain.PaymentRecord{
		GatewayPaymentID: charge.PaymentID,
		Amount:           total,
		Currency:         strings.ToUpper(in.Currency),
		Status:           charge.Status,
		Risk:             charge.Risk,
		IdempotencyKey:   chargeKey,
	}
	confirmed := charge.Status == ports.GatewayStatusCompleted

	order, err := c.ledger.CreateOrder(opCtx, c.newID(), in, payment, confirmed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "order not recorded")
		return nil, c.orphaned(opCtx, in, payment, err)
	}

	if replayKey != "" {
		if err := c.cache.Set(opCtx, replayKey, order.ID, checkoutReplayTTL); err != nil {
			slog.WarnContext(ctx, "failed to store checkout replay key", "order_id", order.ID, "error", err)
		}
	}

	slog.InfoContext(ctx, "order placed",
		"order_id", order.ID,
		"payment_id", charge.PaymentID,
		"total", order.TotalPrice.StringFixed(2),
		"status", order.Status,
	)
	c.dispatcher.Dispatch(ctx, ports.Event{
		Type:          ports.EventOrderConfirmed,
		OrderID:       order.ID,
		PaymentID:     charge.PaymentID,
		CustomerEmail: order.CustomerEmail,
		Amount:        order.TotalPrice.StringFixed(2),
		Currency:      order.Currency,
		Status:        string(order.Status),
	})
	return &CheckoutResult{Order: order, Charge: charge}, nil
}

// claim reserves the replay key for this request. It returns a result when
// the key already produced an order, and a ConflictError when another request
// with the same key is still running.
func (c *Checkout) claim(ctx context.Context, key string) (*CheckoutResult, error) {
	ok, err := c.cache.SetNX(ctx, key, inFlightMarker, checkoutLockTTL)
	if err != nil {
		// The gateway still dedups the charge on charge:<key>.
		slog.WarnContext(ctx, "checkout replay cache unavailable", "key", key, "error", err)
		return nil, nil
	}
	if ok {
		return nil, nil
	}

	orderID, err := c.cache.Get(ctx, key)
	if err != nil || orderID == "" {
		return nil, nil
	}
	if orderID == inFlightMarker {
		return nil, &domain.ConflictError{Reason: "a checkout with this idempotency key is in progress"}
	}
	order, err := c.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "checkout replayed", "order_id", order.ID)
	return &CheckoutResult{
		Order: order,
		Charge: &ports.ChargeResult{
			PaymentID: order.Payment.GatewayPaymentID,
			Status:    order.Payment.Status,
			Risk:      order.Payment.Risk,
		},
		Replayed: true,
	}, nil
}

func (c *Checkout) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.cache.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "failed to release checkout key", "key", key, "error", err)
	}
}

// orphaned handles money captured without an order. It is logged at the
// highest severity and left for manual reconciliation; the replay key stays
// claimed so a retry cannot charge again.
func (c *Checkout) orphaned(ctx context.Context, in domain.OrderInput, payment domain.PaymentRecord, err error) error {
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) {
		perr = &domain.PersistenceError{Op: "create order", PaymentID: payment.GatewayPaymentID, Err: err}
	}

	slog.ErrorContext(ctx, "CRITICAL: payment captured but order not recorded",
		"payment_id", payment.GatewayPaymentID,
		"amount", payment.Amount.StringFixed(2),
		"currency", payment.Currency,
		"email", in.CustomerEmail,
		"error", err,
	)
	c.dispatcher.Dispatch(ctx, ports.Event{
		Type:          ports.EventPaymentOrphaned,
		PaymentID:     payment.GatewayPaymentID,
		CustomerEmail: in.CustomerEmail,
		Amount:        payment.Amount.StringFixed(2),
		Currency:      payment.Currency,
		Reason:        err.Error(),
	})
	return perr
}
