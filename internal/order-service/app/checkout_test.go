package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

func checkoutRequest(key string) CheckoutRequest {
	in := validInput("45.00")
	in.Items = append(in.Items, domain.LineItem{ProductID: "sku-2", Quantity: 2, UnitPrice: dec("25.00")})
	in.ShippingPrice = dec("5.00")
	in.ExpectedTotal = decimal.NewNullDecimal(dec("100.00"))
	return CheckoutRequest{Input: in, SourceToken: "tok_visa", IdempotencyKey: key}
}

func TestPlaceOrder_Success(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "100.00", res.Order.TotalPrice.StringFixed(2))
	assert.Equal(t, domain.StatusProcessing, res.Order.Status)
	assert.Equal(t, "charge:k-1", res.Order.Payment.IdempotencyKey)
	assert.Equal(t, res.Charge.PaymentID, res.Order.Payment.GatewayPaymentID)

	env.gateway.mu.Lock()
	charged := env.gateway.charges[0]
	env.gateway.mu.Unlock()
	assert.Equal(t, "100.00", charged.Amount.StringFixed(2))
	assert.Equal(t, "Ada Lovelace", charged.BillingAddress.FullName)

	env.dispatcher.Wait()
	assert.Equal(t, []string{ports.EventOrderConfirmed}, env.notifier.types())
}

func TestPlaceOrder_PendingCharge(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.chargeStatus = ports.GatewayStatusPending

	res, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest(""))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Order.Status)
}

func TestPlaceOrder_ValidationBeforeCharge(t *testing.T) {
	env := newTestEnv(t)

	req := checkoutRequest("k-1")
	req.Input.ExpectedTotal = decimal.NewNullDecimal(dec("99.99"))
	_, err := env.checkout.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = checkoutRequest("k-2")
	req.SourceToken = ""
	_, err = env.checkout.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = checkoutRequest("k-3")
	req.Input.Items = nil
	_, err = env.checkout.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, env.gateway.chargeCount())
}

func TestPlaceOrder_GatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.chargeErr = &ports.GatewayError{Op: "charge", Message: "card declined"}

	_, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-1"))
	var gwErr *ports.GatewayError
	require.ErrorAs(t, err, &gwErr)

	// The key is released so the customer can retry with another card.
	env.gateway.chargeErr = nil
	res, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestPlaceOrder_PersistenceFailureAfterCharge(t *testing.T) {
	env := newTestEnv(t)
	env.repo.failInsertOrder.Store(true)

	_, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-1"))
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "pay_charge:k-1", perr.PaymentID)

	env.dispatcher.Wait()
	assert.Equal(t, []string{ports.EventPaymentOrphaned}, env.notifier.types())

	// No automatic refund is attempted.
	assert.Empty(t, env.gateway.refunds)
}

func TestPlaceOrder_ReplayReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-1"))
	require.NoError(t, err)

	second, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 1, env.gateway.chargeCount())
}

func TestPlaceOrder_ClientGoneAfterCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.gateway.onCharge = cancel

	res, err := env.checkout.PlaceOrder(ctx, checkoutRequest("k-9"))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	stored, err := env.ledger.GetOrder(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "pay_charge:k-9", stored.Payment.GatewayPaymentID)
	assert.Equal(t, domain.StatusProcessing, stored.Status)

	// The retry finds the recorded order instead of charging again.
	replay, err := env.checkout.PlaceOrder(context.Background(), checkoutRequest("k-9"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Order.ID, replay.Order.ID)
	assert.Equal(t, 1, env.gateway.chargeCount())

	env.dispatcher.Wait()
	assert.Equal(t, []string{ports.EventOrderConfirmed}, env.notifier.types())
}
