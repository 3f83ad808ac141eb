package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-refunds/internal/payment-service/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPayment(t *testing.T, s *store.Store, amount string) *store.Payment {
	t.Helper()
	p, created, err := s.CreatePayment(&store.Payment{
		ID:             "pay_1",
		Amount:         decimal.RequireFromString(amount),
		Refunded:       decimal.Zero,
		Currency:       "GBP",
		Status:         store.StatusCompleted,
		IdempotencyKey: "charge:1",
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func refund(id, key, amount string) *store.Refund {
	return &store.Refund{
		ID:             id,
		PaymentID:      "pay_1",
		Amount:         decimal.RequireFromString(amount),
		Currency:       "GBP",
		Status:         store.StatusCompleted,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreatePayment_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedPayment(t, s, "100.00")

	again, created, err := s.CreatePayment(&store.Payment{
		ID:             "pay_2",
		Amount:         decimal.RequireFromString("999"),
		Currency:       "GBP",
		IdempotencyKey: "charge:1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "pay_1", again.ID)
	assert.True(t, again.Amount.Equal(decimal.RequireFromString("100")))

	_, err = s.GetPayment("pay_2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssueRefund_TracksRefundable(t *testing.T) {
	s := newTestStore(t)
	seedPayment(t, s, "100.00")

	_, created, err := s.IssueRefund(refund("re_1", "refund:a", "40.00"))
	require.NoError(t, err)
	assert.True(t, created)

	p, err := s.GetPayment("pay_1")
	require.NoError(t, err)
	assert.Equal(t, "60", p.Refundable().String())

	_, _, err = s.IssueRefund(refund("re_2", "refund:b", "70.00"))
	assert.ErrorIs(t, err, store.ErrExceedsCaptured)

	_, _, err = s.IssueRefund(refund("re_3", "refund:c", "60.00"))
	require.NoError(t, err)
	p, err = s.GetPayment("pay_1")
	require.NoError(t, err)
	assert.True(t, p.Refundable().IsZero())
}

func TestIssueRefund_ReplayReturnsOriginal(t *testing.T) {
	s := newTestStore(t)
	seedPayment(t, s, "100.00")

	first, _, err := s.IssueRefund(refund("re_1", "refund:a", "40.00"))
	require.NoError(t, err)

	second, created, err := s.IssueRefund(refund("re_other", "refund:a", "40.00"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	p, err := s.GetPayment("pay_1")
	require.NoError(t, err)
	assert.Equal(t, "40", p.Refunded.String(), "replay must not refund twice")

	byKey, err := s.RefundByKey("refund:a")
	require.NoError(t, err)
	assert.Equal(t, "re_1", byKey.ID)
}

func TestIssueRefund_Rejections(t *testing.T) {
	s := newTestStore(t)
	seedPayment(t, s, "100.00")

	r := refund("re_1", "refund:a", "10")
	r.Currency = "USD"
	_, _, err := s.IssueRefund(r)
	assert.ErrorIs(t, err, store.ErrCurrencyMismatch)

	r = refund("re_2", "refund:b", "10")
	r.PaymentID = "pay_missing"
	_, _, err = s.IssueRefund(r)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = s.IssueRefund(refund("re_3", "charge:1", "10"))
	assert.ErrorIs(t, err, store.ErrKeyReused)
}

func TestSettleRefund(t *testing.T) {
	s := newTestStore(t)
	seedPayment(t, s, "100.00")

	r := refund("re_1", "refund:a", "10")
	r.Status = store.StatusPending
	_, _, err := s.IssueRefund(r)
	require.NoError(t, err)

	settled, err := s.SettleRefund("re_1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, settled.Status)
	require.NotNil(t, settled.SettledAt)

	again, err := s.SettleRefund("re_1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, settled.SettledAt.Unix(), again.SettledAt.Unix())
}
