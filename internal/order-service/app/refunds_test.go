package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

func TestRequestRefund_PartialThenFull(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	ctx := context.Background()

	first := requestRefund(t, env, o.ID, "40.00")
	assert.Equal(t, domain.RefundCompleted, first.Status)
	require.NotNil(t, first.RefundedAt)
	assert.Equal(t, "gw_refund:"+first.ID, first.GatewayRefundID)

	stored, err := env.ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", stored.Refunds.TotalRefunded.StringFixed(2))
	assert.Equal(t, domain.StatusPartiallyRefunded, stored.Status)

	second := requestRefund(t, env, o.ID, "60.00")
	assert.Equal(t, domain.RefundCompleted, second.Status)

	stored, err = env.ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", stored.Refunds.TotalRefunded.StringFixed(2))
	assert.Equal(t, 2, stored.Refunds.Count)
	assert.Equal(t, domain.StatusRefunded, stored.Status)

	env.dispatcher.Wait()
	assert.ElementsMatch(t, []string{
		ports.EventRefundInitiated, ports.EventRefundCompleted,
		ports.EventRefundInitiated, ports.EventRefundCompleted,
	}, env.notifier.types())
}

func TestRequestRefund_LimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	requestRefund(t, env, o.ID, "40.00")

	_, err := env.refunds.RequestRefund(context.Background(), RefundRequest{
		OrderID: o.ID, Amount: dec("70.00"), Reason: "Customer requested",
	})
	var limitErr *domain.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "60.00", limitErr.Available.StringFixed(2))

	stored, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", stored.Refunds.TotalRefunded.StringFixed(2))
	assert.Equal(t, domain.StatusPartiallyRefunded, stored.Status)

	refunds, err := env.refunds.ListOrderRefunds(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestRequestRefund_Rejections(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")

	tests := []struct {
		name string
		req  RefundRequest
		want error
	}{
		{"unknown order", RefundRequest{OrderID: "nope", Amount: dec("1"), Reason: "x"}, domain.ErrNotFound},
		{"zero amount", RefundRequest{OrderID: o.ID, Amount: dec("0"), Reason: "x"}, domain.ErrValidation},
		{"negative amount", RefundRequest{OrderID: o.ID, Amount: dec("-5"), Reason: "x"}, domain.ErrValidation},
		{"empty reason", RefundRequest{OrderID: o.ID, Amount: dec("1"), Reason: "  "}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.refunds.RequestRefund(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, env.gateway.refunds)
}

func TestRequestRefund_ActiveRefundConflict(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")

	entered := make(chan struct{})
	release := make(chan struct{})
	env.gateway.setRefund(func(req ports.RefundRequest) (*ports.RefundResult, error) {
		close(entered)
		<-release
		return &ports.RefundResult{RefundID: "gw_1", Status: ports.GatewayStatusCompleted}, nil
	})

	var (
		wg    sync.WaitGroup
		first *domain.Refund
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = env.refunds.RequestRefund(context.Background(), RefundRequest{OrderID: o.ID, Amount: dec("50"), Reason: "first"})
	}()
	<-entered

	_, err := env.refunds.RequestRefund(context.Background(), RefundRequest{OrderID: o.ID, Amount: dec("50"), Reason: "second"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	close(release)
	wg.Wait()
	require.NotNil(t, first)
	assert.Equal(t, domain.RefundCompleted, first.Status)

	stored, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", stored.Refunds.TotalRefunded.StringFixed(2))
}

func TestRequestRefund_ConcurrentNeverOverRefunds(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := env.refunds.RequestRefund(context.Background(), RefundRequest{OrderID: o.ID, Amount: dec("50"), Reason: "race"})
			if err != nil {
				assert.True(t, errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrLimitExceeded), "unexpected error %v", err)
				return
			}
			if ref.Status == domain.RefundCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Refunds.TotalRefunded.LessThanOrEqual(stored.TotalPrice))
	assert.LessOrEqual(t, completed, 2)
	assert.Equal(t, completed, stored.Refunds.Count)
	assert.True(t, stored.Refunds.TotalRefunded.Equal(dec("50").Mul(decimal.NewFromInt(int64(completed)))))
}

func TestRequestRefund_TimeoutLeavesProcessing(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		return nil, &ports.GatewayError{Op: "refund", Message: "context deadline exceeded", Timeout: true}
	})

	ref := requestRefund(t, env, o.ID, "40.00")
	assert.Equal(t, domain.RefundProcessing, ref.Status)
	assert.True(t, ref.NeedsReconciliation)
	assert.Contains(t, ref.FailureReason, "timed out")

	stored, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Refunds.TotalRefunded.IsZero())
	assert.Equal(t, domain.StatusProcessing, stored.Status)

	// The slot stays taken until the outcome is known.
	_, err = env.refunds.RequestRefund(context.Background(), RefundRequest{OrderID: o.ID, Amount: dec("10"), Reason: "again"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRequestRefund_GatewayFailureRecorded(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		return nil, &ports.GatewayError{Op: "refund", Message: "refund exceeds captured amount"}
	})

	ref := requestRefund(t, env, o.ID, "40.00")
	assert.Equal(t, domain.RefundFailed, ref.Status)
	assert.Contains(t, ref.FailureReason, "exceeds captured")

	stored, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Refunds.TotalRefunded.IsZero())

	// A failed refund frees the slot.
	env.gateway.setRefund(nil)
	next := requestRefund(t, env, o.ID, "10.00")
	assert.Equal(t, domain.RefundCompleted, next.Status)

	env.dispatcher.Wait()
	assert.Contains(t, env.notifier.types(), ports.EventRefundFailed)
}

func TestRequestRefund_NotifierFailureIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = assert.AnError
	o := seedOrder(t, env, "100.00")

	ref := requestRefund(t, env, o.ID, "25.00")
	assert.Equal(t, domain.RefundCompleted, ref.Status)
	env.dispatcher.Wait()
}

func TestRequestRefund_AuditTrail(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	requestRefund(t, env, o.ID, "100.00")

	events, err := env.ledger.Events(context.Background(), o.ID)
	require.NoError(t, err)

	var types []eventlog.Type
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []eventlog.Type{
		eventlog.OrderCreated,
		eventlog.RefundInitiated,
		eventlog.OrderStatusChanged,
		eventlog.RefundCompleted,
	}, types)
}

func TestUpdateRefundStatusManually_CompleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	env.gateway.setRefund(func(req ports.RefundRequest) (*ports.RefundResult, error) {
		return &ports.RefundResult{RefundID: "gw_async", Status: ports.GatewayStatusPending}, nil
	})
	ref := requestRefund(t, env, o.ID, "30.00")
	require.Equal(t, domain.RefundProcessing, ref.Status)
	assert.Equal(t, "gw_async", ref.GatewayRefundID)

	ctx := context.Background()
	done, err := env.refunds.UpdateRefundStatusManually(ctx, ref.ID, "completed", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, done.Status)

	again, err := env.refunds.UpdateRefundStatusManually(ctx, ref.ID, "completed", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, again.Status)

	stored, err := env.ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", stored.Refunds.TotalRefunded.StringFixed(2))
	assert.Equal(t, 1, stored.Refunds.Count)
}

func TestUpdateRefundStatusManually_Transitions(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		return nil, &ports.GatewayError{Op: "refund", Message: "timeout", Timeout: true}
	})
	ref := requestRefund(t, env, o.ID, "30.00")
	ctx := context.Background()

	_, err := env.refunds.UpdateRefundStatusManually(ctx, ref.ID, "processing", "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = env.refunds.UpdateRefundStatusManually(ctx, ref.ID, "refunded", "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	rejected, err := env.refunds.UpdateRefundStatusManually(ctx, ref.ID, "REJECTED", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundRejected, rejected.Status)
	assert.False(t, rejected.NeedsReconciliation)

	_, err = env.refunds.UpdateRefundStatusManually(ctx, ref.ID, "completed", "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.refunds.UpdateRefundStatusManually(ctx, "missing", "failed", "ops")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := env.ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Refunds.TotalRefunded.IsZero())
}

func TestRequestRefund_CancelledOrderKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	_, err := env.ledger.SetStatus(context.Background(), o.ID, "Cancelled")
	require.NoError(t, err)

	ref := requestRefund(t, env, o.ID, "100.00")
	assert.Equal(t, domain.RefundCompleted, ref.Status)

	stored, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, "100.00", stored.Refunds.TotalRefunded.StringFixed(2))
}

func TestListRefunds_Filters(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	requestRefund(t, env, o.ID, "10.00")
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		return nil, &ports.GatewayError{Op: "refund", Message: "declined"}
	})
	requestRefund(t, env, o.ID, "10.00")

	failed, err := env.refunds.ListRefunds(context.Background(), ports.RefundFilter{Status: domain.RefundFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	byEmail, err := env.refunds.ListRefunds(context.Background(), ports.RefundFilter{CustomerEmail: "ada@example.com"})
	require.NoError(t, err)
	assert.Len(t, byEmail, 2)

	none, err := env.refunds.ListRefunds(context.Background(), ports.RefundFilter{CustomerEmail: "other@example.com"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.refunds.ListOrderRefunds(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := env.refunds.GetRefund(context.Background(), failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundFailed, got.Status)
}

func TestRequestRefund_ClientGoneAfterGatewayCompleted(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		cancel()
		return &ports.RefundResult{RefundID: "gw_done", Status: ports.GatewayStatusCompleted}, nil
	})

	ref, err := env.refunds.RequestRefund(ctx, RefundRequest{OrderID: o.ID, Amount: dec("40.00"), Reason: "Customer requested"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, ref.Status)

	stored, err := env.refunds.GetRefund(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, stored.Status)
	assert.Equal(t, "gw_done", stored.GatewayRefundID)

	order, err := env.ledger.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", order.Refunds.TotalRefunded.StringFixed(2))
	assert.Equal(t, domain.StatusPartiallyRefunded, order.Status)

	env.dispatcher.Wait()
	assert.Contains(t, env.notifier.types(), ports.EventRefundCompleted)
}

func TestRequestRefund_ClientGoneBeforeGatewayAnswered(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		cancel()
		return nil, &ports.GatewayError{Op: "refund", Message: "deadline exceeded", Timeout: true}
	})

	ref, err := env.refunds.RequestRefund(ctx, RefundRequest{OrderID: o.ID, Amount: dec("40.00"), Reason: "Customer requested"})
	require.NoError(t, err)

	stored, err := env.refunds.GetRefund(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundProcessing, stored.Status)
	assert.True(t, stored.NeedsReconciliation)
	assert.Contains(t, stored.FailureReason, "timed out")
}

func TestUpdateRefundStatusManually_OperatorRecordedOnce(t *testing.T) {
	env := newTestEnv(t)
	o := seedOrder(t, env, "100.00")
	env.gateway.setRefund(func(ports.RefundRequest) (*ports.RefundResult, error) {
		return nil, &ports.GatewayError{Op: "refund", Message: "timeout", Timeout: true}
	})
	ref := requestRefund(t, env, o.ID, "30.00")

	rejected, err := env.refunds.UpdateRefundStatusManually(context.Background(), ref.ID, "rejected", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "set to rejected by operator", rejected.FailureReason)

	events, err := env.ledger.Events(context.Background(), o.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, eventlog.RefundRejected, last.Type)
	assert.JSONEq(t, `{"reason":"set to rejected by operator","by":"ops@example.com"}`, string(last.Detail))
}
