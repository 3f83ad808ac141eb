package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/adapters/sqlite"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/cache"
)

// fakeGateway completes every call unless told otherwise.
type fakeGateway struct {
	mu           sync.Mutex
	chargeErr    error
	chargeStatus string
	// onCharge runs after a successful charge, outside the lock.
	onCharge     func()
	refundFn     func(req ports.RefundRequest) (*ports.RefundResult, error)
	charges      []ports.ChargeRequest
	refunds      []ports.RefundRequest
}

func (g *fakeGateway) Charge(_ context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	chargeErr, status, hook := g.chargeErr, g.chargeStatus, g.onCharge
	g.mu.Unlock()

	if chargeErr != nil {
		return nil, chargeErr
	}
	if status == "" {
		status = ports.GatewayStatusCompleted
	}
	if hook != nil {
		hook()
	}
	return &ports.ChargeResult{PaymentID: "pay_" + req.IdempotencyKey, Status: status}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	fn := g.refundFn
	g.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &ports.RefundResult{RefundID: "gw_" + req.IdempotencyKey, Status: ports.GatewayStatusCompleted}, nil
}

func (g *fakeGateway) setRefund(fn func(req ports.RefundRequest) (*ports.RefundResult, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundFn = fn
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ports.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev ports.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

// faultyRepo injects storage failures into selected Tx methods.
type faultyRepo struct {
	ports.Repository
	failInsertOrder atomic.Bool
	failUpdateOrder atomic.Bool
}

func (f *faultyRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	return f.Repository.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, repo: f})
	})
}

type faultyTx struct {
	ports.Tx
	repo *faultyRepo
}

var errDiskFull = errors.New("disk I/O error")

func (t *faultyTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if t.repo.failInsertOrder.Load() {
		return errDiskFull
	}
	return t.Tx.InsertOrder(ctx, o)
}

func (t *faultyTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	if t.repo.failUpdateOrder.Load() {
		return errDiskFull
	}
	return t.Tx.UpdateOrder(ctx, o)
}

type testEnv struct {
	repo       *faultyRepo
	gateway    *fakeGateway
	notifier   *recordingNotifier
	dispatcher *Dispatcher
	ledger     *Ledger
	refunds    *RefundService
	checkout   *Checkout
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sqliteRepo, err := sqlite.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteRepo.Close() })

	env := &testEnv{
		repo:     &faultyRepo{Repository: sqliteRepo},
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
	}
	env.dispatcher = NewDispatcher(env.notifier, time.Second)
	env.ledger = NewLedger(env.repo, env.dispatcher)
	env.refunds = NewRefundService(env.repo, env.ledger, env.gateway, env.dispatcher)
	env.checkout = NewCheckout(env.ledger, env.gateway, cache.NewMemoryCache("order"), env.dispatcher)
	env.reconciler = NewReconciler(env.refunds, 1000, time.Minute, 50)
	return env
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validInput(total string) domain.OrderInput {
	return domain.OrderInput{
		CustomerEmail: "ada@example.com",
		Currency:      "GBP",
		Items: []domain.LineItem{
			{ProductID: "sku-1", Name: "Scarf", Quantity: 1, UnitPrice: dec(total)},
		},
		ShippingAddress: domain.Address{
			FullName: "Ada Lovelace", Line1: "12 St James's Sq", City: "London", PostalCode: "SW1Y 4JH", Country: "GB",
		},
		BillingSameAsShipping: true,
		ShippingPrice:         decimal.Zero,
	}
}

// seedOrder stores a captured order worth total GBP.
func seedOrder(t *testing.T, env *testEnv, total string) *domain.Order {
	t.Helper()
	in := validInput(total)
	o, err := env.ledger.CreateOrder(context.Background(), "ord-"+total, in, domain.PaymentRecord{
		GatewayPaymentID: "pay_seed",
		Amount:           in.Total(),
		Currency:         "GBP",
		Status:           ports.GatewayStatusCompleted,
		IdempotencyKey:   "charge:seed",
	}, true)
	require.NoError(t, err)
	return o
}

func requestRefund(t *testing.T, env *testEnv, orderID, amount string) *domain.Refund {
	t.Helper()
	ref, err := env.refunds.RequestRefund(context.Background(), RefundRequest{
		OrderID:     orderID,
		Amount:      dec(amount),
		Reason:      "Customer requested",
		InitiatedBy: "admin@example.com",
	})
	require.NoError(t, err)
	return ref
}
