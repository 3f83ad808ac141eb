package paymentservice

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jcmexdev/ecommerce-refunds/internal/payment-service/store"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/paymentrpc"
)

func newTestClient(t *testing.T, opts Options) paymentrpc.GatewayClient {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptors.TraceServerInterceptor()))
	paymentrpc.RegisterGatewayServer(srv, NewProcessor(st, cache.NewMemoryCache("payment"), opts))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(interceptors.PropagateClientInterceptor()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return paymentrpc.NewGatewayClient(conn)
}

func charge(t *testing.T, c paymentrpc.GatewayClient, key, amount string) *paymentrpc.ChargeResponse {
	t.Helper()
	resp, err := c.Charge(context.Background(), &paymentrpc.ChargeRequest{
		Amount:         amount,
		Currency:       "GBP",
		SourceToken:    "tok_visa",
		IdempotencyKey: key,
		BuyerEmail:     "buyer@example.com",
	})
	require.NoError(t, err)
	return resp
}

func TestCharge_ReplayReturnsSamePayment(t *testing.T) {
	c := newTestClient(t, Options{})

	first := charge(t, c, "charge:k1", "100.00")
	assert.Equal(t, paymentrpc.StatusCompleted, first.Status)
	assert.NotEmpty(t, first.PaymentID)

	second := charge(t, c, "charge:k1", "100.00")
	assert.Equal(t, first.PaymentID, second.PaymentID)
}

func TestCharge_Rejections(t *testing.T) {
	c := newTestClient(t, Options{DeclineAbove: decimal.NewFromInt(500)})

	tests := []struct {
		name string
		req  *paymentrpc.ChargeRequest
		code codes.Code
	}{
		{"missing key", &paymentrpc.ChargeRequest{Amount: "10", Currency: "GBP", SourceToken: "tok"}, codes.InvalidArgument},
		{"zero amount", &paymentrpc.ChargeRequest{Amount: "0", Currency: "GBP", SourceToken: "tok", IdempotencyKey: "a"}, codes.InvalidArgument},
		{"no token", &paymentrpc.ChargeRequest{Amount: "10", Currency: "GBP", IdempotencyKey: "b"}, codes.InvalidArgument},
		{"declined", &paymentrpc.ChargeRequest{Amount: "500.01", Currency: "GBP", SourceToken: "tok", IdempotencyKey: "c"}, codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Charge(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestCharge_PendingToken(t *testing.T) {
	c := newTestClient(t, Options{})
	resp, err := c.Charge(context.Background(), &paymentrpc.ChargeRequest{
		Amount: "20", Currency: "GBP", SourceToken: "tok_pending_3ds", IdempotencyKey: "charge:p",
	})
	require.NoError(t, err)
	assert.Equal(t, paymentrpc.StatusPending, resp.Status)
}

func TestRefund_LimitsAndReplay(t *testing.T) {
	c := newTestClient(t, Options{})
	pay := charge(t, c, "charge:k1", "100.00")
	ctx := context.Background()

	r1, err := c.Refund(ctx, &paymentrpc.RefundRequest{PaymentID: pay.PaymentID, Amount: "40.00", Currency: "GBP", IdempotencyKey: "refund:1"})
	require.NoError(t, err)
	assert.Equal(t, paymentrpc.StatusCompleted, r1.Status)

	replay, err := c.Refund(ctx, &paymentrpc.RefundRequest{PaymentID: pay.PaymentID, Amount: "40.00", Currency: "GBP", IdempotencyKey: "refund:1"})
	require.NoError(t, err)
	assert.Equal(t, r1.RefundID, replay.RefundID)

	_, err = c.Refund(ctx, &paymentrpc.RefundRequest{PaymentID: pay.PaymentID, Amount: "70.00", Currency: "GBP", IdempotencyKey: "refund:2"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = c.Refund(ctx, &paymentrpc.RefundRequest{PaymentID: pay.PaymentID, Amount: "10", Currency: "USD", IdempotencyKey: "refund:3"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Refund(ctx, &paymentrpc.RefundRequest{PaymentID: "pay_unknown", Amount: "10", Currency: "GBP", IdempotencyKey: "refund:4"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRefund_AsyncSettlesOnReplay(t *testing.T) {
	c := newTestClient(t, Options{AsyncRefundAbove: decimal.NewFromInt(50)})
	pay := charge(t, c, "charge:k1", "100.00")
	req := &paymentrpc.RefundRequest{PaymentID: pay.PaymentID, Amount: "80.00", Currency: "GBP", IdempotencyKey: "refund:big"}

	first, err := c.Refund(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, paymentrpc.StatusPending, first.Status)

	second, err := c.Refund(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, paymentrpc.StatusCompleted, second.Status)
	assert.Equal(t, first.RefundID, second.RefundID)
}
