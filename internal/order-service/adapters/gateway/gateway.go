// Package gateway implements ports.Gateway over the payment processor's gRPC
// API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/paymentrpc"
)

// GRPCGateway talks to the payment processor. Every call runs under its own
// deadline.
type GRPCGateway struct {
	client  paymentrpc.GatewayClient
	timeout time.Duration
}

// NewGRPCGateway returns the port backed by client.
func NewGRPCGateway(client paymentrpc.GatewayClient, timeout time.Duration) *GRPCGateway {
	return &GRPCGateway{client: client, timeout: timeout}
}

var _ ports.Gateway = (*GRPCGateway)(nil)

// Dial opens a client connection to the processor with tracing and id
// propagation wired in.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(interceptors.PropagateClientInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", addr, err)
	}
	return conn, nil
}

func (g *GRPCGateway) Charge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(interceptors.WithIdempotencyKey(ctx, req.IdempotencyKey), g.timeout)
	defer cancel()

	res, err := g.client.Charge(ctx, &paymentrpc.ChargeRequest{
		Amount:         req.Amount.StringFixed(2),
		Currency:       req.Currency,
		SourceToken:    req.SourceToken,
		IdempotencyKey: req.IdempotencyKey,
		BillingAddress: addressToRPC(req.BillingAddress),
		BuyerEmail:     req.BuyerEmail,
	})
	if err != nil {
		return nil, toGatewayError("charge", err)
	}
	if res.PaymentID == "" {
		return nil, &ports.GatewayError{Op: "charge", Message: "empty payment id in response"}
	}
	return &ports.ChargeResult{
		PaymentID: res.PaymentID,
		Status:    strings.ToUpper(res.Status),
		Risk:      res.Risk,
	}, nil
}

func (g *GRPCGateway) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	ctx, cancel := context.WithTimeout(interceptors.WithIdempotencyKey(ctx, req.IdempotencyKey), g.timeout)
	defer cancel()

	res, err := g.client.Refund(ctx, &paymentrpc.RefundRequest{
		PaymentID:      req.PaymentID,
		Amount:         req.Amount.StringFixed(2),
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
	})
	if err != nil {
		return nil, toGatewayError("refund", err)
	}
	return &ports.RefundResult{
		RefundID: res.RefundID,
		Status:   strings.ToUpper(res.Status),
	}, nil
}

// toGatewayError maps a transport error onto GatewayError. Deadlines,
// cancellations and an unreachable processor leave the outcome unknown.
func toGatewayError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ports.GatewayError{Op: op, Message: err.Error(), Timeout: true}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &ports.GatewayError{Op: op, Message: err.Error()}
	}
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled, codes.Unavailable:
		return &ports.GatewayError{Op: op, Message: st.Message(), Timeout: true}
	default:
		return &ports.GatewayError{Op: op, Message: st.Message()}
	}
}

func addressToRPC(a domain.Address) *paymentrpc.Address {
	if a == (domain.Address{}) {
		return nil
	}
	return &paymentrpc.Address{
		FullName:   a.FullName,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}
