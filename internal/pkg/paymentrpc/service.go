package paymentrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "payment.v1.Gateway"

	ChargeMethod = "/" + ServiceName + "/Charge"
	RefundMethod = "/" + ServiceName + "/Refund"
)

// GatewayServer is implemented by the payment processor.
type GatewayServer interface {
	Charge(context.Context, *ChargeRequest) (*ChargeResponse, error)
	Refund(context.Context, *RefundRequest) (*RefundResponse, error)
}

// UnimplementedGatewayServer can be embedded to satisfy GatewayServer.
type UnimplementedGatewayServer struct{}

func (UnimplementedGatewayServer) Charge(context.Context, *ChargeRequest) (*ChargeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Charge not implemented")
}

func (UnimplementedGatewayServer) Refund(context.Context, *RefundRequest) (*RefundResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Refund not implemented")
}

// RegisterGatewayServer registers srv on s.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&GatewayServiceDesc, srv)
}

func chargeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ChargeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Charge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ChargeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Charge(ctx, req.(*ChargeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func refundHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RefundRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Refund(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RefundMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Refund(ctx, req.(*RefundRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// GatewayServiceDesc describes payment.v1.Gateway.
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Charge", Handler: chargeHandler},
		{MethodName: "Refund", Handler: refundHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payment/v1/gateway",
}

// GatewayClient is the client side of payment.v1.Gateway.
type GatewayClient interface {
	Charge(ctx context.Context, in *ChargeRequest, opts ...grpc.CallOption) (*ChargeResponse, error)
	Refund(ctx context.Context, in *RefundRequest, opts ...grpc.CallOption) (*RefundResponse, error)
}

type gatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewGatewayClient(cc grpc.ClientConnInterface) GatewayClient {
	return &gatewayClient{cc: cc}
}

func (c *gatewayClient) Charge(ctx context.Context, in *ChargeRequest, opts ...grpc.CallOption) (*ChargeResponse, error) {
	out := new(ChargeResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ChargeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayClient) Refund(ctx context.Context, in *RefundRequest, opts ...grpc.CallOption) (*RefundResponse, error) {
	out := new(RefundResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, RefundMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
