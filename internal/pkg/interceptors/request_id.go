package interceptors

import (
	"context"

	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors/constants"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// PropagateClientInterceptor forwards the request id and idempotency key held
// in ctx to the server as outgoing metadata.
func PropagateClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(ContextWithPropagatedID(ctx), method, req, reply, cc, opts...)
	}
}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

// WithIdempotencyKey stores the idempotency key in ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
}

// WithOperator stores the admin identity performing the request.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyOperator, operator)
}

// Operator returns the admin identity stored by WithOperator, or "".
func Operator(ctx context.Context) string {
	op, _ := ctx.Value(constants.ContextKeyOperator).(string)
	return op
}

// ContextWithPropagatedID appends the known ids to the outgoing metadata.
// Keys already present in the outgoing metadata are left alone.
func ContextWithPropagatedID(ctx context.Context) context.Context {
	out, _ := metadata.FromOutgoingContext(ctx)
	for _, key := range []string{constants.HeaderXRequestId, constants.HeaderXIdempotencyKey} {
		if len(out.Get(key)) > 0 {
			continue
		}
		if v := GetMetadataValue(ctx, key); v != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, key, v)
		}
	}
	return ctx
}

// GetMetadataValue looks key up in the context values first, then in the
// incoming and outgoing gRPC metadata.
func GetMetadataValue(ctx context.Context, key string) string {
	if id, ok := ctx.Value(contextKeyFor(key)).(string); ok && id != "" {
		return id
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

func contextKeyFor(header string) any {
	switch header {
	case constants.HeaderXRequestId:
		return constants.ContextKeyRequestID
	case constants.HeaderXIdempotencyKey:
		return constants.ContextKeyIdempotencyKey
	case constants.HeaderXOperator:
		return constants.ContextKeyOperator
	}
	return header
}

var _ grpc.UnaryClientInterceptor = PropagateClientInterceptor()
