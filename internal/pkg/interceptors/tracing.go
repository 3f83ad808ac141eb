package interceptors

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors/constants"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// TraceServerInterceptor copies the request id and idempotency key from the
// incoming metadata into the handler context and logs the call.
func TraceServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, exist := metadata.FromIncomingContext(ctx)
		requestID := ""
		idempotencyKey := ""
		if exist {
			if ids := md.Get(constants.HeaderXRequestId); len(ids) > 0 {
				requestID = ids[0]
			}

			if ids := md.Get(constants.HeaderXIdempotencyKey); len(ids) > 0 {
				idempotencyKey = ids[0]
			}
		}
		newCtx := context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
		newCtx = context.WithValue(newCtx, constants.ContextKeyIdempotencyKey, idempotencyKey)

		slog.InfoContext(newCtx, "grpc call",
			"method", info.FullMethod,
			"request_id", requestID,
			"idempotency_key", idempotencyKey,
		)

		resp, err := handler(newCtx, req)
		if err != nil {
			slog.WarnContext(newCtx, "grpc call failed", "method", info.FullMethod, "request_id", requestID, "error", err)
		}
		return resp, err
	}
}
