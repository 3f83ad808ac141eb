package middlewares

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors/constants"
)

// HeaderIdempotencyKey is the client-facing header. The internal
// x-idempotency-key header is accepted as a fallback.
const HeaderIdempotencyKey = "Idempotency-Key"

// AttachTracingMetadata copies the chi request id, the idempotency key and
// the operator into the request context so they reach the logs, the audit
// trail and the outgoing gRPC metadata.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := interceptors.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			key = strings.TrimSpace(r.Header.Get(constants.HeaderXIdempotencyKey))
		}
		if key != "" {
			ctx = interceptors.WithIdempotencyKey(ctx, key)
		}

		if op := strings.TrimSpace(r.Header.Get(constants.HeaderXOperator)); op != "" {
			ctx = interceptors.WithOperator(ctx, op)
		}

		w.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
