package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	TraceID string
	SpanID  string
}

// ExtractTraceInfo reads the active span from ctx. Both fields are empty when
// the context carries no valid span (tests, background sweeps without a
// tracer).
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an entry stamped with the trace of ctx.
//
//	entry := eventlog.NewEntry(ctx, order.ID, refund.ID, eventlog.RefundCompleted, map[string]any{"amount": "40.00"})
//	_ = tx.AppendEvent(ctx, entry)
func NewEntry(ctx context.Context, orderID, refundID string, typ Type, detail map[string]any) *Entry {
	ti := ExtractTraceInfo(ctx)

	detailJSON := "{}"
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = string(b)
		}
	}

	return &Entry{
		OrderID:    orderID,
		RefundID:   refundID,
		Type:       typ,
		Detail:     detailJSON,
		TraceID:    ti.TraceID,
		SpanID:     ti.SpanID,
		OccurredAt: time.Now().UTC(),
	}
}
