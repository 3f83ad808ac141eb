package paymentservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/ecommerce-refunds/internal/payment-service/store"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/paymentrpc"
)

// resultTTL is how long a response stays replayable from the cache. The Bolt
// ledger keeps the record after that.
const resultTTL = 24 * time.Hour

// pendingTokenPrefix marks source tokens whose charge stays PENDING, standing
// in for card flows that confirm out of band.
const pendingTokenPrefix = "tok_pending"

type Options struct {
	// DeclineAbove declines charges above this amount. Zero disables it.
	DeclineAbove decimal.Decimal
	// AsyncRefundAbove answers PENDING for larger refunds; they settle on the
	// next call with the same idempotency key. Zero disables it.
	AsyncRefundAbove decimal.Decimal
}

type processor struct {
	paymentrpc.UnimplementedGatewayServer
	store *store.Store
	cache cache.Cache
	opts  Options
	now   func() time.Time
}

var _ paymentrpc.GatewayServer = (*processor)(nil)

func NewProcessor(st *store.Store, c cache.Cache, opts Options) *processor {
	return &processor{
		store: st,
		cache: c,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *processor) Charge(ctx context.Context, req *paymentrpc.ChargeRequest) (*paymentrpc.ChargeResponse, error) {
	key := idempotencyKey(ctx, req.IdempotencyKey)
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "idempotency key is required")
	}

	cacheKey := s.cache.GenerateKey("charge", key)
	var cached paymentrpc.ChargeResponse
	if s.cached(ctx, cacheKey, &cached) {
		slog.InfoContext(ctx, "charge replayed from cache", "idempotency_key", key, "payment_id", cached.PaymentID)
		return &cached, nil
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, status.Errorf(codes.InvalidArgument, "amount %q must be a positive decimal", req.Amount)
	}
	if len(req.Currency) != 3 {
		return nil, status.Errorf(codes.InvalidArgument, "currency %q is not an ISO 4217 code", req.Currency)
	}
	if strings.TrimSpace(req.SourceToken) == "" {
		return nil, status.Error(codes.InvalidArgument, "source token is required")
	}
	if s.opts.DeclineAbove.IsPositive() && amount.GreaterThan(s.opts.DeclineAbove) {
		slog.WarnContext(ctx, "charge declined", "amount", amount.String(), "limit", s.opts.DeclineAbove.String())
		return nil, status.Errorf(codes.FailedPrecondition, "card declined: amount %s exceeds limit", amount)
	}

	paymentStatus := store.StatusCompleted
	if strings.HasPrefix(req.SourceToken, pendingTokenPrefix) {
		paymentStatus = store.StatusPending
	}

	p, created, err := s.store.CreatePayment(&store.Payment{
		ID:             "pay_" + uuid.NewString(),
		Amount:         amount,
		Refunded:       decimal.Zero,
		Currency:       strings.ToUpper(req.Currency),
		Status:         paymentStatus,
		BuyerEmail:     req.BuyerEmail,
		Risk:           map[string]string{"risk_level": "normal", "network_status": "approved_by_network"},
		IdempotencyKey: key,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, storeError(err)
	}

	resp := &paymentrpc.ChargeResponse{PaymentID: p.ID, Status: p.Status, Risk: p.Risk}
	s.remember(ctx, cacheKey, resp)

	slog.InfoContext(ctx, "charge processed",
		"payment_id", p.ID,
		"amount", p.Amount.String(),
		"currency", p.Currency,
		"status", p.Status,
		"replay", !created,
	)
	return resp, nil
}

func (s *processor) Refund(ctx context.Context, req *paymentrpc.RefundRequest) (*paymentrpc.RefundResponse, error) {
	key := idempotencyKey(ctx, req.IdempotencyKey)
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "idempotency key is required")
	}

	// Only settled results are served from the cache; a pending refund has
	// to reach the ledger so it can settle.
	cacheKey := s.cache.GenerateKey("refund", key)
	var cached paymentrpc.RefundResponse
	if s.cached(ctx, cacheKey, &cached) && cached.Status == store.StatusCompleted {
		slog.InfoContext(ctx, "refund replayed from cache", "idempotency_key", key, "refund_id", cached.RefundID)
		return &cached, nil
	}

	existing, err := s.store.RefundByKey(key)
	switch {
	case err == nil:
		return s.replayRefund(ctx, cacheKey, existing)
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeError(err)
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, status.Errorf(codes.InvalidArgument, "amount %q must be a positive decimal", req.Amount)
	}
	if req.PaymentID == "" {
		return nil, status.Error(codes.InvalidArgument, "payment id is required")
	}

	refundStatus := store.StatusCompleted
	if s.opts.AsyncRefundAbove.IsPositive() && amount.GreaterThan(s.opts.AsyncRefundAbove) {
		refundStatus = store.StatusPending
	}

	now := s.now()
	r := &store.Refund{
		ID:             "re_" + uuid.NewString(),
		PaymentID:      req.PaymentID,
		Amount:         amount,
		Currency:       strings.ToUpper(req.Currency),
		Status:         refundStatus,
		Reason:         req.Reason,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if refundStatus == store.StatusCompleted {
		r.SettledAt = &now
	}

	issued, _, err := s.store.IssueRefund(r)
	if err != nil {
		slog.WarnContext(ctx, "refund rejected", "payment_id", req.PaymentID, "amount", amount.String(), "error", err)
		return nil, storeError(err)
	}

	resp := &paymentrpc.RefundResponse{RefundID: issued.ID, Status: issued.Status}
	s.remember(ctx, cacheKey, resp)

	slog.InfoContext(ctx, "refund processed",
		"refund_id", issued.ID,
		"payment_id", issued.PaymentID,
		"amount", issued.Amount.String(),
		"status", issued.Status,
	)
	return resp, nil
}

// replayRefund answers a repeated refund call. A pending refund settles here.
func (s *processor) replayRefund(ctx context.Context, cacheKey string, r *store.Refund) (*paymentrpc.RefundResponse, error) {
	if r.Status == store.StatusPending {
		settled, err := s.store.SettleRefund(r.ID, s.now())
		if err != nil {
			return nil, storeError(err)
		}
		r = settled
		slog.InfoContext(ctx, "pending refund settled", "refund_id", r.ID, "payment_id", r.PaymentID)
	}
	resp := &paymentrpc.RefundResponse{RefundID: r.ID, Status: r.Status}
	s.remember(ctx, cacheKey, resp)
	return resp, nil
}

func (s *processor) cached(ctx context.Context, key string, v any) bool {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "idempotency cache unavailable", "key", key, "error", err)
		return false
	}
	if raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.WarnContext(ctx, "idempotency cache entry unreadable", "key", key, "error", err)
		return false
	}
	return true
}

// remember caches resp. A cache failure is logged only; Bolt still holds the
// durable record.
func (s *processor) remember(ctx context.Context, key string, resp any) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, resultTTL); err != nil {
		slog.WarnContext(ctx, "failed to cache result", "key", key, "error", err)
	}
}

// idempotencyKey prefers the message field and falls back to metadata.
func idempotencyKey(ctx context.Context, fromRequest string) string {
	if k := strings.TrimSpace(fromRequest); k != "" {
		return k
	}
	return interceptors.GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, "payment not found")
	case errors.Is(err, store.ErrCurrencyMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrExceedsCaptured):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrKeyReused):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Errorf(codes.Internal, "ledger: %v", err)
	}
}
