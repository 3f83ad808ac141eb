package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
)

// Statuses reported by the processor.
const (
	GatewayStatusCompleted = "COMPLETED"
	GatewayStatusPending   = "PENDING"
)

type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	SourceToken    string
	IdempotencyKey string
	BillingAddress domain.Address
	BuyerEmail     string
}

type ChargeResult struct {
	PaymentID string
	Status    string
	Risk      map[string]string
}

type RefundRequest struct {
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Reason         string
}

type RefundResult struct {
	RefundID string
	Status   string
}

// Gateway is the external payment processor. Calls with the same idempotency
// key must have at most one financial effect on the processor side.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// GatewayError is every failure surfaced by a Gateway. Timeout is set when the
// outcome is unknown: the processor may have acted despite the error.
type GatewayError struct {
	Op      string
	Message string
	Timeout bool
}

func (e *GatewayError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("gateway %s timed out: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Op, e.Message)
}

// IsGatewayTimeout reports whether err is a GatewayError with an unknown outcome.
func IsGatewayTimeout(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Timeout
}

// NewIdempotencyKey returns a fresh key for one logical gateway attempt.
func NewIdempotencyKey(op string) string {
	return op + ":" + uuid.NewString()
}
