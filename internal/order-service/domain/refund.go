package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
	RefundRejected   RefundStatus = "rejected"
)

var refundStatuses = []RefundStatus{
	RefundPending,
	RefundProcessing,
	RefundCompleted,
	RefundFailed,
	RefundRejected,
}

// maxReasonLength bounds the free-text reason stored with a refund.
const maxReasonLength = 500

func ParseRefundStatus(s string) (RefundStatus, error) {
	st := RefundStatus(strings.ToLower(s))
	if !slices.Contains(refundStatuses, st) {
		return "", &InvalidStatusError{Status: s}
	}
	return st, nil
}

// Active reports whether the refund still holds the per-order refund slot.
func (s RefundStatus) Active() bool {
	return s == RefundPending || s == RefundProcessing
}

func (s RefundStatus) Terminal() bool { return !s.Active() }

// Refund is one refund attempt against an order.
type Refund struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"orderId"`
	GatewayPaymentID string          `json:"gatewayPaymentId"`
	GatewayRefundID  string          `json:"gatewayRefundId,omitempty"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Reason           string          `json:"reason"`
	Status           RefundStatus    `json:"status"`
	InitiatedBy      string          `json:"initiatedBy"`
	CustomerEmail    string          `json:"customerEmail"`
	FailureReason    string          `json:"failureReason,omitempty"`

	// NeedsReconciliation marks a refund whose gateway outcome is unknown.
	NeedsReconciliation bool `json:"needsReconciliation"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
}

// ValidateRefundRequest checks the caller-supplied fields of a refund.
func ValidateRefundRequest(amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "must be greater than zero")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return NewValidationError("reason", "is required")
	}
	if len(reason) > maxReasonLength {
		return NewValidationError("reason", "is too long")
	}
	return nil
}

// NewRefund creates a refund in processing for order o. The caller has
// already checked the amount against the order's available balance.
func NewRefund(id string, o *Order, amount decimal.Decimal, reason, initiatedBy, idempotencyKey string, now time.Time) *Refund {
	return &Refund{
		ID:               id,
		OrderID:          o.ID,
		GatewayPaymentID: o.Payment.GatewayPaymentID,
		IdempotencyKey:   idempotencyKey,
		Amount:           amount,
		Currency:         o.Currency,
		Reason:           strings.TrimSpace(reason),
		Status:           RefundProcessing,
		InitiatedBy:      initiatedBy,
		CustomerEmail:    o.CustomerEmail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CheckManualTransition validates an operator override. It returns noop=true
// when the refund already sits in the requested terminal state.
func (r *Refund) CheckManualTransition(to RefundStatus) (noop bool, err error) {
	if !to.Terminal() {
		return false, &InvalidStatusError{Status: string(to)}
	}
	if r.Status == to {
		return true, nil
	}
	if r.Status.Terminal() {
		return false, &InvalidTransitionError{From: string(r.Status), To: string(to)}
	}
	return false, nil
}

// Complete moves an active refund to completed. It is a no-op on a refund
// that is already completed and reports whether it changed anything.
func (r *Refund) Complete(gatewayRefundID string, at time.Time) (bool, error) {
	if r.Status == RefundCompleted {
		return false, nil
	}
	if r.Status.Terminal() {
		return false, &InvalidTransitionError{From: string(r.Status), To: string(RefundCompleted)}
	}
	if gatewayRefundID != "" {
		r.GatewayRefundID = gatewayRefundID
	}
	r.Status = RefundCompleted
	r.FailureReason = ""
	r.NeedsReconciliation = false
	r.RefundedAt = &at
	r.UpdatedAt = at
	return true, nil
}

// Fail records a definitive gateway failure.
func (r *Refund) Fail(reason string, at time.Time) error {
	return r.finish(RefundFailed, reason, at)
}

// Reject records an operator decision not to refund.
func (r *Refund) Reject(reason string, at time.Time) error {
	return r.finish(RefundRejected, reason, at)
}

func (r *Refund) finish(to RefundStatus, reason string, at time.Time) error {
	if r.Status.Terminal() {
		return &InvalidTransitionError{From: string(r.Status), To: string(to)}
	}
	r.Status = to
	r.FailureReason = reason
	r.NeedsReconciliation = false
	r.UpdatedAt = at
	return nil
}

// FlagForReconciliation keeps the refund active but marks the gateway outcome
// as unknown.
func (r *Refund) FlagForReconciliation(reason string, at time.Time) {
	r.NeedsReconciliation = true
	r.FailureReason = reason
	r.UpdatedAt = at
}
