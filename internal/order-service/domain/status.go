package domain

import (
	"slices"

	"github.com/shopspring/decimal"
)

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	StatusPending           OrderStatus = "Pending"
	StatusProcessing        OrderStatus = "Processing"
	StatusShipped           OrderStatus = "Shipped"
	StatusDelivered         OrderStatus = "Delivered"
	StatusCancelled         OrderStatus = "Cancelled"
	StatusPartiallyRefunded OrderStatus = "PartiallyRefunded"
	StatusRefunded          OrderStatus = "Refunded"
)

var orderStatuses = []OrderStatus{
	StatusPending,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusPartiallyRefunded,
	StatusRefunded,
}

// deliveryStatuses are the targets an operator may request explicitly.
// PartiallyRefunded and Refunded are only reachable through refunds.
var deliveryStatuses = []OrderStatus{
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

var deliveryTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:           {StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled},
	StatusProcessing:        {StatusShipped, StatusDelivered, StatusCancelled},
	StatusShipped:           {StatusDelivered, StatusCancelled},
	StatusDelivered:         {StatusCancelled},
	StatusPartiallyRefunded: {StatusShipped, StatusDelivered, StatusCancelled},
}

// ParseOrderStatus converts s into an OrderStatus, rejecting anything outside
// the enumerated set.
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if !st.Valid() {
		return "", &InvalidStatusError{Status: s}
	}
	return st, nil
}

func (s OrderStatus) Valid() bool { return slices.Contains(orderStatuses, s) }

// Terminal reports whether no further status change is accepted.
func (s OrderStatus) Terminal() bool {
	return s == StatusRefunded || s == StatusCancelled
}

func (s OrderStatus) String() string { return string(s) }

// InitialStatus is the status of a freshly captured order.
func InitialStatus(paymentConfirmed bool) OrderStatus {
	if paymentConfirmed {
		return StatusProcessing
	}
	return StatusPending
}

// CheckDeliveryTransition validates an explicit operator transition.
// Requesting the current status of a non-terminal order is accepted as a no-op.
func CheckDeliveryTransition(from, to OrderStatus) error {
	if !slices.Contains(deliveryStatuses, to) {
		return &InvalidStatusError{Status: string(to)}
	}
	if from.Terminal() {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	if from == to {
		return nil
	}
	if !slices.Contains(deliveryTransitions[from], to) {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// StatusAfterRefund recomputes the status once a refund has completed.
// A cancelled order keeps its status; the aggregate still records the money.
func StatusAfterRefund(current OrderStatus, totalRefunded, totalPrice decimal.Decimal) (OrderStatus, error) {
	switch {
	case current == StatusRefunded:
		return "", &InvalidTransitionError{From: string(current), To: string(StatusRefunded)}
	case current == StatusCancelled:
		return current, nil
	case totalRefunded.GreaterThanOrEqual(totalPrice):
		return StatusRefunded, nil
	case totalRefunded.IsPositive():
		return StatusPartiallyRefunded, nil
	default:
		return current, nil
	}
}
