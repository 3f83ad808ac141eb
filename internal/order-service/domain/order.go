package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Address struct {
	FullName   string `json:"fullName"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// missing returns the name of the first required field left empty.
func (a Address) missing() string {
	switch {
	case strings.TrimSpace(a.FullName) == "":
		return "fullName"
	case strings.TrimSpace(a.Line1) == "":
		return "line1"
	case strings.TrimSpace(a.City) == "":
		return "city"
	case strings.TrimSpace(a.PostalCode) == "":
		return "postalCode"
	case strings.TrimSpace(a.Country) == "":
		return "country"
	}
	return ""
}

type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
}

func (i LineItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// PaymentRecord is the gateway outcome captured at checkout. It is written
// once and never changed.
type PaymentRecord struct {
	GatewayPaymentID string            `json:"gatewayPaymentId"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Risk             map[string]string `json:"risk,omitempty"`
	IdempotencyKey   string            `json:"idempotencyKey"`
}

// RefundAggregate is the running total of completed refunds.
type RefundAggregate struct {
	TotalRefunded  decimal.Decimal `json:"totalRefunded"`
	Count          int             `json:"count"`
	LastRefundedAt *time.Time      `json:"lastRefundedAt,omitempty"`
}

type Order struct {
	ID                    string          `json:"id"`
	CustomerEmail         string          `json:"customerEmail"`
	Currency              string          `json:"currency"`
	Items                 []LineItem      `json:"items"`
	ShippingAddress       Address         `json:"shippingAddress"`
	BillingAddress        Address         `json:"billingAddress"`
	BillingSameAsShipping bool            `json:"billingSameAsShipping"`
	ShippingPrice         decimal.Decimal `json:"shippingPrice"`
	TotalPrice            decimal.Decimal `json:"totalPrice"`
	Payment               PaymentRecord   `json:"payment"`
	Refunds               RefundAggregate `json:"refunds"`
	Status                OrderStatus     `json:"status"`
	CreatedAt             time.Time       `json:"createdAt"`
	PaidAt                time.Time       `json:"paidAt"`
	DeliveredAt           *time.Time      `json:"deliveredAt,omitempty"`
	UpdatedAt             time.Time       `json:"updatedAt"`

	// Version is bumped on every write and used as an optimistic lock.
	Version int64 `json:"-"`
}

// OrderInput is what checkout hands to the ledger.
type OrderInput struct {
	CustomerEmail         string
	Currency              string
	Items                 []LineItem
	ShippingAddress       Address
	BillingAddress        Address
	BillingSameAsShipping bool
	ShippingPrice         decimal.Decimal

	// ExpectedTotal is the total the client believes it is paying.
	ExpectedTotal decimal.NullDecimal
}

// Validate checks the fields required before any money moves.
func (in OrderInput) Validate() error {
	if _, err := mail.ParseAddress(in.CustomerEmail); err != nil {
		return NewValidationError("email", "must be a valid address")
	}
	if !validCurrency(in.Currency) {
		return NewValidationError("currency", "must be a 3-letter ISO 4217 code")
	}
	if len(in.Items) == 0 {
		return NewValidationError("orderedItems", "must not be empty")
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return NewValidationError("orderedItems.productId", "is required")
		}
		if it.Quantity < 1 {
			return NewValidationError("orderedItems.quantity", "must be at least 1")
		}
		if it.UnitPrice.IsNegative() {
			return NewValidationError("orderedItems.price", "must not be negative")
		}
	}
	if in.ShippingPrice.IsNegative() {
		return NewValidationError("shippingPrice", "must not be negative")
	}
	if f := in.ShippingAddress.missing(); f != "" {
		return NewValidationError("shippingAddress."+f, "is required")
	}
	if !in.BillingSameAsShipping {
		if f := in.BillingAddress.missing(); f != "" {
			return NewValidationError("billingAddress."+f, "is required")
		}
	}
	if in.ExpectedTotal.Valid && !in.ExpectedTotal.Decimal.Equal(in.Total()) {
		return NewValidationError("totalPrice", "does not match items plus shipping ("+in.Total().StringFixed(2)+")")
	}
	return nil
}

// Total is sum(qty * price) + shipping.
func (in OrderInput) Total() decimal.Decimal {
	total := in.ShippingPrice
	for _, it := range in.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// NewOrder builds an order from a validated input and a captured payment.
// The total is computed here and frozen.
func NewOrder(id string, in OrderInput, payment PaymentRecord, paymentConfirmed bool, now time.Time) (*Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if payment.GatewayPaymentID == "" {
		return nil, NewValidationError("payment", "gateway payment id is required")
	}
	total := in.Total()
	if !payment.Amount.Equal(total) {
		return nil, NewValidationError("payment.amount", "does not match order total")
	}

	billing := in.BillingAddress
	if in.BillingSameAsShipping {
		billing = in.ShippingAddress
	}

	items := make([]LineItem, len(in.Items))
	copy(items, in.Items)

	return &Order{
		ID:                    id,
		CustomerEmail:         strings.TrimSpace(in.CustomerEmail),
		Currency:              strings.ToUpper(in.Currency),
		Items:                 items,
		ShippingAddress:       in.ShippingAddress,
		BillingAddress:        billing,
		BillingSameAsShipping: in.BillingSameAsShipping,
		ShippingPrice:         in.ShippingPrice,
		TotalPrice:            total,
		Payment:               payment,
		Refunds:               RefundAggregate{TotalRefunded: decimal.Zero},
		Status:                InitialStatus(paymentConfirmed),
		CreatedAt:             now,
		PaidAt:                now,
		UpdatedAt:             now,
	}, nil
}

// Available is the amount that can still be refunded.
func (o *Order) Available() decimal.Decimal {
	return o.TotalPrice.Sub(o.Refunds.TotalRefunded)
}

// ApplyRefund adds a completed refund to the aggregate and recomputes the
// status. It refuses to push the aggregate past the order total.
func (o *Order) ApplyRefund(amount decimal.Decimal, at time.Time) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "must be positive")
	}
	next := o.Refunds.TotalRefunded.Add(amount)
	if next.GreaterThan(o.TotalPrice) {
		return &ConflictError{OrderID: o.ID, Reason: "refund would exceed order total"}
	}
	status, err := StatusAfterRefund(o.Status, next, o.TotalPrice)
	if err != nil {
		return err
	}
	o.Refunds.TotalRefunded = next
	o.Refunds.Count++
	o.Refunds.LastRefundedAt = &at
	o.Status = status
	o.UpdatedAt = at
	return nil
}

// SetStatus applies an explicit delivery-lifecycle transition.
func (o *Order) SetStatus(to OrderStatus, at time.Time) error {
	if err := CheckDeliveryTransition(o.Status, to); err != nil {
		return err
	}
	if o.Status == to {
		return nil
	}
	// A delivered order never goes back to shipping or delivered again,
	// even after a partial refund moved it to PartiallyRefunded.
	if o.DeliveredAt != nil && (to == StatusShipped || to == StatusDelivered) {
		return &InvalidTransitionError{From: string(o.Status), To: string(to)}
	}
	if to == StatusDelivered {
		o.DeliveredAt = &at
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
