package paymentrpc

// Statuses returned by the processor.
const (
	StatusCompleted = "COMPLETED"
	StatusPending   = "PENDING"
)

// Amounts travel as decimal strings ("100.00") to avoid float rounding.

type Address struct {
	FullName   string `json:"fullName,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type ChargeRequest struct {
	Amount         string   `json:"amount"`
	Currency       string   `json:"currency"`
	SourceToken    string   `json:"sourceToken"`
	IdempotencyKey string   `json:"idempotencyKey"`
	BillingAddress *Address `json:"billingAddress,omitempty"`
	BuyerEmail     string   `json:"buyerEmail,omitempty"`
}

type ChargeResponse struct {
	PaymentID string            `json:"paymentId"`
	Status    string            `json:"status"`
	Risk      map[string]string `json:"risk,omitempty"`
}

type RefundRequest struct {
	PaymentID      string `json:"paymentId"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotencyKey"`
	Reason         string `json:"reason,omitempty"`
}

type RefundResponse struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
}
