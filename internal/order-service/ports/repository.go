package ports

import (
	"context"
	"time"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
)

// RefundFilter narrows ListRefunds. Zero fields are ignored.
type RefundFilter struct {
	OrderID       string
	Status        domain.RefundStatus
	CustomerEmail string
	UpdatedBefore time.Time
	Limit         int
}

// Repository is the storage port of the ledger. Reads outside WithinTx see
// committed data only; every check-and-set goes through a Tx.
type Repository interface {
	eventlog.Reader

	// WithinTx runs fn in a single transaction. fn must only use tx, never the
	// Repository itself.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	ListRefunds(ctx context.Context, filter RefundFilter) ([]*domain.Refund, error)
}

// Tx is the transactional view of the repository.
//
// GetOrder and GetRefund return *domain.NotFoundError for missing rows.
// UpdateOrder compares Version and returns *domain.ConflictError if another
// writer got there first. InsertRefund returns *domain.ConflictError when the
// order already has an active refund.
type Tx interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	UpdateOrder(ctx context.Context, o *domain.Order) error

	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	ActiveRefund(ctx context.Context, orderID string) (*domain.Refund, error)
	InsertRefund(ctx context.Context, r *domain.Refund) error
	UpdateRefund(ctx context.Context, r *domain.Refund) error

	AppendEvent(ctx context.Context, e *eventlog.Entry) error
}
