package eventlog

import "context"

// Reader lists the audit trail of an order, oldest first.
type Reader interface {
	ListByOrder(ctx context.Context, orderID string) ([]*Entry, error)
}
