// Package sqlite provides the SQLite-backed implementation of ports.Repository.
//
// WAL mode is enabled on Open so readers never block the writer. The pool is
// capped at one connection, which serialises transactions: a check-and-set
// done inside WithinTx cannot interleave with another one. The partial unique
// index on refunds(order_id) and the version column on orders back that up at
// the schema level.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/eventlog"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"

	// Pure-Go driver, no CGO needed in the Alpine image.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id                        TEXT    PRIMARY KEY,
    customer_email            TEXT    NOT NULL,
    currency                  TEXT    NOT NULL,

    -- JSON documents; written once at checkout.
    items                     TEXT    NOT NULL,
    shipping_address          TEXT    NOT NULL,
    billing_address           TEXT    NOT NULL,
    billing_same_as_shipping  INTEGER NOT NULL DEFAULT 0,
    payment                   TEXT    NOT NULL,

    -- Money is decimal TEXT, never REAL.
    shipping_price            TEXT    NOT NULL,
    total_price               TEXT    NOT NULL,
    total_refunded            TEXT    NOT NULL DEFAULT '0',
    refund_count              INTEGER NOT NULL DEFAULT 0,
    last_refunded_at          TEXT,

    status                    TEXT    NOT NULL,
    created_at                TEXT    NOT NULL,
    paid_at                   TEXT    NOT NULL,
    delivered_at              TEXT,
    updated_at                TEXT    NOT NULL,

    -- Optimistic lock, bumped by every UPDATE.
    version                   INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_orders_customer_email ON orders(customer_email);

CREATE TABLE IF NOT EXISTS refunds (
    id                    TEXT    PRIMARY KEY,
    order_id              TEXT    NOT NULL REFERENCES orders(id),
    gateway_payment_id    TEXT    NOT NULL,
    gateway_refund_id     TEXT    NOT NULL DEFAULT '',
    idempotency_key       TEXT    NOT NULL UNIQUE,
    amount                TEXT    NOT NULL,
    currency              TEXT    NOT NULL,
    reason                TEXT    NOT NULL,
    status                TEXT    NOT NULL,
    initiated_by          TEXT    NOT NULL DEFAULT '',
    customer_email        TEXT    NOT NULL,
    failure_reason        TEXT    NOT NULL DEFAULT '',
    needs_reconciliation  INTEGER NOT NULL DEFAULT 0,
    created_at            TEXT    NOT NULL,
    updated_at            TEXT    NOT NULL,
    refunded_at           TEXT
);

CREATE INDEX IF NOT EXISTS idx_refunds_order_id ON refunds(order_id, created_at);
CREATE INDEX IF NOT EXISTS idx_refunds_status ON refunds(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_refunds_customer_email ON refunds(customer_email);

-- At most one refund per order may hold the refund slot.
CREATE UNIQUE INDEX IF NOT EXISTS idx_refunds_one_active
    ON refunds(order_id) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS order_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id     TEXT    NOT NULL,
    refund_id    TEXT    NOT NULL DEFAULT '',
    event_type   TEXT    NOT NULL,
    detail       TEXT    NOT NULL DEFAULT '{}',

    -- W3C ids of the span active when the row was written.
    trace_id     TEXT    NOT NULL DEFAULT '',
    span_id      TEXT    NOT NULL DEFAULT '',

    occurred_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events(order_id, id);
CREATE INDEX IF NOT EXISTS idx_order_events_trace_id ON order_events(trace_id);
`

// Repository is the SQLite implementation of ports.Repository.
type Repository struct {
	db *sql.DB
}

var _ ports.Repository = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/orders.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// Single writer connection; see package doc.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the connection, used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WithinTx runs fn inside a transaction and commits when fn returns nil.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, r.db, id)
}

func (r *Repository) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return getRefund(ctx, r.db, id)
}

func (r *Repository) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]*domain.Refund, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CustomerEmail != "" {
		where = append(where, "customer_email = ?")
		args = append(args, filter.CustomerEmail)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}

	q := "SELECT " + refundColumns + " FROM refunds"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list refunds: %w", err)
	}
	defer rows.Close()

	refunds := []*domain.Refund{}
	for rows.Next() {
		ref, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list refunds: %w", err)
	}
	return refunds, nil
}

// ListByOrder returns the audit trail of an order, oldest first.
func (r *Repository) ListByOrder(ctx context.Context, orderID string) ([]*eventlog.Entry, error) {
	const q = `
		SELECT id, order_id, refund_id, event_type, detail, trace_id, span_id, occurred_at
		FROM   order_events
		WHERE  order_id = ?
		ORDER  BY id ASC`

	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events for %q: %w", orderID, err)
	}
	defer rows.Close()

	entries := []*eventlog.Entry{}
	for rows.Next() {
		var (
			e          eventlog.Entry
			occurredAt string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.RefundID, &e.Type, &e.Detail, &e.TraceID, &e.SpanID, &occurredAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if e.OccurredAt, err = parseRFC3339(occurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list events for %q: %w", orderID, err)
	}
	return entries, nil
}

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// isUniqueViolation matches the constraint error text of the modernc driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("sqlite: get %s %q: %w", kind, id, err)
}
