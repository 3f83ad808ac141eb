// Package store is the processor's durable ledger of captured payments and
// issued refunds, kept in a single BoltDB file.
//
// Every write is keyed by the caller's idempotency key: a second write with a
// key already on file returns the stored record and changes nothing.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"
)

var (
	paymentsBucket    = []byte("payments")
	refundsBucket     = []byte("refunds")
	idempotencyBucket = []byte("idempotency")
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrCurrencyMismatch = errors.New("currency does not match payment")
	ErrExceedsCaptured  = errors.New("refund exceeds captured amount")
	ErrKeyReused        = errors.New("idempotency key already used for a different operation")
)

const (
	StatusCompleted = "COMPLETED"
	StatusPending   = "PENDING"
)

type Payment struct {
	ID             string            `json:"id"`
	Amount         decimal.Decimal   `json:"amount"`
	Refunded       decimal.Decimal   `json:"refunded"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	BuyerEmail     string            `json:"buyerEmail,omitempty"`
	Risk           map[string]string `json:"risk,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Refundable is what is left of the captured amount.
func (p *Payment) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.Refunded)
}

type Refund struct {
	ID             string          `json:"id"`
	PaymentID      string          `json:"paymentId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
	SettledAt      *time.Time      `json:"settledAt,omitempty"`
}

// keyRecord maps an idempotency key to the record it produced.
type keyRecord struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

const (
	kindPayment = "payment"
	kindRefund  = "refund"
)

type Store struct {
	db *bolt.DB
}

// New opens (or creates) the database at path and ensures the buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{paymentsBucket, refundsBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePayment stores p unless its idempotency key is already on file, in
// which case the payment recorded under that key is returned with
// created=false.
func (s *Store) CreatePayment(p *Payment) (*Payment, bool, error) {
	var (
		result  Payment
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := lookupKey(tx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.Kind != kindPayment {
				return ErrKeyReused
			}
			return get(tx.Bucket(paymentsBucket), rec.ID, &result)
		}

		if err := put(tx.Bucket(paymentsBucket), p.ID, p); err != nil {
			return err
		}
		if err := put(tx.Bucket(idempotencyBucket), p.IdempotencyKey, keyRecord{Kind: kindPayment, ID: p.ID}); err != nil {
			return err
		}
		result = *p
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

func (s *Store) GetPayment(id string) (*Payment, error) {
	var p Payment
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(paymentsBucket), id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetRefund(id string) (*Refund, error) {
	var r Refund
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(refundsBucket), id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RefundByKey returns the refund recorded under key, or ErrNotFound.
func (s *Store) RefundByKey(key string) (*Refund, error) {
	var r Refund
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := lookupKey(tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		if rec.Kind != kindRefund {
			return ErrKeyReused
		}
		return get(tx.Bucket(refundsBucket), rec.ID, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// IssueRefund records r against its payment in one transaction. The refunded
// total of the payment is raised by r.Amount, pending refunds included, so the
// captured amount can never be over-refunded. A key already on file returns
// the stored refund with created=false.
func (s *Store) IssueRefund(r *Refund) (*Refund, bool, error) {
	var (
		result  Refund
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := lookupKey(tx, r.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.Kind != kindRefund {
				return ErrKeyReused
			}
			return get(tx.Bucket(refundsBucket), rec.ID, &result)
		}

		payments := tx.Bucket(paymentsBucket)
		var p Payment
		if err := get(payments, r.PaymentID, &p); err != nil {
			return err
		}
		if p.Currency != r.Currency {
			return ErrCurrencyMismatch
		}
		if r.Amount.GreaterThan(p.Refundable()) {
			return fmt.Errorf("%w: requested %s, refundable %s", ErrExceedsCaptured, r.Amount, p.Refundable())
		}
		p.Refunded = p.Refunded.Add(r.Amount)

		if err := put(payments, p.ID, &p); err != nil {
			return err
		}
		if err := put(tx.Bucket(refundsBucket), r.ID, r); err != nil {
			return err
		}
		if err := put(tx.Bucket(idempotencyBucket), r.IdempotencyKey, keyRecord{Kind: kindRefund, ID: r.ID}); err != nil {
			return err
		}
		result = *r
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// SettleRefund moves a pending refund to completed. Settling a completed
// refund is a no-op.
func (s *Store) SettleRefund(id string, at time.Time) (*Refund, error) {
	var r Refund
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refundsBucket)
		if err := get(b, id, &r); err != nil {
			return err
		}
		if r.Status == StatusCompleted {
			return nil
		}
		r.Status = StatusCompleted
		r.SettledAt = &at
		return put(b, r.ID, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func lookupKey(tx *bolt.Tx, key string) (*keyRecord, error) {
	v := tx.Bucket(idempotencyBucket).Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var rec keyRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("bolt: decode key %q: %w", key, err)
	}
	return &rec, nil
}

func get(b *bolt.Bucket, id string, v any) error {
	data := b.Get([]byte(id))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func put(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}
