// Package notify holds the ports.Notifier implementations: a Redis pub/sub
// publisher consumed by the mailer, a structured-log notifier and a fan-out.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
)

// RedisPublisher publishes each event as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

var _ ports.Notifier = (*RedisPublisher)(nil)

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, ev ports.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", ev.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", ev.Type, p.channel, err)
	}
	return nil
}

// LogNotifier writes events to the structured log. It is the fallback when no
// broker is configured and the operator trail for orphaned payments.
type LogNotifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev ports.Event) error {
	level := slog.LevelInfo
	if ev.Type == ports.EventPaymentOrphaned {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "notification",
		"event", ev.Type,
		"order_id", ev.OrderID,
		"refund_id", ev.RefundID,
		"payment_id", ev.PaymentID,
		"email", ev.CustomerEmail,
		"amount", ev.Amount,
		"currency", ev.Currency,
		"status", ev.Status,
	)
	return nil
}

// Fanout delivers to every notifier and joins their errors. One failing
// notifier does not stop the others.
type Fanout []ports.Notifier

var _ ports.Notifier = Fanout(nil)

func (f Fanout) Notify(ctx context.Context, ev ports.Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
