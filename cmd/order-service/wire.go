package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/adapters/gateway"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/adapters/notify"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/adapters/sqlite"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/app"
	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/ports"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/paymentrpc"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/telemetry"
)

// service holds everything both commands need.
type service struct {
	cfg        *config.Config
	repo       *sqlite.Repository
	dispatcher *app.Dispatcher
	ledger     *app.Ledger
	refunds    *app.RefundService
	checkout   *app.Checkout
	reconciler *app.Reconciler

	closers []func() error
}

// newService wires storage, the gateway client, the cache and the notifiers.
// Close must be called once the service is no longer used.
func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	telemetry.InitLogger(cfg.LogLevel)

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "order-service"
	}
	shutdown, err := telemetry.Setup(ctx, cfg.TracingEnabled, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("initialise tracer: %w", err)
	}

	s := &service{cfg: cfg}
	s.closers = append(s.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	if dir := filepath.Dir(cfg.Order.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.Close()
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s.repo, err = sqlite.Open(cfg.Order.SQLitePath)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.repo.Close)

	conn, err := gateway.Dial(cfg.Order.PaymentServiceAddr)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, conn.Close)
	gw := gateway.NewGRPCGateway(paymentrpc.NewGatewayClient(conn), cfg.Order.GatewayTimeout)

	replays, notifier := s.cacheAndNotifier(cfg)

	s.dispatcher = app.NewDispatcher(notifier, cfg.Order.NotifyTimeout)
	s.ledger = app.NewLedger(s.repo, s.dispatcher)
	s.refunds = app.NewRefundService(s.repo, s.ledger, gw, s.dispatcher)
	s.checkout = app.NewCheckout(s.ledger, gw, replays, s.dispatcher)
	s.reconciler = app.NewReconciler(s.refunds, cfg.Order.ReconcileRate, cfg.Order.ReconcileGrace, cfg.Order.ReconcileBatch)
	return s, nil
}

// cacheAndNotifier uses Redis for checkout replays and pub/sub notifications
// when REDIS_ADDR is set, and falls back to process memory and logs otherwise.
func (s *service) cacheAndNotifier(cfg *config.Config) (cache.Cache, ports.Notifier) {
	logNotifier := notify.NewLogNotifier(slog.Default())
	if cfg.RedisAddr == "" {
		slog.Warn("REDIS_ADDR not set, checkout replays kept in memory")
		return cache.NewMemoryCache("order"), logNotifier
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	s.closers = append(s.closers, client.Close)
	return cache.NewRedisCacheFromClient(client, "order"),
		notify.Fanout{notify.NewRedisPublisher(client, cfg.Order.NotifyChannel), logNotifier}
}

// Close waits for pending notifications, then releases resources in reverse
// order of acquisition.
func (s *service) Close() {
	s.dispatcher.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}
}
