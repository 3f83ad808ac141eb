// Package config loads service settings from defaults, an optional YAML file
// and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Keys double as environment variable names once upper-cased.
const (
	KeyLogLevel       = "log_level"
	KeyTracingEnabled = "tracing_enabled"
	KeyServiceName    = "otel_service_name"
	KeyOTLPEndpoint   = "otel_exporter_otlp_endpoint"
	KeyRedisAddr      = "redis_addr"

	KeyOrderHTTPAddr      = "order_http_addr"
	KeySQLitePath         = "sqlite_path"
	KeyPaymentServiceAddr = "payment_service_addr"
	KeyGatewayTimeout     = "gateway_timeout"
	KeyReconcileInterval  = "reconcile_interval"
	KeyReconcileGrace     = "reconcile_grace"
	KeyReconcileRate      = "reconcile_rate"
	KeyReconcileBatch     = "reconcile_batch"
	KeyNotifyChannel      = "notify_channel"
	KeyNotifyTimeout      = "notify_timeout"
	KeyRequestTimeout     = "request_timeout"

	KeyPaymentGRPCAddr  = "payment_grpc_addr"
	KeyBoltPath         = "bolt_path"
	KeyDeclineAbove     = "payment_decline_above"
	KeyAsyncRefundAbove = "payment_async_refund_above"
)

type Config struct {
	LogLevel       string
	TracingEnabled bool
	ServiceName    string
	OTLPEndpoint   string

	// RedisAddr empty disables Redis; in-memory fallbacks are used instead.
	RedisAddr string

	Order   OrderConfig
	Payment PaymentConfig
}

type OrderConfig struct {
	HTTPAddr           string
	SQLitePath         string
	PaymentServiceAddr string
	GatewayTimeout     time.Duration
	ReconcileInterval  time.Duration
	ReconcileGrace     time.Duration
	ReconcileRate      float64
	ReconcileBatch     int
	NotifyChannel      string
	NotifyTimeout      time.Duration
	RequestTimeout     time.Duration
}

type PaymentConfig struct {
	GRPCAddr string
	BoltPath string

	// DeclineAbove declines charges above the amount. Zero disables it.
	DeclineAbove decimal.Decimal
	// AsyncRefundAbove answers PENDING for refunds above the amount. Zero disables it.
	AsyncRefundAbove decimal.Decimal
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyTracingEnabled, false)
	v.SetDefault(KeyServiceName, "")
	v.SetDefault(KeyOTLPEndpoint, "localhost:4317")
	v.SetDefault(KeyRedisAddr, "")

	v.SetDefault(KeyOrderHTTPAddr, ":8080")
	v.SetDefault(KeySQLitePath, "./data/orders.db")
	v.SetDefault(KeyPaymentServiceAddr, "localhost:50052")
	v.SetDefault(KeyGatewayTimeout, "10s")
	v.SetDefault(KeyReconcileInterval, "1m")
	v.SetDefault(KeyReconcileGrace, "2m")
	v.SetDefault(KeyReconcileRate, 5.0)
	v.SetDefault(KeyReconcileBatch, 50)
	v.SetDefault(KeyNotifyChannel, "storefront.notifications")
	v.SetDefault(KeyNotifyTimeout, "5s")
	v.SetDefault(KeyRequestTimeout, "30s")

	v.SetDefault(KeyPaymentGRPCAddr, ":50052")
	v.SetDefault(KeyBoltPath, "./data/payments.db")
	v.SetDefault(KeyDeclineAbove, "0")
	v.SetDefault(KeyAsyncRefundAbove, "0")
}

// New returns a viper instance with defaults, environment binding and, when
// path is not empty, the YAML file at path merged in. Callers may bind cobra
// flags into it before calling FromViper.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}
	return v, nil
}

// Load is New followed by FromViper.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper materialises and validates a Config.
func FromViper(v *viper.Viper) (*Config, error) {
	declineAbove, err := decimal.NewFromString(v.GetString(KeyDeclineAbove))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", KeyDeclineAbove, err)
	}
	asyncAbove, err := decimal.NewFromString(v.GetString(KeyAsyncRefundAbove))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", KeyAsyncRefundAbove, err)
	}

	cfg := &Config{
		LogLevel:       v.GetString(KeyLogLevel),
		TracingEnabled: v.GetBool(KeyTracingEnabled),
		ServiceName:    v.GetString(KeyServiceName),
		OTLPEndpoint:   v.GetString(KeyOTLPEndpoint),
		RedisAddr:      v.GetString(KeyRedisAddr),
		Order: OrderConfig{
			HTTPAddr:           v.GetString(KeyOrderHTTPAddr),
			SQLitePath:         v.GetString(KeySQLitePath),
			PaymentServiceAddr: v.GetString(KeyPaymentServiceAddr),
			GatewayTimeout:     v.GetDuration(KeyGatewayTimeout),
			ReconcileInterval:  v.GetDuration(KeyReconcileInterval),
			ReconcileGrace:     v.GetDuration(KeyReconcileGrace),
			ReconcileRate:      v.GetFloat64(KeyReconcileRate),
			ReconcileBatch:     v.GetInt(KeyReconcileBatch),
			NotifyChannel:      v.GetString(KeyNotifyChannel),
			NotifyTimeout:      v.GetDuration(KeyNotifyTimeout),
			RequestTimeout:     v.GetDuration(KeyRequestTimeout),
		},
		Payment: PaymentConfig{
			GRPCAddr:         v.GetString(KeyPaymentGRPCAddr),
			BoltPath:         v.GetString(KeyBoltPath),
			DeclineAbove:     declineAbove,
			AsyncRefundAbove: asyncAbove,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		KeyOrderHTTPAddr:      c.Order.HTTPAddr,
		KeySQLitePath:         c.Order.SQLitePath,
		KeyPaymentServiceAddr: c.Order.PaymentServiceAddr,
		KeyPaymentGRPCAddr:    c.Payment.GRPCAddr,
		KeyBoltPath:           c.Payment.BoltPath,
	}
	for key, val := range required {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		}
	}
	positive := map[string]time.Duration{
		KeyGatewayTimeout:    c.Order.GatewayTimeout,
		KeyReconcileInterval: c.Order.ReconcileInterval,
		KeyReconcileGrace:    c.Order.ReconcileGrace,
		KeyNotifyTimeout:     c.Order.NotifyTimeout,
		KeyRequestTimeout:    c.Order.RequestTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", key))
		}
	}
	if c.Order.ReconcileRate <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyReconcileRate))
	}
	if c.Order.ReconcileBatch <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyReconcileBatch))
	}
	if c.Payment.DeclineAbove.IsNegative() || c.Payment.AsyncRefundAbove.IsNegative() {
		errs = append(errs, errors.New("payment thresholds must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
