package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	paymentservice "github.com/jcmexdev/ecommerce-refunds/internal/payment-service/app"
	"github.com/jcmexdev/ecommerce-refunds/internal/payment-service/store"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/config"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/paymentrpc"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/telemetry"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "payment-service",
		Short:        "Payment processor reached by the order service over gRPC",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(configPath)
			if err != nil {
				return err
			}
			if err := v.BindPFlag(config.KeyPaymentGRPCAddr, cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().String("addr", ":50052", "gRPC listen address")
	rootCmd.AddCommand(serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	telemetry.InitLogger(cfg.LogLevel)

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "payment-service"
	}
	shutdown, err := telemetry.Setup(ctx, cfg.TracingEnabled, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initialise tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	st, err := store.New(cfg.Payment.BoltPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var responses cache.Cache
	if cfg.RedisAddr != "" {
		responses = cache.NewRedisCache(cfg.RedisAddr, "payment")
	} else {
		slog.Warn("REDIS_ADDR not set, caching responses in memory")
		responses = cache.NewMemoryCache("payment")
	}

	lis, err := net.Listen("tcp", cfg.Payment.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Payment.GRPCAddr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(interceptors.TraceServerInterceptor()),
	)
	paymentrpc.RegisterGatewayServer(grpcServer, paymentservice.NewProcessor(st, responses, paymentservice.Options{
		DeclineAbove:     cfg.Payment.DeclineAbove,
		AsyncRefundAbove: cfg.Payment.AsyncRefundAbove,
	}))

	go func() {
		<-ctx.Done()
		slog.Info("shutting down payment service")
		grpcServer.GracefulStop()
	}()

	slog.Info("payment service gRPC running", "addr", cfg.Payment.GRPCAddr)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
