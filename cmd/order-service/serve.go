package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/ecommerce-refunds/internal/order-service/adapters/httpx"
	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/config"
)

func serveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath, map[string]string{
				config.KeyOrderHTTPAddr:      "addr",
				config.KeyPaymentServiceAddr: "payment-addr",
			})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("payment-addr", "localhost:50052", "payment service gRPC address")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler := httpx.NewHandler(svc.checkout, svc.ledger, svc.refunds, svc.reconciler, svc.repo)
	srv := &http.Server{
		Addr:              cfg.Order.HTTPAddr,
		Handler:           httpx.NewRouter(handler, cfg.Order.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		svc.reconciler.Run(sweepCtx, cfg.Order.ReconcileInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("order service HTTP running", "addr", cfg.Order.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down order service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	stopSweeps()
	<-reconcileDone
	return runErr
}
