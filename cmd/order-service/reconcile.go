package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/config"
)

func reconcileCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stuck refunds and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath, map[string]string{
				config.KeyReconcileGrace: "grace",
				config.KeyReconcileBatch: "batch",
			})
			if err != nil {
				return err
			}

			svc, err := newService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.reconciler.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			slog.InfoContext(cmd.Context(), "reconciliation finished",
				"examined", report.Examined,
				"completed", report.Completed,
				"failed", report.Failed,
				"still_processing", report.StillProcessing,
			)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	cmd.Flags().Duration("grace", 0, "only re-drive refunds untouched for longer than this")
	cmd.Flags().Int("batch", 0, "maximum refunds handled in this sweep")
	return cmd
}
