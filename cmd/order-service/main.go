package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jcmexdev/ecommerce-refunds/internal/pkg/config"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "order-service",
		Short:        "Orders, payments and refunds ledger",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then lets the command's
// flags override them.
func loadConfig(cmd *cobra.Command, path string, flags map[string]string) (*config.Config, error) {
	v, err := config.New(path)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd, flags); err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, flags map[string]string) error {
	for key, name := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
