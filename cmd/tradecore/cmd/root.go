package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"lv-tradecore/internal/config"
	"lv-tradecore/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "tradecore",
	Short: "Leveraged CFD trading engine",
	Long: `tradecore runs the in-memory trading engine: it marks positions to market
on every tick, enforces margin stop-out, fills pending orders and writes the
trade ledger to Postgres. Several instances can share one database; each owns
a shard of the accounts and they keep each other in sync over LISTEN/NOTIFY.`,
	SilenceUsage: true,
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	logger = logger.With(zap.String("instance", cfg.InstanceID))
	return cfg, logger, nil
}

func init() {
	rootCmd.SetErr(os.Stderr)
}
