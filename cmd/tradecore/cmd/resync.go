package cmd

import (
	"errors"
	"fmt"
	"strings"

	"lv-tradecore/internal/db"
	"lv-tradecore/internal/enginesync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	resyncAccount    string
	resyncInstrument string
	resyncMarket     string
	resyncOpen       bool
)

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Ask running instances to reload state from the database",
	Long: `resync publishes a sync message that every running instance applies.

Examples:
  tradecore resync --account 6f0c...
  tradecore resync --instrument EURUSD
  tradecore resync --market EURUSD --open=false`,
	RunE: runResync,
}

func init() {
	rootCmd.AddCommand(resyncCmd)
	resyncCmd.Flags().StringVar(&resyncAccount, "account", "", "account id to reload")
	resyncCmd.Flags().StringVar(&resyncInstrument, "instrument", "", "instrument code to reload")
	resyncCmd.Flags().StringVar(&resyncMarket, "market", "", "symbol whose market status to set, * for all")
	resyncCmd.Flags().BoolVar(&resyncOpen, "open", true, "market status used with --market")
}

func runResync(cmd *cobra.Command, args []string) error {
	if resyncAccount == "" && resyncInstrument == "" && resyncMarket == "" {
		return errors.New("one of --account, --instrument or --market is required")
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	// The CLI never applies messages, so it gets its own origin.
	bus := enginesync.NewBus(enginesync.NewPgTransport(pool, cfg.SyncChannel, logger), nil, "cli-"+uuid.NewString(), logger)
	if resyncAccount != "" {
		if err := bus.PublishAccountSnapshot(ctx, resyncAccount); err != nil {
			return err
		}
		logger.Info("account resync published", zap.String("account_id", resyncAccount))
	}
	if resyncInstrument != "" {
		code := strings.ToUpper(resyncInstrument)
		inst, err := enginesync.NewStore(pool).LoadInstrument(ctx, code)
		switch {
		case errors.Is(err, enginesync.ErrNotFound):
			err = bus.PublishSymbolRemove(ctx, code)
		case err != nil:
			return fmt.Errorf("load instrument %s: %w", code, err)
		default:
			err = bus.PublishSymbolUpsert(ctx, inst)
		}
		if err != nil {
			return err
		}
		logger.Info("instrument resync published", zap.String("symbol", code))
	}
	if resyncMarket != "" {
		code := strings.ToUpper(resyncMarket)
		if code == "*" {
			code = ""
		}
		if err := bus.PublishMarketStatus(ctx, code, resyncOpen); err != nil {
			return err
		}
		logger.Info("market status published", zap.String("symbol", resyncMarket), zap.Bool("open", resyncOpen))
	}
	return nil
}
