package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"lv-tradecore/internal/accounts"
	"lv-tradecore/internal/auth"
	"lv-tradecore/internal/config"
	"lv-tradecore/internal/db"
	"lv-tradecore/internal/engine"
	"lv-tradecore/internal/enginesync"
	"lv-tradecore/internal/health"
	"lv-tradecore/internal/httpserver"
	"lv-tradecore/internal/ledger"
	"lv-tradecore/internal/marketdata"
	"lv-tradecore/internal/order"
	"lv-tradecore/internal/shard"
	"lv-tradecore/internal/trading"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sessionTTL      = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
	tickBuffer      = 1024
	requestsPerSec  = 20
	requestBurst    = 40
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply the schema before starting")
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startedAt := time.Now()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if migrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}
	ring, err := shard.New(cfg.ShardIndex, cfg.ShardCount)
	if err != nil {
		return err
	}

	ledgerStore := ledger.NewStore(pool)
	syncStore := enginesync.NewStore(pool)

	eng := engine.New(engine.Options{
		Risk:      cfg.Risk,
		Validator: order.NewValidator(cfg.Limits),
		Owns:      ring.Owns,
		Logger:    logger,
	})
	syncer := enginesync.New(eng, syncStore, ring.Owns, logger)
	syncBus := enginesync.NewBus(enginesync.NewPgTransport(pool, cfg.SyncChannel, logger), syncer, cfg.InstanceID, logger)
	queue := ledger.NewQueue(ledgerStore, syncBus, logger, ledger.QueueOptions{Buffer: cfg.LedgerBuffer})
	wsBus := marketdata.NewBus()
	eng.AddSink(queue)
	eng.AddSink(wsBus)

	router := marketdata.NewPriceRouter(eng, wsBus, tickBuffer, logger)
	var feed *marketdata.Feed
	if cfg.FeedURL != "" {
		feed = marketdata.NewFeed(marketdata.FeedConfig{URL: cfg.FeedURL}, router, logger)
	}

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), sessionTTL)
	accountSvc := accounts.NewService(accounts.NewPgStore(pool, ledgerStore), syncer, eng, syncBus, logger)
	healthHandler := health.NewHandler(pool, eng, queue, cfg.InstanceID, startedAt)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: httpserver.NewRouter(httpserver.RouterDeps{
			Auth:            authSvc,
			TradingHandler:  trading.NewHandler(eng),
			AccountsHandler: accounts.NewHandler(accountSvc),
			SyncHandler:     enginesync.NewHandler(syncer, syncStore, syncBus),
			HealthHandler:   healthHandler,
			WSHandler:       httpserver.NewWSHandler(wsBus, authSvc, eng, cfg.WebSocketOrigin, logger),
			InternalToken:   cfg.InternalToken,
			Limiter:         httpserver.NewIPLimiter(requestsPerSec, requestBurst),
			Loaded:          healthHandler.Loaded,
		}),
	}

	// The ledger outlives the engine so that events emitted during the last
	// commands are still written.
	ledgerCtx, stopLedger := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLedger()
	ledgerDone := make(chan error, 1)
	go func() { ledgerDone <- queue.Run(ledgerCtx) }()
	finish := func(err error) error {
		stopLedger()
		if lerr := <-ledgerDone; lerr != nil {
			err = errors.Join(err, lerr)
		}
		logger.Info("shutdown complete", zap.Uint64("ledger_events", queue.Enqueued()), zap.Int64("ledger_pending", queue.Pending()))
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return eng.Run(gctx) })
	// The bus listens before loading so no change published meanwhile is lost.
	g.Go(func() error { return syncBus.Run(gctx) })
	// HTTP starts early so health checks answer; /v1 and /internal answer 503
	// until loading is done.
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.Int("shard", ring.Index), zap.Int("shards", ring.Count))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Positions must be restored before any order, tick or balance
	// correction touches an account.
	if err := bootstrap(gctx, cfg, syncStore, syncer, logger); err != nil {
		cancelRun()
		werr := g.Wait()
		if ctx.Err() == nil {
			werr = errors.Join(err, werr)
		}
		return finish(werr)
	}
	healthHandler.SetLoaded()

	g.Go(func() error { return syncer.RunReconciler(gctx, cfg.ReconcileInterval, queue) })
	g.Go(func() error { return router.Run(gctx) })
	if feed != nil {
		g.Go(func() error { return feed.Run(gctx) })
	}
	return finish(g.Wait())
}

// bootstrap seeds configured instruments and loads durable state into the
// engine. The engine accepts commands as soon as it is created; they run
// once eng.Run starts.
func bootstrap(ctx context.Context, cfg config.Config, store *enginesync.Store, syncer *enginesync.Sync, logger *zap.Logger) error {
	for _, inst := range cfg.Symbols {
		created, err := store.SeedInstrument(ctx, inst)
		if err != nil {
			return err
		}
		if created {
			logger.Info("instrument seeded", zap.String("symbol", inst.Code))
		}
	}
	report, err := syncer.ReloadAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("engine state loaded",
		zap.Int("accounts", report.Accounts),
		zap.Int("symbols", report.Symbols),
		zap.Int("positions", report.Positions),
		zap.Int("pending_orders", report.PendingOrders),
		zap.Int("failed", report.Failed),
	)
	return nil
}
