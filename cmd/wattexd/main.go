package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wattexchange/wattex/params"
	"github.com/wattexchange/wattex/pkg/api"
	"github.com/wattexchange/wattex/pkg/bridge/deposit"
	"github.com/wattexchange/wattex/pkg/bridge/withdrawal"
	"github.com/wattexchange/wattex/pkg/events"
	"github.com/wattexchange/wattex/pkg/exchange/balance"
	"github.com/wattexchange/wattex/pkg/exchange/demand"
	"github.com/wattexchange/wattex/pkg/exchange/engine"
	"github.com/wattexchange/wattex/pkg/exchange/product"
	"github.com/wattexchange/wattex/pkg/storage"
	"github.com/wattexchange/wattex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage ----
	archive, err := storage.NewStore(filepath.Join(cfg.Node.DataDir, "archive"))
	if err != nil {
		sugar.Fatalw("archive_open_failed", "err", err)
	}
	defer archive.Close()

	balances, err := balance.NewLedger(filepath.Join(cfg.Node.DataDir, "balances"))
	if err != nil {
		sugar.Fatalw("balance_ledger_open_failed", "err", err)
	}
	defer balances.Close()

	depositLedger, err := deposit.NewLedger(archive)
	if err != nil {
		sugar.Fatalw("deposit_ledger_load_failed", "err", err)
	}
	withdrawalLedger, err := withdrawal.NewLedger(archive)
	if err != nil {
		sugar.Fatalw("withdrawal_ledger_load_failed", "err", err)
	}

	// ---- Registries ----
	products := product.NewRegistry()
	demands := demand.NewRegistry()

	// ---- Matching engine ----
	// Events fan out to the structured log and the WebSocket hub.
	fanout := &events.Fanout{}
	fanout.Add(events.Log{Logger: logger})

	eng := engine.New(engine.Config{
		Products:  products,
		Balances:  balances,
		Demands:   demands,
		Deposits:  depositLedger,
		Archive:   archive,
		Events:    fanout,
		Logger:    logger,
		QueueSize: cfg.Engine.QueueSize,
	})

	runner := engine.NewRunner(eng, cfg.Engine.DemandInterval, cfg.Engine.ExpiryInterval)
	runner.Start()
	defer runner.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Bridges ----
	// The registry bridge and custody layer are external systems; without
	// endpoints configured the node runs with inert development stubs.
	watcher := deposit.NewWatcher(logger, deposit.NopSource{}, depositLedger, eng,
		cfg.Bridge.RequiredConfirmations, 15*time.Second, util.RealClock{})
	go watcher.Run(ctx)

	processor := withdrawal.NewProcessor(logger, withdrawalLedger, eng,
		withdrawal.InstantCustody{}, fanout, util.RealClock{}, withdrawal.ProcessorConfig{
			MaxAttempts: cfg.Bridge.WithdrawalMaxAttempts,
			BaseDelay:   cfg.Bridge.WithdrawalBaseDelay,
			MaxDelay:    cfg.Bridge.WithdrawalMaxDelay,
		})
	go processor.Run(ctx)

	// ---- API Server ----
	server := api.NewServer(eng, products, balances, demands, processor, withdrawalLedger, depositLedger, archive)
	fanout.Add(server.Hub())

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := server.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"queue_size", cfg.Engine.QueueSize,
		"demand_interval", cfg.Engine.DemandInterval,
		"expiry_interval", cfg.Engine.ExpiryInterval)

	<-ctx.Done()
	sugar.Info("shutting_down")
}
