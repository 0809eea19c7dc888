package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flamingrickpat/kektrade/params"
	"github.com/flamingrickpat/kektrade/pkg/api"
	"github.com/flamingrickpat/kektrade/pkg/exchange"
	"github.com/flamingrickpat/kektrade/pkg/feed"
	"github.com/flamingrickpat/kektrade/pkg/runner"
	"github.com/flamingrickpat/kektrade/pkg/storage"
	"github.com/flamingrickpat/kektrade/pkg/strategy"
	"github.com/flamingrickpat/kektrade/pkg/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "YAML run configuration")
	envPath := flag.String("env", "", ".env file (default: ./.env if present)")
	flag.Parse()

	cfg, err := params.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg = params.LoadFromEnv(*envPath, cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Run.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Run.LogFile, cfg.Run.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Run.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	runID := util.NewRunID(time.Now())
	sugar.Infow("backtest_starting",
		"run_id", runID,
		"run_name", cfg.Run.Name,
		"subaccounts", len(cfg.Subaccounts),
		"strategies", strategy.Names(),
		"db_path", cfg.Run.DBPath,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.Run.DBPath), 0755); err != nil {
		sugar.Fatalw("db_dir_failed", "err", err)
	}
	store, err := storage.NewPebbleStore(cfg.Run.DBPath)
	if err != nil {
		sugar.Fatalw("db_open_failed", "path", cfg.Run.DBPath, "err", err)
	}
	defer store.Close()

	hub := api.NewHub(sugar)
	sinks := []exchange.Sink{store, hub}
	if cfg.Run.Journal != "" {
		journal, err := storage.NewJournal(cfg.Run.Journal)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Run.Journal, "err", err)
		}
		defer journal.Close()
		sinks = append(sinks, journal)
	}
	sink := storage.NewFanout(sinks...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	if cfg.Run.Serve {
		server := api.NewServer(store, hub, sugar)
		go func() {
			if err := server.Start(ctx, cfg.Run.APIAddr); err != nil {
				sugar.Errorw("api_server_failed", "err", err)
			}
		}()
	}

	cache := feed.NewCache()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range cfg.Subaccounts {
		sub := sub
		g.Go(func() error {
			rep, err := runSubaccount(gctx, &cfg, sub, runID, cache, sink, sugar)
			if err != nil {
				return fmt.Errorf("subaccount %s: %w", sub.ID, err)
			}
			sugar.Infow("subaccount_finished",
				"subaccount", rep.Subaccount.ID,
				"account_balance", rep.Wallet.AccountBalance,
				"executions", rep.Executions,
				"optimizations", rep.Optimizations,
				"digest", rep.Subaccount.Digest,
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			sugar.Warnw("backtest_interrupted", "run_id", runID)
			return
		}
		sugar.Fatalw("backtest_failed", "run_id", runID, "err", err)
	}
	sugar.Infow("backtest_finished", "run_id", runID, "elapsed", time.Since(start))

	if cfg.Run.Serve {
		sugar.Infow("serving_reports", "addr", cfg.Run.APIAddr)
		<-ctx.Done()
	}
}

func runSubaccount(ctx context.Context, cfg *params.Config, sub params.Subaccount, runID string, cache *feed.Cache, sink storage.Sink, logger *zap.SugaredLogger) (runner.Report, error) {
	ex, err := cfg.ExchangeFor(sub)
	if err != nil {
		return runner.Report{}, err
	}
	exParams, err := toExchangeParams(ex)
	if err != nil {
		return runner.Report{}, err
	}
	if sub.Pair != "" {
		exParams.Symbol = sub.Pair
	}

	path := sub.Candles
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Run.DataDir, path)
	}
	series, err := cache.Load(path, sub.Start, sub.End)
	if err != nil {
		return runner.Report{}, err
	}

	return runner.Run(ctx, runner.Config{
		Subaccount: runID + "-" + sub.ID,
		Strategy:   sub.Strategy,
		Feed:       series,
		Exchange:   exParams,
		Fixed:      strategy.Parameters(sub.Parameters),
		Optimization: runner.Optimization{
			Enabled:   sub.Optimization.Enabled,
			TrainDays: sub.Optimization.TrainDays,
			TestDays:  sub.Optimization.TestDays,
			Workers:   cfg.Run.Workers,
		},
		Sink:       sink,
		FlushEvery: cfg.Run.FlushEvery,
		Logger:     logger.With("run_id", runID),
	})
}

func toExchangeParams(ex params.Exchange) (exchange.Params, error) {
	contract, err := exchange.ParseContract(ex.Contract)
	if err != nil {
		return exchange.Params{}, err
	}
	return exchange.Params{
		Symbol:                ex.Symbol,
		Contract:              contract,
		InitialDeposit:        ex.InitialDeposit,
		UnlimitedFunds:        ex.UnlimitedFunds,
		Leverage:              ex.Leverage,
		CrossMargin:           ex.CrossMargin,
		MaintenanceMarginRate: ex.MaintenanceMarginRate,
		StopMarketSlippage:    ex.StopMarketSlippage,
		MakerFee:              ex.MakerFee,
		TakerFee:              ex.TakerFee,
		HedgeMode:             ex.HedgeMode,
	}, nil
}
