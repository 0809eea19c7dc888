package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flamingrickpat/kektrade/params"
	"github.com/flamingrickpat/kektrade/pkg/api"
	"github.com/flamingrickpat/kektrade/pkg/storage"
	"github.com/flamingrickpat/kektrade/pkg/util"
)

// report serves the history of finished runs without simulating anything.
func main() {
	envPath := flag.String("env", "", ".env file (default: ./.env if present)")
	dbPath := flag.String("db", "", "run database (default: run.db_path)")
	addr := flag.String("addr", "", "listen address (default: run.api_addr)")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath, params.Default())
	if *dbPath != "" {
		cfg.Run.DBPath = *dbPath
	}
	if *addr != "" {
		cfg.Run.APIAddr = *addr
	}

	logger, err := util.NewLogger(cfg.Run.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := storage.NewPebbleStore(cfg.Run.DBPath)
	if err != nil {
		sugar.Fatalw("db_open_failed", "path", cfg.Run.DBPath, "err", err)
	}
	defer store.Close()

	subs, err := store.Subaccounts()
	if err != nil {
		sugar.Fatalw("db_read_failed", "err", err)
	}
	sugar.Infow("report_ready", "db_path", cfg.Run.DBPath, "subaccounts", len(subs))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(store, nil, sugar)
	if err := server.Start(ctx, cfg.Run.APIAddr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
	}
}
