package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stockfolio/ledger/internal/config"
	"github.com/stockfolio/ledger/internal/ledger"
	"github.com/stockfolio/ledger/internal/logger"
	"github.com/stockfolio/ledger/internal/quota"
	"github.com/stockfolio/ledger/internal/storage"
	"github.com/stockfolio/ledger/internal/telegram"
	"github.com/stockfolio/ledger/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.New(cfg.Logging.Level)
	log.Info("starting stockfolio ledger", "db", cfg.Database.Path)

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}

	table := quota.Default()
	table.Override(quota.RoleGuest, cfg.Quota.Guest.ActiveLots, cfg.Quota.Guest.DailyTrades)
	table.Override(quota.RoleUser, cfg.Quota.User.ActiveLots, cfg.Quota.User.DailyTrades)

	notifier := telegram.NewNotifier(cfg, log)
	engine := ledger.New(db, table, cfg.Location(), log, notifier)
	webServer := web.NewServer(engine, cfg, log)

	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus("📒 stockfolio ledger started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	notifier.NotifyStatus("🛑 stockfolio ledger stopped")
	log.Info("stockfolio ledger stopped")
}
