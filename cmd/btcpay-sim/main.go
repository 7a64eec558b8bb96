// Command btcpay-sim runs a local BTCPay Server stand-in for bench testing the
// vending machine without a Lightning node.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/GianGuaz256/pow-vending-machine/internal/btcpaysim"
)

func main() {
	configPath := flag.String("config", "btcpay-sim.yaml", "path to the simulator configuration")
	flag.Parse()

	cfg, err := btcpaysim.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	logger.Debug("configuration loaded",
		"path", *configPath,
		"port", cfg.Server.Port,
		"store", cfg.Store.ID,
		"invoice_expiry", cfg.InvoiceExpiry,
		"webhook_url", cfg.Webhooks.URL,
		"webhook_max_retries", cfg.Webhooks.MaxRetries)
	if cfg.Store.APIKey == "" {
		logger.Warn("no api_key configured, Greenfield requests are not authenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := btcpaysim.NewStore(cfg.Store.ID, cfg.InvoiceExpiry, logger)
	notifier := btcpaysim.NewNotifier(cfg.Webhooks.URL, cfg.Webhooks.ID, cfg.Webhooks.Secret,
		cfg.WebhookTimeout, cfg.Webhooks.MaxRetries, logger)
	handler := btcpaysim.NewHandler(store, notifier, cfg.Store.ID, cfg.Store.APIKey, logger)
	store.StartSweeper(ctx, cfg.SweepInterval, handler.OnExpire)

	srv := btcpaysim.NewServer(handler, logger)
	logger.Info("btcpay simulator ready", "port", cfg.Server.Port, "store", cfg.Store.ID)
	if err := srv.Run(ctx, cfg.Server.Port); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("btcpay simulator stopped")
}
