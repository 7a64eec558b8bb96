// Command vending runs the Lightning vending machine controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/GianGuaz256/pow-vending-machine/internal/config"
	"github.com/GianGuaz256/pow-vending-machine/internal/display"
	"github.com/GianGuaz256/pow-vending-machine/internal/handlers"
	"github.com/GianGuaz256/pow-vending-machine/internal/services"
	"github.com/GianGuaz256/pow-vending-machine/internal/telemetry"
	"github.com/GianGuaz256/pow-vending-machine/internal/vending"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("vending machine stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("vending machine stopped")
}

func run(cfg *config.ParsedConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Debug("configuration loaded",
		"standalone", cfg.StandaloneMode,
		"hardware", cfg.HardwareDriver(),
		"payment", cfg.PaymentDriver(),
		"currency", cfg.Vending.Currency,
		"min_price", cfg.MinPrice.String(),
		"max_price", cfg.MaxPrice.String(),
		"payment_window", cfg.PaymentWindow,
		"history", cfg.History.Driver)

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry.OTLPEndpoint, cfg.ExportInterval)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()
	metrics, err := telemetry.New(provider.Meter())
	if err != nil {
		return err
	}

	hardware, payment, err := services.CreateServices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	closeGateways := func() {
		if err := services.CloseServices(hardware, payment); err != nil {
			logger.Warn("failed to release gateways", "error", err)
		}
	}
	hist, err := services.CreateHistory(ctx, cfg, logger)
	if err != nil {
		closeGateways()
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer hist.Close()

	board := display.NewBoard()
	sink := display.Multi{board, display.NewLogSink(logger)}

	orch, err := vending.New(vending.Config{
		Machine: vending.MachineConfig{
			MinPrice:          cfg.MinPrice,
			MaxPrice:          cfg.MaxPrice,
			Currency:          cfg.Vending.Currency,
			PaymentWindow:     cfg.PaymentWindow,
			DispenseWindow:    cfg.DispenseWindow,
			ErrorHold:         cfg.ErrorHold,
			DescriptionFormat: cfg.Vending.DescriptionFormat,
		},
		HardwarePollInterval: cfg.HardwarePoll,
		PaymentPollInterval:  cfg.PaymentPoll,
		CallTimeout:          cfg.CallTimeout,
		HealthInterval:       cfg.HealthInterval,
		ReconnectBackoff:     cfg.ReconnectBackoff,
		StallThreshold:       cfg.StallThreshold,
		QueueSize:            cfg.Vending.QueueSize,
		Hardware:             hardware,
		Payment:              payment,
		Sink:                 sink,
		History:              hist.Recorder,
		Metrics:              metrics,
		Logger:               logger,
	})
	if err != nil {
		closeGateways()
		return err
	}

	handler := handlers.NewVendingHandler(orch, board, hist.Recorder, handlers.Options{
		Currency:      cfg.Vending.Currency,
		VendEnabled:   cfg.HardwareDriver() == config.DriverMock,
		WebhookSecret: cfg.Payment.WebhookSecret,
	}, logger)
	if cfg.PaymentDriver() == config.DriverBTCPay && cfg.Payment.WebhookSecret == "" {
		logger.Warn("no webhook secret configured, webhook deliveries are refused and payments are only polled")
	}

	var router *gin.Engine
	if cfg.Server.Verbose {
		gin.SetMode(gin.DebugMode)
		router = gin.Default()
	} else {
		gin.SetMode(gin.ReleaseMode)
		router = gin.New()
		router.Use(gin.Recovery())
	}
	handler.Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-orch.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.StandaloneMode {
		logger.Info("running in STANDALONE mode, POST /api/vend to simulate a purchase")
	}
	return g.Wait()
}
