package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/config"
	"github.com/GianGuaz256/pow-vending-machine/internal/history"
	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/services/mock"
	"github.com/GianGuaz256/pow-vending-machine/internal/services/real"
)

// CreateServices creates the gateway implementations selected by the
// configuration. Standalone mode always uses the in-memory gateways.
// Returns HardwareGateway, PaymentGateway, error
func CreateServices(ctx context.Context, cfg *config.ParsedConfig, logger *slog.Logger) (interfaces.HardwareGateway, interfaces.PaymentGateway, error) {
	var hardware interfaces.HardwareGateway
	switch driver := cfg.HardwareDriver(); driver {
	case config.DriverMock:
		hardware = mock.NewHardware(logger)
	case config.DriverMDB:
		mdb := real.NewMDB(real.MDBConfig{
			SerialPort:  cfg.Hardware.SerialPort,
			BaudRate:    cfg.Hardware.BaudRate,
			ReadTimeout: cfg.SerialTimeout,
			PriceScale:  int32(cfg.Hardware.PriceScale),
			Retries:     cfg.Hardware.Retries,
			Currency:    cfg.Vending.Currency,
		}, logger)
		// A board that is not answering yet is reported unhealthy at startup
		// rather than failing here.
		if err := mdb.Reconnect(ctx); err != nil {
			logger.Warn("mdb interface not ready", "port", cfg.Hardware.SerialPort, "error", err)
		}
		hardware = mdb
	default:
		return nil, nil, fmt.Errorf("unknown hardware driver %q", driver)
	}

	var payment interfaces.PaymentGateway
	switch driver := cfg.PaymentDriver(); driver {
	case config.DriverMock:
		payment = mock.NewPayment(cfg.MockSettleAfter, logger)
	case config.DriverBTCPay:
		payment = real.NewBTCPay(real.BTCPayConfig{
			ServerURL:         cfg.Payment.ServerURL,
			StoreID:           cfg.Payment.StoreID,
			APIKey:            cfg.Payment.APIKey,
			PaymentMethod:     cfg.Payment.PaymentMethod,
			InvoiceExpiry:     cfg.PaymentWindow,
			RequestsPerSecond: cfg.Payment.RequestsPerSecond,
			Vocabulary:        cfg.StatusVocabulary,
		}, logger)
	default:
		_ = hardware.Close()
		return nil, nil, fmt.Errorf("unknown payment driver %q", driver)
	}

	logger.Info("services created", "hardware", cfg.HardwareDriver(), "payment", cfg.PaymentDriver())
	return hardware, payment, nil
}

// CloseServices releases gateways created by CreateServices that never made
// it to an orchestrator. Both are closed even if the first fails.
func CloseServices(hardware interfaces.HardwareGateway, payment interfaces.PaymentGateway) error {
	var errs []error
	if hardware != nil {
		if err := hardware.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hardware: %w", err))
		}
	}
	if payment != nil {
		if err := payment.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close payment: %w", err))
		}
	}
	return errors.Join(errs...)
}

// History is an optional transaction recorder together with the function
// that releases it.
type History struct {
	Recorder interfaces.HistoryRecorder
	Close    func() error
}

// CreateHistory opens the configured history store and starts its pruning
// routine, which stops with ctx. The "none" driver yields a nil Recorder.
func CreateHistory(ctx context.Context, cfg *config.ParsedConfig, logger *slog.Logger) (*History, error) {
	switch cfg.History.Driver {
	case config.HistoryNone:
		return &History{Close: func() error { return nil }}, nil

	case config.HistoryMemory:
		store := history.NewMemoryStore(cfg.HistoryMaxAge, logger)
		if cfg.HistoryCleanup > 0 {
			store.StartCleanupRoutine(ctx, cfg.HistoryCleanup)
		}
		return &History{Recorder: store, Close: func() error { return nil }}, nil

	case config.HistorySQLite:
		store, err := history.OpenSQLite(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		if cfg.HistoryCleanup > 0 && cfg.HistoryMaxAge > 0 {
			go pruneSQLite(ctx, store, cfg.HistoryCleanup, cfg.HistoryMaxAge, logger.With("component", "history"))
		}
		return &History{Recorder: store, Close: store.Close}, nil
	}
	return nil, fmt.Errorf("unknown history driver %q", cfg.History.Driver)
}

func pruneSQLite(ctx context.Context, store *history.SQLiteStore, interval, maxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, time.Now().Add(-maxAge))
			if err != nil {
				logger.Warn("failed to prune history", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned history", "removed", n)
			}
		}
	}
}
