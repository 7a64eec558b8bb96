package vending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/telemetry"
)

// statusPoller polls the payment gateway for the status of one invoice at a
// time. Start and Stop are called from the run loop only.
type statusPoller struct {
	gateway  interfaces.PaymentGateway
	interval time.Duration
	timeout  time.Duration
	report   func(ctx context.Context, invoiceID string, status models.InvoiceStatus)
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *statusPoller) Start(invoiceID string) {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, invoiceID)
	}()
}

// Stop cancels the active poll and waits for it to return.
func (p *statusPoller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *statusPoller) run(ctx context.Context, invoiceID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logger := p.logger.With("invoice", invoiceID)
	last := models.InvoicePending
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		status, err := p.gateway.GetInvoiceStatus(callCtx, invoiceID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A failed check carries no new information; the payment timer
			// bounds how long this can go on.
			p.metrics.GatewayError(ctx, "payment", "get_invoice_status")
			logger.Warn("invoice status check failed", "error", err)
			continue
		}
		if status == last {
			continue
		}
		last = status
		logger.Debug("invoice status changed", "status", status)
		p.report(ctx, invoiceID, status)
		if status.Terminal() {
			return
		}
	}
}

// pollHardware asks the hardware for vend requests every interval and submits
// them. A request the machine rejects is denied on the hardware so the
// customer's session does not hang.
func (o *Orchestrator) pollHardware(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HardwarePollInterval)
	defer ticker.Stop()

	logger := o.logger.With("component", "hardware-poll")
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		req, err := o.cfg.Hardware.PollVendRequest(callCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 || failures%100 == 0 {
				logger.Warn("vend request poll failed", "error", err, "consecutive", failures)
			}
			continue
		}
		failures = 0
		if req == nil {
			continue
		}

		logger.Info("vend request", "item", req.ItemID, "price", req.Price.String())
		switch err := o.SubmitVendRequest(ctx, *req); {
		case err == nil:
		case errors.Is(err, ErrBusy):
			logger.Warn("vend request rejected, machine busy", "item", req.ItemID)
			o.denyRejected(logger)
		case ctx.Err() != nil, errors.Is(err, ErrShuttingDown):
			o.denyRejected(logger)
			return
		default:
			logger.Error("failed to submit vend request", "error", err)
			o.denyRejected(logger)
		}
	}
}

func (o *Orchestrator) denyRejected(logger *slog.Logger) {
	ctx, cancel := o.callCtx()
	defer cancel()
	if err := o.cfg.Hardware.DenyVend(ctx); err != nil {
		o.gatewayError("hardware", "deny_vend", err)
		return
	}
	logger.Debug("rejected vend request denied")
}
