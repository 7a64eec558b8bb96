package vending

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
)

// ShutdownCoordinator performs the final cleanup of a run. Every step is best
// effort: failures are logged and the remaining steps still run. Only the
// first call does any work.
type ShutdownCoordinator struct {
	hardware interfaces.HardwareGateway
	payment  interfaces.PaymentGateway
	sink     interfaces.PresentationSink
	timeout  time.Duration
	logger   *slog.Logger

	once sync.Once
}

func NewShutdownCoordinator(hardware interfaces.HardwareGateway, payment interfaces.PaymentGateway, sink interfaces.PresentationSink, timeout time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		hardware: hardware,
		payment:  payment,
		sink:     sink,
		timeout:  timeout,
		logger:   logger.With("component", "shutdown"),
	}
}

// Run settles what td says is still owed to the gateways, then releases them
// in order: hardware, payment, presentation.
func (c *ShutdownCoordinator) Run(td Teardown) {
	c.once.Do(func() {
		c.logger.Info("shutting down",
			"cancel_invoice", td.CancelInvoiceID, "deny_vend", td.DenyVend, "end_session", td.EndSession)

		if td.CancelInvoiceID != "" {
			c.call("cancel invoice", func(ctx context.Context) error {
				return c.payment.CancelInvoice(ctx, td.CancelInvoiceID)
			})
		}
		if td.DenyVend {
			c.call("deny vend", c.hardware.DenyVend)
		}
		if td.EndSession {
			c.call("end session", c.hardware.EndSession)
		}

		c.release("hardware", c.hardware)
		c.release("payment", c.payment)
		if closer, ok := c.sink.(io.Closer); ok {
			c.release("presentation", closer)
		}
		c.logger.Info("shutdown complete")
	})
}

// Release frees the gateways without any transaction cleanup.
func (c *ShutdownCoordinator) Release() {
	c.Run(Teardown{})
}

func (c *ShutdownCoordinator) call(what string, fn func(context.Context) error) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		c.logger.Warn("cleanup step failed", "step", what, "error", err)
	}
}

func (c *ShutdownCoordinator) release(name string, closer io.Closer) {
	if err := closer.Close(); err != nil {
		c.logger.Warn("failed to release gateway", "gateway", name, "error", err)
	}
}
