package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// HardwareGateway is the vending mechanism: a source of vend requests and a
// sink of approve/deny decisions.
type HardwareGateway interface {
	// PollVendRequest returns the pending vend request, or nil when there is none.
	// It must not wait for a request to appear.
	PollVendRequest(ctx context.Context) (*models.VendRequest, error)
	ApproveVend(ctx context.Context) error
	DenyVend(ctx context.Context) error
	EndSession(ctx context.Context) error
	CheckHealth(ctx context.Context) bool
	Close() error
}

// PaymentGateway is the invoice lifecycle authority.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, amount decimal.Decimal, currency, description string) (*models.Invoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID string) (models.InvoiceStatus, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
	CheckHealth(ctx context.Context) bool
	Close() error
}

// PresentationSink renders machine status for the customer. Calls are
// fire-and-forget; the sink never feeds back into the orchestrator.
type PresentationSink interface {
	ShowReady()
	ShowPayableRequest(reference string, amount decimal.Decimal, currency string)
	ShowPaymentStatus(amount decimal.Decimal, currency string, status string)
	ShowDispensing(itemID string)
	ShowError(message string)
	ShowHealth(health models.ComponentHealth)
}

// StatusHandler receives pushed invoice status changes.
type StatusHandler interface {
	HandleInvoiceStatus(invoiceID string, status models.InvoiceStatus)
}

// StatusNotifier is implemented by payment gateways that can push status
// changes instead of (or in addition to) being polled.
type StatusNotifier interface {
	SetStatusHandler(handler StatusHandler)
}

// Reconnector is implemented by gateways that can re-establish a lost link.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// HealthChecker is implemented by presentation sinks that can fail.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// HistoryRecorder persists finished transactions.
type HistoryRecorder interface {
	Record(ctx context.Context, rec models.TransactionRecord) error
	Recent(ctx context.Context, limit int) ([]models.TransactionRecord, error)
}
