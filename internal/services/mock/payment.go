package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// Payment simulates a Lightning payment processor. With a positive settle
// delay every invoice is paid automatically and the status change is pushed
// to the registered handler, the way a webhook would deliver it.
type Payment struct {
	mu          sync.Mutex
	invoices    map[string]*models.Invoice
	order       []string
	cancelled   []string
	seq         int
	settleAfter time.Duration
	handler     interfaces.StatusHandler
	healthy     bool
	closed      bool

	createErr error
	statusErr error
	cancelErr error

	logger *slog.Logger
}

// NewPayment creates an in-memory payment gateway. Invoices settle on their
// own after settleAfter unless it is zero.
func NewPayment(settleAfter time.Duration, logger *slog.Logger) *Payment {
	return &Payment{
		invoices:    make(map[string]*models.Invoice),
		settleAfter: settleAfter,
		healthy:     true,
		logger:      logger.With("component", "mock-payment"),
	}
}

func (p *Payment) CreateInvoice(_ context.Context, amount decimal.Decimal, currency, description string) (*models.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.createErr != nil {
		return nil, p.createErr
	}

	p.seq++
	inv := &models.Invoice{
		ID:               fmt.Sprintf("mock_inv_%d", p.seq),
		Amount:           amount,
		Currency:         currency,
		PayableReference: fmt.Sprintf("lnbcrt%smock%d", amount.Shift(2).StringFixed(0), p.seq),
		Status:           models.InvoicePending,
		CreatedAt:        time.Now(),
	}
	p.invoices[inv.ID] = inv
	p.order = append(p.order, inv.ID)
	p.logger.Info("invoice created", "invoice", inv.ID, "amount", amount.String(), "currency", currency, "description", description)

	if p.settleAfter > 0 {
		id := inv.ID
		time.AfterFunc(p.settleAfter, func() {
			p.logger.Info("simulated customer payment", "invoice", id)
			p.Settle(id)
		})
	}

	out := *inv
	return &out, nil
}

func (p *Payment) GetInvoiceStatus(_ context.Context, invoiceID string) (models.InvoiceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statusErr != nil {
		return "", p.statusErr
	}
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return "", fmt.Errorf("invoice %s not found", invoiceID)
	}
	return inv.Status, nil
}

func (p *Payment) CancelInvoice(_ context.Context, invoiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelled = append(p.cancelled, invoiceID)
	if p.cancelErr != nil {
		return p.cancelErr
	}
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("invoice %s not found", invoiceID)
	}
	if inv.Status == models.InvoicePending {
		inv.Status = models.InvoiceInvalid
	}
	p.logger.Info("invoice cancelled", "invoice", invoiceID)
	return nil
}

func (p *Payment) CheckHealth(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy && !p.closed
}

func (p *Payment) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetStatusHandler registers the receiver of pushed status changes.
func (p *Payment) SetStatusHandler(handler interfaces.StatusHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
	p.logger.Debug("status handler registered")
}

// Settle marks an invoice paid and pushes the change.
func (p *Payment) Settle(invoiceID string) {
	p.SetStatus(invoiceID, models.InvoiceSettled, true)
}

// SetStatus changes an invoice's status; with push set the registered
// handler is notified.
func (p *Payment) SetStatus(invoiceID string, status models.InvoiceStatus, push bool) {
	p.mu.Lock()
	inv, ok := p.invoices[invoiceID]
	changed := ok && !inv.Status.Terminal() && inv.Status != status
	if changed {
		inv.Status = status
	}
	handler := p.handler
	p.mu.Unlock()

	if changed && push && handler != nil {
		handler.HandleInvoiceStatus(invoiceID, status)
	}
}

// LastInvoice returns the most recently created invoice.
func (p *Payment) LastInvoice() (models.Invoice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return models.Invoice{}, false
	}
	return *p.invoices[p.order[len(p.order)-1]], true
}

// Created returns how many invoices were created.
func (p *Payment) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Cancelled returns the ids passed to CancelInvoice, in order.
func (p *Payment) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

// Closed reports whether Close was called.
func (p *Payment) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetHealthy sets the result of CheckHealth.
func (p *Payment) SetHealthy(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = ok
}

// FailCreate makes CreateInvoice return err. nil clears it.
func (p *Payment) FailCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

// FailStatus makes GetInvoiceStatus return err.
func (p *Payment) FailStatus(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
}

// FailCancel makes CancelInvoice return err.
func (p *Payment) FailCancel(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErr = err
}
