package mock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pushed struct {
	mu      sync.Mutex
	updates map[string][]models.InvoiceStatus
}

func (p *pushed) HandleInvoiceStatus(invoiceID string, status models.InvoiceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updates == nil {
		p.updates = make(map[string][]models.InvoiceStatus)
	}
	p.updates[invoiceID] = append(p.updates[invoiceID], status)
}

func (p *pushed) of(id string) []models.InvoiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.InvoiceStatus(nil), p.updates[id]...)
}

func TestPaymentAutoSettlePushesOnce(t *testing.T) {
	pay := NewPayment(10*time.Millisecond, testLogger())
	h := &pushed{}
	pay.SetStatusHandler(h)

	inv, err := pay.CreateInvoice(context.Background(), decimal.RequireFromString("1.25"), "EUR", "Item #1")
	require.NoError(t, err)
	require.NoError(t, inv.Validate())
	assert.Equal(t, "lnbcrt125mock1", inv.PayableReference)

	require.Eventually(t, func() bool { return len(h.of(inv.ID)) == 1 }, time.Second, 5*time.Millisecond)
	st, err := pay.GetInvoiceStatus(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceSettled, st)

	pay.Settle(inv.ID)
	pay.SetStatus(inv.ID, models.InvoiceExpired, true)
	assert.Equal(t, []models.InvoiceStatus{models.InvoiceSettled}, h.of(inv.ID))
}

func TestPaymentCancelAndFailures(t *testing.T) {
	pay := NewPayment(0, testLogger())
	ctx := context.Background()

	inv, err := pay.CreateInvoice(ctx, decimal.NewFromInt(2), "EUR", "Item #2")
	require.NoError(t, err)
	require.NoError(t, pay.CancelInvoice(ctx, inv.ID))
	st, err := pay.GetInvoiceStatus(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceInvalid, st)
	assert.Equal(t, []string{inv.ID}, pay.Cancelled())

	boom := errors.New("boom")
	pay.FailCreate(boom)
	_, err = pay.CreateInvoice(ctx, decimal.NewFromInt(2), "EUR", "Item #2")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, pay.Created())

	require.NoError(t, pay.Close())
	assert.False(t, pay.CheckHealth(ctx))
	assert.True(t, pay.Closed())
}

func TestHardwareHandsOutRequestsOnce(t *testing.T) {
	hw := NewHardware(testLogger())
	ctx := context.Background()

	req, err := hw.PollVendRequest(ctx)
	require.NoError(t, err)
	assert.Nil(t, req)

	hw.InjectVendRequest(models.VendRequest{ItemID: "3", Price: decimal.NewFromInt(1), Currency: "EUR"})
	req, err = hw.PollVendRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "3", req.ItemID)
	assert.False(t, req.ReceivedAt.IsZero())

	req, err = hw.PollVendRequest(ctx)
	require.NoError(t, err)
	assert.Nil(t, req)

	require.NoError(t, hw.ApproveVend(ctx))
	require.NoError(t, hw.DenyVend(ctx))
	require.NoError(t, hw.EndSession(ctx))
	assert.Equal(t, HardwareCalls{Approvals: 1, Denials: 1, SessionEnds: 1}, hw.Calls())
}

func TestHardwareHealthAndReconnect(t *testing.T) {
	hw := NewHardware(testLogger())
	ctx := context.Background()

	hw.SetHealthy(false)
	assert.False(t, hw.CheckHealth(ctx))
	require.NoError(t, hw.Reconnect(ctx))
	assert.True(t, hw.CheckHealth(ctx))

	require.NoError(t, hw.Close())
	assert.True(t, hw.Closed())
	assert.ErrorIs(t, hw.Reconnect(ctx), ErrClosed)
	_, err := hw.PollVendRequest(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
