package display

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

func TestBoardTracksLatestScreen(t *testing.T) {
	b := NewBoard()
	b.ShowHealth(models.ComponentHealth{HardwareOK: true, PaymentOK: false, PresentationOK: true})
	b.ShowPayableRequest("lnbc1...", decimal.RequireFromString("1.5"), "EUR")

	s := b.Current()
	assert.Equal(t, ScreenPayment, s.Name)
	assert.Equal(t, "1.50", s.Amount)
	assert.Equal(t, "lnbc1...", s.Reference)
	require.NotNil(t, s.Health)
	assert.False(t, s.Health.PaymentOK)

	b.ShowError("Payment Expired")
	assert.Equal(t, "Payment Expired", b.Current().Message)

	assert.True(t, b.CheckHealth(context.Background()))
	require.NoError(t, b.Close())
	assert.False(t, b.CheckHealth(context.Background()))
}

func TestMultiFansOut(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	board := NewBoard()
	m := Multi{board, NewLogSink(logger)}

	m.ShowDispensing("4")
	assert.Equal(t, ScreenDispense, board.Current().Name)
	assert.Contains(t, buf.String(), "item=4")

	assert.True(t, m.CheckHealth(context.Background()))
	require.NoError(t, m.Close())
	assert.False(t, m.CheckHealth(context.Background()))
}
