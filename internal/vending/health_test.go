package vending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/display"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/services/mock"
)

func TestHealthMonitorCheck(t *testing.T) {
	logger := testLogger()
	hw := mock.NewHardware(logger)
	pay := mock.NewPayment(0, logger)
	board := display.NewBoard()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := NewHealthMonitor(HealthMonitorConfig{
		Hardware: hw,
		Payment:  pay,
		Sink:     board,
		Interval: time.Second,
		Now:      func() time.Time { return now },
		Logger:   logger,
	})

	h := m.Check(context.Background())
	assert.Equal(t, models.ComponentHealth{HardwareOK: true, PaymentOK: true, PresentationOK: true, CheckedAt: now}, h)

	pay.SetHealthy(false)
	require.NoError(t, board.Close())
	h = m.Check(context.Background())
	assert.True(t, h.HardwareOK)
	assert.False(t, h.PaymentOK)
	assert.False(t, h.PresentationOK)

	// Sinks without a health check count as healthy.
	m.sink = &recordingSink{}
	assert.True(t, m.Check(context.Background()).PresentationOK)
}

func TestHealthMonitorReconnectIsThrottled(t *testing.T) {
	logger := testLogger()
	hw := mock.NewHardware(logger)
	m := NewHealthMonitor(HealthMonitorConfig{
		Hardware:         hw,
		Payment:          mock.NewPayment(0, logger),
		Sink:             &recordingSink{},
		Interval:         time.Second,
		ReconnectBackoff: time.Hour,
		Logger:           logger,
	})
	ctx := context.Background()

	hw.SetHealthy(false)
	h := m.reconnect(ctx, m.Check(ctx))
	assert.True(t, h.HardwareOK, "first reconnect is allowed")

	hw.SetHealthy(false)
	h = m.reconnect(ctx, m.Check(ctx))
	assert.False(t, h.HardwareOK, "second reconnect waits for the backoff")
}

func TestHealthMonitorRunReports(t *testing.T) {
	logger := testLogger()
	var (
		mu      sync.Mutex
		reports []models.ComponentHealth
	)
	m := NewHealthMonitor(HealthMonitorConfig{
		Hardware: mock.NewHardware(logger),
		Payment:  mock.NewPayment(0, logger),
		Sink:     &recordingSink{},
		Interval: 5 * time.Millisecond,
		Report: func(_ context.Context, h models.ComponentHealth) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, h)
		},
		Logger: logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	for _, h := range reports {
		assert.True(t, h.Healthy())
	}
}
