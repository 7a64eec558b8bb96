package vending

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// HealthMonitor periodically probes the gateways and reports the result to
// the orchestrator. It never changes machine state on its own.
type HealthMonitor struct {
	hardware interfaces.HardwareGateway
	payment  interfaces.PaymentGateway
	sink     interfaces.PresentationSink

	interval time.Duration
	timeout  time.Duration
	report   func(ctx context.Context, h models.ComponentHealth)
	now      func() time.Time
	logger   *slog.Logger

	hardwareReconnect *rate.Limiter
	paymentReconnect  *rate.Limiter
}

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	Hardware         interfaces.HardwareGateway
	Payment          interfaces.PaymentGateway
	Sink             interfaces.PresentationSink
	Interval         time.Duration
	CallTimeout      time.Duration
	ReconnectBackoff time.Duration
	Report           func(ctx context.Context, h models.ComponentHealth)
	Now              func() time.Time
	Logger           *slog.Logger
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(c HealthMonitorConfig) *HealthMonitor {
	limit := rate.Inf
	if c.ReconnectBackoff > 0 {
		limit = rate.Every(c.ReconnectBackoff)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &HealthMonitor{
		hardware:          c.Hardware,
		payment:           c.Payment,
		sink:              c.Sink,
		interval:          c.Interval,
		timeout:           c.CallTimeout,
		report:            c.Report,
		now:               c.Now,
		logger:            c.Logger.With("component", "health"),
		hardwareReconnect: rate.NewLimiter(limit, 1),
		paymentReconnect:  rate.NewLimiter(limit, 1),
	}
}

// Check probes every component once.
func (m *HealthMonitor) Check(ctx context.Context) models.ComponentHealth {
	h := models.ComponentHealth{
		HardwareOK:     m.probe(ctx, m.hardware.CheckHealth),
		PaymentOK:      m.probe(ctx, m.payment.CheckHealth),
		PresentationOK: true,
		CheckedAt:      m.now(),
	}
	if hc, ok := m.sink.(interfaces.HealthChecker); ok {
		h.PresentationOK = m.probe(ctx, hc.CheckHealth)
	}
	return h
}

func (m *HealthMonitor) probe(ctx context.Context, check func(context.Context) bool) bool {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return check(ctx)
}

// reconnect asks unhealthy gateways to re-establish their link, at most once
// per backoff period each, and returns the refreshed health.
func (m *HealthMonitor) reconnect(ctx context.Context, h models.ComponentHealth) models.ComponentHealth {
	if !h.HardwareOK && m.tryReconnect(ctx, "hardware", m.hardware, m.hardwareReconnect) {
		h.HardwareOK = m.probe(ctx, m.hardware.CheckHealth)
	}
	if !h.PaymentOK && m.tryReconnect(ctx, "payment", m.payment, m.paymentReconnect) {
		h.PaymentOK = m.probe(ctx, m.payment.CheckHealth)
	}
	return h
}

func (m *HealthMonitor) tryReconnect(ctx context.Context, name string, gateway any, limiter *rate.Limiter) bool {
	r, ok := gateway.(interfaces.Reconnector)
	if !ok || !limiter.Allow() {
		return false
	}
	m.logger.Info("reconnecting", "gateway", name)
	if err := r.Reconnect(ctx); err != nil {
		m.logger.Warn("reconnect failed", "gateway", name, "error", err)
		return false
	}
	return true
}

// Run checks health every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last models.ComponentHealth
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h := m.reconnect(ctx, m.Check(ctx))
		if first || !h.SameAs(last) {
			m.logger.Info("component health",
				"hardware", h.HardwareOK, "payment", h.PaymentOK, "presentation", h.PresentationOK)
		}
		first, last = false, h
		m.report(ctx, h)
	}
}
