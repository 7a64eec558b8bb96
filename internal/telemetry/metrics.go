// Package telemetry holds the OpenTelemetry instruments of the vending daemon.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/GianGuaz256/pow-vending-machine"

// Metrics records machine activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions   metric.Int64Counter
	outcomes      metric.Int64Counter
	gatewayErrors metric.Int64Counter
	stalls        metric.Int64Counter
	invoiceWait   metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.transitions, err = meter.Int64Counter("vending.transitions",
		metric.WithDescription("State transitions applied by the orchestrator")); err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}
	if m.outcomes, err = meter.Int64Counter("vending.outcomes",
		metric.WithDescription("Finished transactions by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create outcomes counter: %w", err)
	}
	if m.gatewayErrors, err = meter.Int64Counter("vending.gateway.errors",
		metric.WithDescription("Failed gateway calls")); err != nil {
		return nil, fmt.Errorf("failed to create gateway errors counter: %w", err)
	}
	if m.stalls, err = meter.Int64Counter("vending.loop.stalls",
		metric.WithDescription("Events that kept the run loop busy past the stall threshold")); err != nil {
		return nil, fmt.Errorf("failed to create stalls counter: %w", err)
	}
	if m.invoiceWait, err = meter.Float64Histogram("vending.payment.wait",
		metric.WithDescription("Time from invoice creation to settlement"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create payment wait histogram: %w", err)
	}
	return m, nil
}

// Transition counts one applied state change.
func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Outcome counts one finished transaction.
func (m *Metrics) Outcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// GatewayError counts a failed call against gateway ("hardware", "payment").
func (m *Metrics) GatewayError(ctx context.Context, gateway, op string) {
	if m == nil {
		return
	}
	m.gatewayErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("op", op),
	))
}

// Stall counts a run loop stall.
func (m *Metrics) Stall(ctx context.Context) {
	if m == nil {
		return
	}
	m.stalls.Add(ctx, 1)
}

// PaymentWait records how long a customer took to pay.
func (m *Metrics) PaymentWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.invoiceWait.Record(ctx, d.Seconds())
}

// Provider owns the meter provider and its shutdown.
type Provider struct {
	meter    metric.Meter
	shutdown func(context.Context) error
}

// NewProvider exports over OTLP/gRPC when endpoint is set and falls back to a
// noop meter otherwise.
func NewProvider(ctx context.Context, endpoint string, interval time.Duration) (*Provider, error) {
	if endpoint == "" {
		return &Provider{
			meter:    noop.NewMeterProvider().Meter(meterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	return &Provider{meter: mp.Meter(meterName), shutdown: mp.Shutdown}, nil
}

// Meter returns the provider's meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Shutdown flushes pending exports.
func (p *Provider) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }
