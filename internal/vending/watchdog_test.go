package vending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/GianGuaz256/pow-vending-machine/internal/telemetry"
)

type firedTimer struct {
	kind       TimerKind
	generation uint64
}

type fireLog struct {
	mu    sync.Mutex
	fired []firedTimer
}

func (f *fireLog) fire(kind TimerKind, generation uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, firedTimer{kind, generation})
}

func (f *fireLog) get() []firedTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]firedTimer(nil), f.fired...)
}

func TestWatchdogFiresWithGeneration(t *testing.T) {
	var log fireLog
	w := NewWatchdog(log.fire, 0, nil, testLogger())

	w.Arm(TimerPayment, 7, 10*time.Millisecond)
	assert.True(t, w.Armed(TimerPayment))
	require.Eventually(t, func() bool { return len(log.get()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []firedTimer{{TimerPayment, 7}}, log.get())
}

func TestWatchdogRearmReplacesTimer(t *testing.T) {
	var log fireLog
	w := NewWatchdog(log.fire, 0, nil, testLogger())

	w.Arm(TimerDispense, 1, 20*time.Millisecond)
	w.Arm(TimerDispense, 2, 20*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []firedTimer{{TimerDispense, 2}}, log.get())
}

func TestWatchdogDisarm(t *testing.T) {
	var log fireLog
	w := NewWatchdog(log.fire, 0, nil, testLogger())

	w.Arm(TimerPayment, 1, 20*time.Millisecond)
	w.Arm(TimerErrorHold, 1, 20*time.Millisecond)
	w.Disarm(TimerPayment)
	assert.False(t, w.Armed(TimerPayment))
	assert.True(t, w.Armed(TimerErrorHold))

	w.DisarmAll()
	assert.False(t, w.Armed(TimerErrorHold))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, log.get())
}

func TestWatchdogReportsStallOncePerBusyPeriod(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.New(mp.Meter("test"))
	require.NoError(t, err)

	w := NewWatchdog(func(TimerKind, uint64) {}, 20*time.Millisecond, metrics, testLogger())
	busySince := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Supervise(ctx, func() time.Time { return busySince })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var stalls int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "vending.loop.stalls" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				stalls += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), stalls)
}

func TestWatchdogIdleLoopIsNotAStall(t *testing.T) {
	w := NewWatchdog(func(TimerKind, uint64) {}, 10*time.Millisecond, nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	w.Supervise(ctx, func() time.Time { calls++; return time.Time{} })
	assert.Positive(t, calls)
}
