package vending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/telemetry"
)

// Watchdog owns the transaction timers and watches the run loop for stalls.
// Timers never touch machine state: a firing timer only reports its kind and
// generation, and the machine decides whether it still matters.
type Watchdog struct {
	mu     sync.Mutex
	timers map[TimerKind]*time.Timer
	fire   func(kind TimerKind, generation uint64)

	stallThreshold time.Duration
	metrics        *telemetry.Metrics
	logger         *slog.Logger
}

// NewWatchdog creates a watchdog that calls fire when an armed timer expires.
func NewWatchdog(fire func(TimerKind, uint64), stallThreshold time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		timers:         make(map[TimerKind]*time.Timer),
		fire:           fire,
		stallThreshold: stallThreshold,
		metrics:        metrics,
		logger:         logger.With("component", "watchdog"),
	}
}

// Arm starts (or restarts) the timer of the given kind.
func (w *Watchdog) Arm(kind TimerKind, generation uint64, after time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[kind]; ok {
		t.Stop()
	}
	w.timers[kind] = time.AfterFunc(after, func() {
		w.logger.Debug("timer fired", "kind", kind, "generation", generation)
		w.fire(kind, generation)
	})
	w.logger.Debug("timer armed", "kind", kind, "generation", generation, "after", after)
}

// Disarm stops the timer of the given kind if it is armed.
func (w *Watchdog) Disarm(kind TimerKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[kind]; ok {
		t.Stop()
		delete(w.timers, kind)
	}
}

// DisarmAll stops every timer.
func (w *Watchdog) DisarmAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for kind, t := range w.timers {
		t.Stop()
		delete(w.timers, kind)
	}
}

// Armed reports whether a timer of kind is pending.
func (w *Watchdog) Armed(kind TimerKind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[kind]
	return ok
}

// Supervise polls busySince and reports a stall once per busy period when the
// run loop has been working on a single event for longer than the threshold.
func (w *Watchdog) Supervise(ctx context.Context, busySince func() time.Time) {
	if w.stallThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(w.stallThreshold / 2)
	defer ticker.Stop()

	var reported time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			since := busySince()
			if since.IsZero() || since.Equal(reported) {
				continue
			}
			if busy := now.Sub(since); busy > w.stallThreshold {
				reported = since
				w.metrics.Stall(ctx)
				w.logger.Warn("run loop stalled", "busy_for", busy.Round(time.Millisecond))
			}
		}
	}
}
