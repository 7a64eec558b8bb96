// Package display provides presentation sinks for the vending machine.
package display

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// Screen names.
const (
	ScreenReady    = "ready"
	ScreenPayment  = "payment"
	ScreenStatus   = "payment_status"
	ScreenDispense = "dispensing"
	ScreenError    = "error"
)

// Screen is what is currently shown to the customer.
type Screen struct {
	Name      string                  `json:"name"`
	Title     string                  `json:"title"`
	Message   string                  `json:"message,omitempty"`
	Reference string                  `json:"reference,omitempty"`
	Amount    string                  `json:"amount,omitempty"`
	Currency  string                  `json:"currency,omitempty"`
	Health    *models.ComponentHealth `json:"health,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Board keeps the latest screen in memory so it can be served over HTTP or
// read by a local renderer.
type Board struct {
	mu     sync.RWMutex
	screen Screen
	health models.ComponentHealth
	closed bool
}

func NewBoard() *Board {
	return &Board{screen: Screen{Name: ScreenReady, Title: "Starting", UpdatedAt: time.Now()}}
}

func (b *Board) set(s Screen) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.UpdatedAt = time.Now()
	h := b.health
	s.Health = &h
	b.screen = s
}

// Current returns a copy of the displayed screen.
func (b *Board) Current() Screen {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.screen
}

func (b *Board) ShowReady() {
	b.set(Screen{Name: ScreenReady, Title: "Ready", Message: "Bitcoin Vending Machine"})
}

func (b *Board) ShowPayableRequest(reference string, amount decimal.Decimal, currency string) {
	b.set(Screen{
		Name:      ScreenPayment,
		Title:     "Scan to pay",
		Reference: reference,
		Amount:    amount.StringFixed(2),
		Currency:  currency,
	})
}

func (b *Board) ShowPaymentStatus(amount decimal.Decimal, currency string, status string) {
	b.set(Screen{
		Name:     ScreenStatus,
		Title:    "Payment",
		Message:  status,
		Amount:   amount.StringFixed(2),
		Currency: currency,
	})
}

func (b *Board) ShowDispensing(itemID string) {
	b.set(Screen{Name: ScreenDispense, Title: "Dispensing", Message: fmt.Sprintf("Item #%s", itemID)})
}

func (b *Board) ShowError(message string) {
	b.set(Screen{Name: ScreenError, Title: "Error", Message: message})
}

// ShowHealth updates the health shown alongside the current screen.
func (b *Board) ShowHealth(health models.ComponentHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = health
	h := health
	b.screen.Health = &h
}

func (b *Board) CheckHealth(context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.screen = Screen{Name: ScreenError, Title: "Shutting Down", UpdatedAt: time.Now()}
	return nil
}

// LogSink writes every presentation call to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "display")}
}

func (l *LogSink) ShowReady() {
	l.logger.Info("screen", "name", ScreenReady)
}

func (l *LogSink) ShowPayableRequest(reference string, amount decimal.Decimal, currency string) {
	l.logger.Info("screen", "name", ScreenPayment, "amount", amount.StringFixed(2), "currency", currency, "reference", reference)
}

func (l *LogSink) ShowPaymentStatus(amount decimal.Decimal, currency string, status string) {
	l.logger.Info("screen", "name", ScreenStatus, "amount", amount.StringFixed(2), "currency", currency, "status", status)
}

func (l *LogSink) ShowDispensing(itemID string) {
	l.logger.Info("screen", "name", ScreenDispense, "item", itemID)
}

func (l *LogSink) ShowError(message string) {
	l.logger.Warn("screen", "name", ScreenError, "message", message)
}

func (l *LogSink) ShowHealth(health models.ComponentHealth) {
	l.logger.Info("health",
		"hardware", health.HardwareOK,
		"payment", health.PaymentOK,
		"presentation", health.PresentationOK)
}

// Multi fans every call out to several sinks.
type Multi []interfaces.PresentationSink

func (m Multi) ShowReady() {
	for _, s := range m {
		s.ShowReady()
	}
}

func (m Multi) ShowPayableRequest(reference string, amount decimal.Decimal, currency string) {
	for _, s := range m {
		s.ShowPayableRequest(reference, amount, currency)
	}
}

func (m Multi) ShowPaymentStatus(amount decimal.Decimal, currency string, status string) {
	for _, s := range m {
		s.ShowPaymentStatus(amount, currency, status)
	}
}

func (m Multi) ShowDispensing(itemID string) {
	for _, s := range m {
		s.ShowDispensing(itemID)
	}
}

func (m Multi) ShowError(message string) {
	for _, s := range m {
		s.ShowError(message)
	}
}

func (m Multi) ShowHealth(health models.ComponentHealth) {
	for _, s := range m {
		s.ShowHealth(health)
	}
}

// CheckHealth is healthy when every member that can report health is.
func (m Multi) CheckHealth(ctx context.Context) bool {
	for _, s := range m {
		if hc, ok := s.(interfaces.HealthChecker); ok && !hc.CheckHealth(ctx) {
			return false
		}
	}
	return true
}

// Close closes every member that holds resources.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
